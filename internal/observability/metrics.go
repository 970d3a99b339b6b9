package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by kind and priority band.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind", "priority"},
	)
	// JobsProcessing is a gauge of jobs currently dispatched to a Worker, by kind.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"kind"},
	)
	// JobsCompletedTotal counts jobs completed by kind.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	// JobsFailedTotal counts jobs failed by kind and failure class.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"kind", "class"},
	)
	// JobsRetriedTotal counts retry dispatches by kind.
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retry dispatches",
		},
		[]string{"kind"},
	)
	// JobsDLQTotal counts jobs moved to the dead-letter cooldown path.
	JobsDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the DLQ",
		},
		[]string{"kind"},
	)

	// WorkersByState reports the ES worker pool state, one gauge per state label.
	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_by_state",
			Help: "Number of workers in each pool state",
		},
		[]string{"state"},
	)

	// ScoreDistribution is the histogram of computed SubmissionResult scores
	// as a fraction of task.max_score.
	ScoreDistribution = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submission_score_fraction",
			Help:    "Distribution of submission score as a fraction of task max_score",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"score_type"},
	)
	// ScoreComputeDuration records scoring computation latency.
	ScoreComputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "score_compute_duration_seconds",
			Help:    "Time to compute a SubmissionResult score",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"score_type"},
	)

	// ProxyDeliveryTotal counts PS deliveries to the ranking endpoint by
	// resource kind and outcome.
	ProxyDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_total",
			Help: "Total number of ranking-endpoint deliveries attempted",
		},
		[]string{"resource", "outcome"},
	)
	// ProxyQueueDepth is a gauge of pending PS deliveries.
	ProxyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_queue_depth",
			Help: "Number of pending ranking-endpoint deliveries",
		},
	)

	// SandboxExecutions counts sandbox invocations by termination cause.
	SandboxExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Total number of sandbox executions by termination cause",
		},
		[]string{"cause"},
	)
	// SandboxDuration records sandbox invocation wall time.
	SandboxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_wall_duration_seconds",
			Help:    "Sandbox invocation wall-clock duration",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(WorkersByState)
	prometheus.MustRegister(ScoreDistribution)
	prometheus.MustRegister(ScoreComputeDuration)
	prometheus.MustRegister(ProxyDeliveryTotal)
	prometheus.MustRegister(ProxyQueueDepth)
	prometheus.MustRegister(SandboxExecutions)
	prometheus.MustRegister(SandboxDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter.
func EnqueueJob(kind, priority string) {
	JobsEnqueuedTotal.WithLabelValues(kind, priority).Inc()
}

// StartProcessingJob increments the processing gauge for the given kind.
func StartProcessingJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Inc()
}

// CompleteJob marks a job complete.
func CompleteJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsCompletedTotal.WithLabelValues(kind).Inc()
}

// FailJob marks a job failed with the given failure class.
func FailJob(kind, class string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsFailedTotal.WithLabelValues(kind, class).Inc()
}

// RetryJob records a retry dispatch.
func RetryJob(kind string) {
	JobsRetriedTotal.WithLabelValues(kind).Inc()
}

// DLQJob records a job moved to the dead-letter cooldown path.
func DLQJob(kind string) {
	JobsDLQTotal.WithLabelValues(kind).Inc()
}

// ObserveScore records a computed score as a fraction of max_score.
func ObserveScore(scoreType string, score, maxScore float64) {
	if maxScore <= 0 {
		return
	}
	fraction := score / maxScore
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	ScoreDistribution.WithLabelValues(scoreType).Observe(fraction)
}
