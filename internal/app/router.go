// Package app wires the evaluation core's HTTP surface and startup
// helpers shared by the service entry points.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/contest-core/internal/adapter/httpserver"
	"github.com/fairyhunter13/contest-core/internal/config"
	"github.com/fairyhunter13/contest-core/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces; an
// empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the web-tier HTTP handler with all middleware and
// the core notification and operator routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The contest-web notification endpoints are rate limited per IP; the
	// operator endpoints below are not.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/v1/submissions", srv.NewSubmissionHandler())
		wr.Post("/v1/user_tests", srv.NewUserTestHandler())
	})

	// Operator endpoints get basic auth when credentials are configured.
	r.Group(func(ar chi.Router) {
		guard, err := httpserver.NewAdminGuard(cfg.AdminUsername, cfg.AdminPassword)
		if err == nil && guard != nil {
			ar.Use(guard.Middleware)
		}
		ar.Post("/v1/submissions/{id}/invalidate", srv.InvalidateHandler())
		ar.Post("/v1/tasks/{id}/active_dataset", srv.SwapDatasetHandler())
		ar.Get("/v1/workers", srv.WorkersStatusHandler())
		ar.Post("/v1/workers/disable", srv.DisableWorkerHandler())
		ar.Post("/v1/workers/enable", srv.EnableWorkerHandler())
		ar.Get("/v1/contests/{id}/submissions/status", srv.SubmissionsStatusHandler())
		ar.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
