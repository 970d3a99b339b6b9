package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/observability"
	"github.com/fairyhunter13/contest-core/internal/worker"
)

// statusClient is the slice of worker.Client the pool polls; narrowed to a
// port so the pool can be exercised against fakes.
type statusClient interface {
	GetStatus(ctx context.Context) (worker.StatusResponse, error)
	IgnoreJob(ctx context.Context) error
	Disable(ctx context.Context) error
	Enable(ctx context.Context) error
}

// poolWorker is the scheduler's view of one Worker: idle, busy with a Job
// and a heartbeat deadline, or disabled.
type poolWorker struct {
	Addr       string
	Status     worker.WorkerStatus
	CurrentJob *domain.Job
	BusySince  time.Time
	Deadline   time.Time
	LastSeen   time.Time
	Disabled   bool
	client     statusClient
}

// WorkerStatusView is the serialisable snapshot returned by
// get_workers_status.
type WorkerStatusView struct {
	Addr       string              `json:"addr"`
	Status     worker.WorkerStatus `json:"status"`
	CurrentJob *domain.Job         `json:"current_job,omitempty"`
	LastSeen   time.Time           `json:"last_seen"`
}

// WorkerPool tracks the mapping from Worker identity to
// {idle | busy(job, started_at, deadline) | disabled}. Jobs flow to Workers
// over the queue transport; the pool's heartbeat polling is how the
// scheduler notices an unresponsive Worker and reclaims its in-flight Job.
type WorkerPool struct {
	mu      sync.Mutex
	workers map[string]*poolWorker
	slack   time.Duration
	// onLostJob re-enqueues a reclaimed Job at the head of its band with
	// tries incremented.
	onLostJob func(job domain.Job)
	newClient func(addr string) statusClient
}

// NewWorkerPool seeds the pool with the configured Worker addresses. Each
// is marked idle on first successful poll.
func NewWorkerPool(addrs []string, slack time.Duration, onLostJob func(domain.Job)) *WorkerPool {
	p := &WorkerPool{
		workers:   map[string]*poolWorker{},
		slack:     slack,
		onLostJob: onLostJob,
		newClient: func(addr string) statusClient { return worker.NewClient(addr) },
	}
	for _, addr := range addrs {
		p.workers[addr] = &poolWorker{Addr: addr, Status: worker.StatusDisabled}
	}
	return p
}

// Connect registers (or re-registers) a Worker; it is marked idle.
func (p *WorkerPool) Connect(addr string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[addr]
	if !ok {
		w = &poolWorker{Addr: addr}
		p.workers[addr] = w
	}
	w.Status = worker.StatusIdle
	w.Disabled = false
	w.LastSeen = time.Now()
	p.publishGauges()
}

// JobFinished clears busy bookkeeping once a result for fp arrives, so a
// completed Job cannot later be "reclaimed" by a stale deadline check.
// Workers are keyed by address for polling but report a UUID identity in
// results; matching is by current-job fingerprint.
func (p *WorkerPool) JobFinished(fp domain.Fingerprint) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.CurrentJob != nil && w.CurrentJob.Fingerprint() == fp {
			w.CurrentJob = nil
			w.Deadline = time.Time{}
			if w.Status == worker.StatusBusy {
				w.Status = worker.StatusIdle
			}
		}
	}
	p.publishGauges()
}

// Disable marks a Worker disabled and tells it to stop accepting Jobs.
func (p *WorkerPool) Disable(ctx context.Context, addr string) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	w, ok := p.workers[addr]
	if !ok {
		w = &poolWorker{Addr: addr}
		p.workers[addr] = w
	}
	w.Disabled = true
	w.Status = worker.StatusDisabled
	client := w.client
	if client == nil {
		client = p.newClient(addr)
		w.client = client
	}
	p.publishGauges()
	p.mu.Unlock()
	return client.Disable(ctx)
}

// Enable re-enables a previously disabled Worker.
func (p *WorkerPool) Enable(ctx context.Context, addr string) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	w, ok := p.workers[addr]
	if !ok {
		w = &poolWorker{Addr: addr}
		p.workers[addr] = w
	}
	w.Disabled = false
	client := w.client
	if client == nil {
		client = p.newClient(addr)
		w.client = client
	}
	p.mu.Unlock()
	return client.Enable(ctx)
}

// Snapshot returns the operator view of every known Worker.
func (p *WorkerPool) Snapshot() []WorkerStatusView {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStatusView, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerStatusView{
			Addr:       w.Addr,
			Status:     w.Status,
			CurrentJob: w.CurrentJob,
			LastSeen:   w.LastSeen,
		})
	}
	return out
}

// Run polls every Worker's get_status on interval as the heartbeat.
func (p *WorkerPool) Run(ctx context.Context, interval time.Duration) {
	if p == nil {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker pool heartbeat stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *WorkerPool) pollOnce(ctx context.Context) {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.workers))
	for addr := range p.workers {
		addrs = append(addrs, addr)
	}
	p.mu.Unlock()

	for _, addr := range addrs {
		p.pollWorker(ctx, addr)
	}
}

func (p *WorkerPool) pollWorker(ctx context.Context, addr string) {
	p.mu.Lock()
	w := p.workers[addr]
	if w == nil {
		p.mu.Unlock()
		return
	}
	if w.client == nil {
		w.client = p.newClient(addr)
	}
	client := w.client
	p.mu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	status, err := client.GetStatus(pollCtx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()

	if err != nil {
		// Heartbeat miss. An in-flight Job on a disconnected Worker goes
		// back to the head of its band; the Worker stays disabled until it
		// answers again.
		if w.Status == worker.StatusBusy && w.CurrentJob != nil {
			lost := *w.CurrentJob
			slog.Warn("worker heartbeat missed with job in flight; re-enqueueing",
				slog.String("worker_addr", addr),
				slog.String("fingerprint", string(lost.Fingerprint())))
			w.CurrentJob = nil
			if p.onLostJob != nil {
				p.onLostJob(lost)
			}
		}
		w.Status = worker.StatusDisabled
		p.publishGauges()
		return
	}

	w.LastSeen = now
	previous := w.Status
	if w.Disabled {
		w.Status = worker.StatusDisabled
	} else {
		w.Status = status.Status
	}

	switch status.Status {
	case worker.StatusBusy:
		if previous != worker.StatusBusy || !sameJob(w.CurrentJob, status.CurrentJob) {
			w.CurrentJob = status.CurrentJob
			w.BusySince = now
			if status.CurrentJob != nil {
				budget := time.Duration(status.CurrentJob.WallBudgetS * float64(time.Second))
				w.Deadline = now.Add(2*budget + p.slack)
			}
		} else if !w.Deadline.IsZero() && now.After(w.Deadline) && w.CurrentJob != nil {
			// The Job overran its wall-clock deadline: cancel at the RPC
			// level and reclaim it.
			lost := *w.CurrentJob
			slog.Warn("worker job exceeded heartbeat deadline; cancelling and re-enqueueing",
				slog.String("worker_addr", addr),
				slog.String("fingerprint", string(lost.Fingerprint())))
			cancelCtx, cancelFn := context.WithTimeout(ctx, 2*time.Second)
			_ = client.IgnoreJob(cancelCtx)
			cancelFn()
			w.CurrentJob = nil
			if p.onLostJob != nil {
				p.onLostJob(lost)
			}
		}
	case worker.StatusIdle:
		w.CurrentJob = nil
		w.Deadline = time.Time{}
	}
	p.publishGauges()
}

func sameJob(a, b *domain.Job) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Fingerprint() == b.Fingerprint()
}

// publishGauges refreshes the workers_by_state metrics; callers hold p.mu.
func (p *WorkerPool) publishGauges() {
	counts := map[worker.WorkerStatus]int{}
	for _, w := range p.workers {
		counts[w.Status]++
	}
	for _, state := range []worker.WorkerStatus{worker.StatusIdle, worker.StatusBusy, worker.StatusDisabled} {
		observability.WorkersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
