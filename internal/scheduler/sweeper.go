package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"go.opentelemetry.io/otel/attribute"
)

// ResultSweeper scans SubmissionResults in non-terminal states and
// re-enqueues their outstanding Jobs. Run at startup it is the "Recovery at
// startup" operation: no in-memory queue survives a crash, so the queue is
// always reconstructed from durable state. Run periodically it also catches
// results orphaned by Jobs that vanished without a heartbeat miss.
type ResultSweeper struct {
	results  domain.SubmissionResultRepository
	svc      *Service
	maxAge   time.Duration
	interval time.Duration
}

// NewResultSweeper returns a sweeper, or nil when results or svc is nil.
func NewResultSweeper(results domain.SubmissionResultRepository, svc *Service, maxAge, interval time.Duration) *ResultSweeper {
	if results == nil || svc == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ResultSweeper{results: results, svc: svc, maxAge: maxAge, interval: interval}
}

// RecoverAtStartup re-enqueues Jobs for every non-terminal result,
// regardless of age. Called once before the dispatcher starts.
func (s *ResultSweeper) RecoverAtStartup(ctx context.Context) error {
	if s == nil {
		return nil
	}
	n, err := s.sweep(ctx, time.Time{})
	if err != nil {
		return err
	}
	slog.Info("startup recovery complete", slog.Int("results_requeued", n))
	return nil
}

// Run sweeps on interval, re-enqueueing only results stuck past maxAge so
// an ordinary in-flight evaluation is not double-dispatched.
func (s *ResultSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("result sweeper stopping")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.maxAge)
			if _, err := s.sweep(ctx, cutoff); err != nil {
				slog.Error("result sweep failed", slog.Any("error", err))
			}
		}
	}
}

// sweep pages through non-terminal results; a zero cutoff requeues all of
// them, a non-zero cutoff only those not updated since it.
func (s *ResultSweeper) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "scheduler.ResultSweeper.sweep")
	defer span.End()

	const pageSize = 100
	requeued := 0
	for offset := 0; ; offset += pageSize {
		page, err := s.results.ListNonTerminal(ctx, offset, pageSize)
		if err != nil {
			span.RecordError(err)
			return requeued, err
		}
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			if !cutoff.IsZero() && r.UpdatedAt.After(cutoff) {
				continue
			}
			if s.svc.isInflight(fingerprintFor(r)) || s.svc.Queue.Contains(fingerprintFor(r)) {
				continue
			}
			if err := s.svc.Requeue(ctx, r); err != nil {
				slog.Error("failed to requeue submission result",
					slog.String("submission_result_id", r.ID),
					slog.Any("error", err))
				continue
			}
			requeued++
		}
		if len(page) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("results.requeued", requeued))
	return requeued, nil
}

// fingerprintFor derives the in-flight dedup key guarding a result's next
// outstanding Job. Evaluations fan out to per-testcase fingerprints; the
// compile fingerprint stands in as the coarse guard here, and the queue's
// own per-fingerprint dedup keeps the fan-out exact.
func fingerprintFor(r domain.SubmissionResult) domain.Fingerprint {
	return domain.Job{
		Kind:         domain.JobCompile,
		SubmissionID: r.SubmissionID,
		DatasetID:    r.DatasetID,
	}.Fingerprint()
}
