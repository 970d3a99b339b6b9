package httpserver

import (
	"context"
	"net/http"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/scheduler"
	"github.com/go-chi/chi/v5"
)

// Evaluator is the scheduler surface the web tier drives; satisfied by
// *scheduler.Service.
type Evaluator interface {
	NewSubmission(ctx context.Context, submissionID string) error
	NewUserTest(ctx context.Context, userTestID string) error
	InvalidateSubmission(ctx context.Context, submissionID string, datasetID *string, level scheduler.InvalidationLevel) error
	SwapActiveDataset(ctx context.Context, taskID, datasetID string) error
	SubmissionsStatus(ctx context.Context, contestID string) (map[domain.ResultState]int, error)
}

// WorkerPoolOps is the worker-pool surface for the operator endpoints;
// satisfied by *scheduler.WorkerPool.
type WorkerPoolOps interface {
	Disable(ctx context.Context, addr string) error
	Enable(ctx context.Context, addr string) error
	Snapshot() []scheduler.WorkerStatusView
}

// Readiness reports whether the process's dependencies are reachable.
type Readiness func(ctx context.Context) error

// Server holds the handler dependencies.
type Server struct {
	Evaluator Evaluator
	Pool      WorkerPoolOps
	Ready     Readiness
}

// NewServer constructs the web-tier RPC server.
func NewServer(evaluator Evaluator, pool WorkerPoolOps, ready Readiness) *Server {
	return &Server{Evaluator: evaluator, Pool: pool, Ready: ready}
}

type newSubmissionRequest struct {
	SubmissionID string `json:"submission_id" validate:"required"`
}

// NewSubmissionHandler implements new_submission: the web tier notifies the
// core that a submission row appeared.
func (s *Server) NewSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req newSubmissionRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Evaluator.NewSubmission(r.Context(), req.SubmissionID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

type newUserTestRequest struct {
	UserTestID string `json:"user_test_id" validate:"required"`
}

// NewUserTestHandler notifies the core of a contestant-supplied test.
func (s *Server) NewUserTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req newUserTestRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Evaluator.NewUserTest(r.Context(), req.UserTestID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

type invalidateRequest struct {
	DatasetID *string `json:"dataset_id"`
	Level     string  `json:"level" validate:"required,oneof=compilation evaluation"`
}

// InvalidateHandler implements invalidate_submission: clears results back
// to the requested level and re-queues Jobs.
func (s *Server) InvalidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		submissionID := chi.URLParam(r, "id")
		var req invalidateRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		err := s.Evaluator.InvalidateSubmission(r.Context(), submissionID, req.DatasetID, scheduler.InvalidationLevel(req.Level))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
	}
}

type swapDatasetRequest struct {
	DatasetID string `json:"dataset_id" validate:"required"`
}

// SwapDatasetHandler changes a task's active dataset, triggering
// recomputation of affected results against the new recipe.
func (s *Server) SwapDatasetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "id")
		var req swapDatasetRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Evaluator.SwapActiveDataset(r.Context(), taskID, req.DatasetID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// WorkersStatusHandler implements get_workers_status.
func (s *Server) WorkersStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"workers": s.Pool.Snapshot()})
	}
}

type workerRequest struct {
	Addr string `json:"addr" validate:"required"`
}

// DisableWorkerHandler implements disable_worker.
func (s *Server) DisableWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Pool.Disable(r.Context(), req.Addr); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// EnableWorkerHandler implements enable_worker.
func (s *Server) EnableWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Pool.Enable(r.Context(), req.Addr); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SubmissionsStatusHandler implements get_submissions_status.
func (s *Server) SubmissionsStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contestID := chi.URLParam(r, "id")
		summary, err := s.Evaluator.SubmissionsStatus(r.Context(), contestID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contest_id": contestID, "states": summary})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Ready != nil {
			if err := s.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
