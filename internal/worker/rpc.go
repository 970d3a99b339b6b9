package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var rpcTracer = otel.Tracer("contest-core/worker/rpc")

// WorkerStatus is the worker's self-reported state, polled by ES for its
// worker-pool view and surfaced by get_workers_status.
type WorkerStatus string

// Worker status values.
const (
	StatusIdle     WorkerStatus = "idle"
	StatusBusy     WorkerStatus = "busy"
	StatusDisabled WorkerStatus = "disabled"
)

// RPCServer exposes the Worker's execute_job/ignore_job/get_status
// operations over plain JSON-over-HTTP. The surface is small and
// intra-cluster; a full gRPC service definition would be unwarranted
// overhead next to the rest of the HTTP tier.
type RPCServer struct {
	worker *Worker

	mu         sync.Mutex
	status     WorkerStatus
	currentJob *domain.Job
	disabled   bool
}

// NewRPCServer wraps w with an RPC surface, starting idle.
func NewRPCServer(w *Worker) *RPCServer {
	return &RPCServer{worker: w, status: StatusIdle}
}

// Routes registers the RPC handlers on mux.
func (s *RPCServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/execute_job", s.handleExecuteJob)
	mux.HandleFunc("POST /v1/ignore_job", s.handleIgnoreJob)
	mux.HandleFunc("GET /v1/status", s.handleGetStatus)
	mux.HandleFunc("POST /v1/disable", s.handleDisable)
	mux.HandleFunc("POST /v1/enable", s.handleEnable)
}

type executeJobRequest struct {
	Job domain.Job `json:"job"`
}

type executeJobResponse struct {
	Result domain.JobResult `json:"result"`
}

func (s *RPCServer) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := rpcTracer.Start(r.Context(), "worker.rpc.execute_job")
	defer span.End()

	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		writeJSONError(w, http.StatusServiceUnavailable, "worker disabled")
		return
	}
	if s.status == StatusBusy {
		s.mu.Unlock()
		writeJSONError(w, http.StatusConflict, "worker already executing a job")
		return
	}
	s.mu.Unlock()

	var req executeJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	span.SetAttributes(
		attribute.String("job.kind", string(req.Job.Kind)),
		attribute.String("job.fingerprint", string(req.Job.Fingerprint())),
	)

	s.mu.Lock()
	s.status = StatusBusy
	job := req.Job
	s.currentJob = &job
	s.mu.Unlock()

	result := s.worker.Process(ctx, req.Job)

	s.mu.Lock()
	s.status = StatusIdle
	s.currentJob = nil
	s.mu.Unlock()

	slog.Info("rpc execute_job completed",
		slog.String("fingerprint", string(req.Job.Fingerprint())),
		slog.Bool("failed", result.Failed))

	writeJSON(w, http.StatusOK, executeJobResponse{Result: result})
}

// Process runs one Job pulled from the queue transport through the same
// busy/idle bookkeeping the RPC path uses, so get_status heartbeats report
// queue-delivered work identically.
func (s *RPCServer) Process(ctx context.Context, job domain.Job) domain.JobResult {
	s.mu.Lock()
	s.status = StatusBusy
	j := job
	s.currentJob = &j
	s.mu.Unlock()

	result := s.worker.Process(ctx, job)

	s.mu.Lock()
	s.status = StatusIdle
	s.currentJob = nil
	s.mu.Unlock()
	return result
}

// handleIgnoreJob lets ES tell a Worker to drop its in-flight Job without
// waiting for a result, used when a dataset swap or submission invalidation
// races an in-progress execution. The Worker does not attempt to cancel the
// underlying sandbox process cleanly; it is left to run to its own
// deadline and its result is simply discarded by ES.
func (s *RPCServer) handleIgnoreJob(w http.ResponseWriter, r *http.Request) {
	_, span := rpcTracer.Start(r.Context(), "worker.rpc.ignore_job")
	defer span.End()

	s.mu.Lock()
	s.currentJob = nil
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

type StatusResponse struct {
	Status     WorkerStatus `json:"status"`
	CurrentJob *domain.Job  `json:"current_job,omitempty"`
}

func (s *RPCServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{Status: s.status, CurrentJob: s.currentJob}
	if s.disabled {
		resp.Status = StatusDisabled
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// handleDisable marks the Worker unavailable for new Jobs without
// interrupting one already in flight; ES stops dispatching to it once this
// returns and its next get_status poll reflects "disabled".
func (s *RPCServer) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *RPCServer) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.disabled = false
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// Client is ES's view of a single Worker's RPC surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client with a sane default timeout; callers pass a
// per-call context deadline derived from the Job's own limits for the
// ExecuteJob call itself.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// ExecuteJob dispatches job to the Worker and blocks for its JobResult. The
// caller's ctx should carry a deadline comfortably longer than the Job's
// own sandbox deadline to allow for network and JSON marshalling overhead.
func (c *Client) ExecuteJob(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	ctx, span := rpcTracer.Start(ctx, "worker.rpc.client.ExecuteJob")
	defer span.End()

	body, err := json.Marshal(executeJobRequest{Job: job})
	if err != nil {
		return domain.JobResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/execute_job", bytes.NewReader(body))
	if err != nil {
		return domain.JobResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 0} // caller's ctx deadline governs; execution can legitimately run minutes.
	resp, err := httpClient.Do(req)
	if err != nil {
		return domain.JobResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.JobResult{}, &RPCError{StatusCode: resp.StatusCode}
	}

	var out executeJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.JobResult{}, err
	}
	return out.Result, nil
}

// GetStatus polls the Worker's current state.
func (c *Client) GetStatus(ctx context.Context) (StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/status", nil)
	if err != nil {
		return StatusResponse{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return StatusResponse{}, err
	}
	defer resp.Body.Close()
	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// IgnoreJob tells the Worker to drop its in-flight Job; ES discards the
// eventual result regardless, so a failed cancel is not an error the caller
// needs to unwind.
func (c *Client) IgnoreJob(ctx context.Context) error {
	return c.post(ctx, "/v1/ignore_job")
}

// Disable marks the Worker unavailable for new Jobs.
func (c *Client) Disable(ctx context.Context) error {
	return c.post(ctx, "/v1/disable")
}

// Enable marks the Worker available again.
func (c *Client) Enable(ctx context.Context) error {
	return c.post(ctx, "/v1/enable")
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &RPCError{StatusCode: resp.StatusCode}
	}
	return nil
}

// RPCError carries the HTTP status from a non-200 Worker RPC response.
type RPCError struct {
	StatusCode int
}

func (e *RPCError) Error() string {
	return "worker rpc: unexpected status " + http.StatusText(e.StatusCode)
}
