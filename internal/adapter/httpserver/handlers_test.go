package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	submissions  []string
	userTests    []string
	invalidated  []string
	swapped      []string
	newSubErr    error
	statusResult map[domain.ResultState]int
}

func (f *fakeEvaluator) NewSubmission(_ context.Context, id string) error {
	if f.newSubErr != nil {
		return f.newSubErr
	}
	f.submissions = append(f.submissions, id)
	return nil
}

func (f *fakeEvaluator) NewUserTest(_ context.Context, id string) error {
	f.userTests = append(f.userTests, id)
	return nil
}

func (f *fakeEvaluator) InvalidateSubmission(_ context.Context, id string, _ *string, level scheduler.InvalidationLevel) error {
	f.invalidated = append(f.invalidated, id+":"+string(level))
	return nil
}

func (f *fakeEvaluator) SwapActiveDataset(_ context.Context, taskID, datasetID string) error {
	f.swapped = append(f.swapped, taskID+":"+datasetID)
	return nil
}

func (f *fakeEvaluator) SubmissionsStatus(_ context.Context, _ string) (map[domain.ResultState]int, error) {
	return f.statusResult, nil
}

type fakePool struct {
	disabled []string
	enabled  []string
}

func (f *fakePool) Disable(_ context.Context, addr string) error {
	f.disabled = append(f.disabled, addr)
	return nil
}

func (f *fakePool) Enable(_ context.Context, addr string) error {
	f.enabled = append(f.enabled, addr)
	return nil
}

func (f *fakePool) Snapshot() []scheduler.WorkerStatusView {
	return []scheduler.WorkerStatusView{{Addr: "http://worker-1:8081"}}
}

func testRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/submissions", srv.NewSubmissionHandler())
	r.Post("/v1/user_tests", srv.NewUserTestHandler())
	r.Post("/v1/submissions/{id}/invalidate", srv.InvalidateHandler())
	r.Post("/v1/tasks/{id}/active_dataset", srv.SwapDatasetHandler())
	r.Get("/v1/workers", srv.WorkersStatusHandler())
	r.Post("/v1/workers/disable", srv.DisableWorkerHandler())
	r.Get("/v1/contests/{id}/submissions/status", srv.SubmissionsStatusHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}

func TestNewSubmissionHandler(t *testing.T) {
	ev := &fakeEvaluator{}
	router := testRouter(NewServer(ev, &fakePool{}, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", strings.NewReader(`{"submission_id":"s1"}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"s1"}, ev.submissions)
}

func TestNewSubmissionHandlerValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := testRouter(NewServer(&fakeEvaluator{}, &fakePool{}, nil))
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/submissions", strings.NewReader(tt.body))
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
		})
	}
}

func TestNewSubmissionHandlerSaturated(t *testing.T) {
	ev := &fakeEvaluator{newSubErr: domain.ErrSaturated}
	router := testRouter(NewServer(ev, &fakePool{}, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", strings.NewReader(`{"submission_id":"s1"}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestInvalidateHandler(t *testing.T) {
	ev := &fakeEvaluator{}
	router := testRouter(NewServer(ev, &fakePool{}, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions/s1/invalidate", strings.NewReader(`{"level":"evaluation"}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"s1:evaluation"}, ev.invalidated)
}

func TestInvalidateHandlerRejectsUnknownLevel(t *testing.T) {
	router := testRouter(NewServer(&fakeEvaluator{}, &fakePool{}, nil))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions/s1/invalidate", strings.NewReader(`{"level":"everything"}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwapDatasetHandler(t *testing.T) {
	ev := &fakeEvaluator{}
	router := testRouter(NewServer(ev, &fakePool{}, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/t1/active_dataset", strings.NewReader(`{"dataset_id":"d2"}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"t1:d2"}, ev.swapped)
}

func TestWorkersStatusHandler(t *testing.T) {
	router := testRouter(NewServer(&fakeEvaluator{}, &fakePool{}, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://worker-1:8081")
}

func TestDisableWorkerHandler(t *testing.T) {
	pool := &fakePool{}
	router := testRouter(NewServer(&fakeEvaluator{}, pool, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/disable", strings.NewReader(`{"addr":"http://worker-1:8081"}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"http://worker-1:8081"}, pool.disabled)
}

func TestSubmissionsStatusHandler(t *testing.T) {
	ev := &fakeEvaluator{statusResult: map[domain.ResultState]int{domain.ResultScored: 3}}
	router := testRouter(NewServer(ev, &fakePool{}, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/contests/c1/submissions/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SCORED")
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	srv := NewServer(&fakeEvaluator{}, &fakePool{}, func(_ context.Context) error {
		return domain.ErrInternal
	})
	router := testRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminGuard(t *testing.T) {
	guard, err := NewAdminGuard("admin", "hunter2")
	require.NoError(t, err)
	require.NotNil(t, guard)

	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	req.SetBasicAuth("admin", "hunter2")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unconfigured credentials disable the guard entirely.
	none, err := NewAdminGuard("", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}
