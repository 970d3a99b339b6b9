package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/contest-core/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEndpoint struct {
	mu       sync.Mutex
	requests []string
	failures int
}

func (e *recordingEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.failures > 0 {
			e.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		user, pass, _ := r.BasicAuth()
		if user != "ranking" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		e.requests = append(e.requests, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}
}

func (e *recordingEndpoint) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.requests...)
}

func testBackoff() BackoffConfig {
	return BackoffConfig{
		MaxElapsedTime:  2 * time.Second,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScoreChangedDeliversSubmissionThenSubchange(t *testing.T) {
	endpoint := &recordingEndpoint{}
	srv := httptest.NewServer(endpoint.handler())
	defer srv.Close()

	s := New([]*Client{NewClient(srv.URL, "ranking", "secret")}, testBackoff(), time.Second)
	defer s.Shutdown()

	ts := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.ScoreChanged(context.Background(), scoring.ScoreChange{
		ContestID:       "c1",
		TaskID:          "t1",
		ParticipationID: "p1",
		SubmissionID:    "s1",
		Timestamp:       ts,
		SubmissionScore: 100,
		TaskScore:       100,
	}))

	waitFor(t, func() bool { return len(endpoint.seen()) == 2 })
	seen := endpoint.seen()
	// Per-resource ordering: the submission lands before its subchange.
	assert.Equal(t, "PUT /submissions/s1", seen[0])
	assert.Contains(t, seen[1], "PUT /subchanges/s1/")
}

func TestDeliveryRetriesOnServerError(t *testing.T) {
	endpoint := &recordingEndpoint{failures: 2}
	srv := httptest.NewServer(endpoint.handler())
	defer srv.Close()

	s := New([]*Client{NewClient(srv.URL, "ranking", "secret")}, testBackoff(), time.Second)
	defer s.Shutdown()

	require.NoError(t, s.broadcast("tasks/t1", "tasks", func(ctx context.Context, c *Client) error {
		return c.Put(ctx, "tasks", "t1", TaskResource{Name: "Task One", Contest: "c1", MaxScore: 100})
	}))

	waitFor(t, func() bool { return len(endpoint.seen()) == 1 })
	assert.Equal(t, []string{"PUT /tasks/t1"}, endpoint.seen())
}

func TestPerSubmissionOrderingUnderLoad(t *testing.T) {
	endpoint := &recordingEndpoint{}
	srv := httptest.NewServer(endpoint.handler())
	defer srv.Close()

	s := New([]*Client{NewClient(srv.URL, "ranking", "secret")}, testBackoff(), time.Second)
	defer s.Shutdown()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.ScoreChanged(context.Background(), scoring.ScoreChange{
			TaskID:          "t1",
			ParticipationID: "p1",
			SubmissionID:    "s1",
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			SubmissionScore: float64(i * 10),
		}))
	}

	waitFor(t, func() bool { return len(endpoint.seen()) == 10 })
	seen := endpoint.seen()
	// Every odd index is a subchange for the preceding submission PUT, and
	// subchange timestamps appear in enqueue order.
	var subchanges []string
	for _, r := range seen {
		if r != "PUT /submissions/s1" {
			subchanges = append(subchanges, r)
		}
	}
	require.Len(t, subchanges, 5)
	assert.True(t, sortedStrings(subchanges), "subchanges out of order: %v", subchanges)
}

func sortedStrings(ss []string) bool {
	for i := 1; i < len(ss); i++ {
		if ss[i] < ss[i-1] {
			return false
		}
	}
	return true
}

func TestResyncPushesSnapshot(t *testing.T) {
	endpoint := &recordingEndpoint{}
	srv := httptest.NewServer(endpoint.handler())
	defer srv.Close()

	s := New([]*Client{NewClient(srv.URL, "ranking", "secret")}, testBackoff(), time.Second)
	defer s.Shutdown()

	require.NoError(t, s.Resync(context.Background(), Snapshot{
		Contests:    map[string]ContestResource{"c1": {Name: "Contest"}},
		Tasks:       map[string]TaskResource{"t1": {Name: "Task", Contest: "c1"}},
		Users:       map[string]UserResource{"u1": {FirstName: "Ada"}},
		Submissions: map[string]SubmissionResource{"s1": {User: "u1", Task: "t1"}},
	}))

	waitFor(t, func() bool { return len(endpoint.seen()) == 4 })
	assert.ElementsMatch(t, []string{
		"PUT /contests/c1",
		"PUT /tasks/t1",
		"PUT /users/u1",
		"PUT /submissions/s1",
	}, endpoint.seen())
}

func TestShutdownRefusesNewWork(t *testing.T) {
	s := New([]*Client{NewClient("http://127.0.0.1:0", "ranking", "secret")}, testBackoff(), 100*time.Millisecond)
	s.Shutdown()
	err := s.ScoreChanged(context.Background(), scoring.ScoreChange{SubmissionID: "s1"})
	require.Error(t, err)
}
