// Package scheduler implements the EvaluationService: it owns the
// Jobs-in-flight set, dispatches Jobs to Workers, observes completion,
// persists results, and enqueues follow-up work.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/oklog/ulid/v2"
)

// descriptor is one queued job plus its monotonic ULID, which makes
// FIFO-within-band ordering auditable even after head re-insertions.
type descriptor struct {
	ID  string
	Job domain.Job
}

// MemoryQueue is the priority-ordered multiset of job descriptors. Lower
// band index means higher priority; within a band order is FIFO on enqueue,
// except that re-dispatched jobs re-enter at the head of their band. The
// queue is never persisted: it is reconstructed from durable
// SubmissionResult state at startup by the ResultSweeper.
type MemoryQueue struct {
	mu      sync.Mutex
	bands   [5][]descriptor
	queued  map[domain.Fingerprint]struct{}
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued:  map[domain.Fingerprint]struct{}{},
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // ordering entropy, not security
		now:     time.Now,
	}
}

func (q *MemoryQueue) newID() string {
	return ulid.MustNew(ulid.Timestamp(q.now()), q.entropy).String()
}

func bandIndex(p domain.Priority) int {
	if p < domain.PriorityExtra || p > domain.PriorityExtraLow {
		return int(domain.PriorityExtraLow)
	}
	return int(p)
}

// Push appends job at the tail of its priority band. It returns false
// without enqueueing when the fingerprint is already queued, keeping at
// most one pending descriptor per fingerprint.
func (q *MemoryQueue) Push(job domain.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	fp := job.Fingerprint()
	if _, dup := q.queued[fp]; dup {
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	i := bandIndex(job.Priority)
	q.bands[i] = append(q.bands[i], descriptor{ID: q.newID(), Job: job})
	q.queued[fp] = struct{}{}
	return true
}

// PushHead inserts job at the head of its priority band, used when a
// Worker disconnect or dispatch failure returns an already-started job.
func (q *MemoryQueue) PushHead(job domain.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	fp := job.Fingerprint()
	if _, dup := q.queued[fp]; dup {
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	i := bandIndex(job.Priority)
	q.bands[i] = append([]descriptor{{ID: q.newID(), Job: job}}, q.bands[i]...)
	q.queued[fp] = struct{}{}
	return true
}

// Pop removes and returns the highest-priority job, or false when empty.
func (q *MemoryQueue) Pop() (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.bands {
		if len(q.bands[i]) == 0 {
			continue
		}
		d := q.bands[i][0]
		q.bands[i] = q.bands[i][1:]
		delete(q.queued, d.Job.Fingerprint())
		return d.Job, true
	}
	return domain.Job{}, false
}

// Depth reports the number of queued descriptors across all bands.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.bands {
		n += len(q.bands[i])
	}
	return n
}

// Contains reports whether a descriptor for fp is queued.
func (q *MemoryQueue) Contains(fp domain.Fingerprint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[fp]
	return ok
}
