package scheduler

import (
	"testing"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobFor(kind domain.JobKind, p domain.Priority, submission, testcase string) domain.Job {
	return domain.Job{
		Kind:             kind,
		Priority:         p,
		SubmissionID:     submission,
		DatasetID:        "d1",
		TestcaseCodename: testcase,
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewMemoryQueue()
	require.True(t, q.Push(jobFor(domain.JobEvaluate, domain.PriorityLow, "s-low", "001")))
	require.True(t, q.Push(jobFor(domain.JobCompile, domain.PriorityHigh, "s-high", "")))
	require.True(t, q.Push(jobFor(domain.JobCompile, domain.PriorityExtra, "s-extra", "")))
	require.True(t, q.Push(jobFor(domain.JobCompileTest, domain.PriorityMedium, "s-med", "")))

	order := []string{}
	for {
		job, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, job.SubmissionID)
	}
	assert.Equal(t, []string{"s-extra", "s-high", "s-med", "s-low"}, order)
}

func TestQueueFIFOWithinBand(t *testing.T) {
	q := NewMemoryQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Push(jobFor(domain.JobCompile, domain.PriorityHigh, id, "")))
	}
	for _, want := range []string{"a", "b", "c"} {
		job, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, job.SubmissionID)
	}
}

func TestQueuePushHead(t *testing.T) {
	q := NewMemoryQueue()
	require.True(t, q.Push(jobFor(domain.JobCompile, domain.PriorityHigh, "a", "")))
	require.True(t, q.Push(jobFor(domain.JobCompile, domain.PriorityHigh, "b", "")))
	// A reclaimed job re-enters at the head of its band...
	require.True(t, q.PushHead(jobFor(domain.JobCompile, domain.PriorityHigh, "reclaimed", "")))
	// ...but still behind every higher band.
	require.True(t, q.Push(jobFor(domain.JobCompile, domain.PriorityExtra, "extra", "")))

	order := []string{}
	for {
		job, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, job.SubmissionID)
	}
	assert.Equal(t, []string{"extra", "reclaimed", "a", "b"}, order)
}

func TestQueueDeduplicatesFingerprints(t *testing.T) {
	q := NewMemoryQueue()
	job := jobFor(domain.JobEvaluate, domain.PriorityHigh, "s1", "001")
	require.True(t, q.Push(job))
	assert.False(t, q.Push(job))
	assert.False(t, q.PushHead(job))
	assert.Equal(t, 1, q.Depth())

	// A different testcase is a different fingerprint.
	assert.True(t, q.Push(jobFor(domain.JobEvaluate, domain.PriorityHigh, "s1", "002")))
	assert.Equal(t, 2, q.Depth())
}

func TestQueueContains(t *testing.T) {
	q := NewMemoryQueue()
	job := jobFor(domain.JobCompile, domain.PriorityHigh, "s1", "")
	assert.False(t, q.Contains(job.Fingerprint()))
	q.Push(job)
	assert.True(t, q.Contains(job.Fingerprint()))
	q.Pop()
	assert.False(t, q.Contains(job.Fingerprint()))
}
