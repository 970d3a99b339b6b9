package domain

import "errors"

// Error taxonomy (sentinels), organized by disposition: contestant-visible
// outcomes never appear here (they are normal JobResult/Evaluation values, not
// errors); only transient-infra, invariant-violation, configuration, and
// authorization/validation dispositions get sentinels.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")

	// ErrPoisonous marks a Job whose failure is an invariant violation (a
	// checker returning a score outside [0,1], a manager crashing
	// repeatedly) rather than transient infra. ES must not retry a
	// poisonous Job indefinitely.
	ErrPoisonous = errors.New("poisonous job")

	// ErrSaturated is returned when the job queue exceeds MAX_QUEUE_DEPTH
	// and a low-priority enqueue is refused.
	ErrSaturated = errors.New("queue saturated")

	// ErrSuperseded names a JobResult arriving for a fingerprint that has
	// already reached a terminal state. No code path returns it: the
	// scheduler discards such results and returns nil.
	ErrSuperseded = errors.New("job result superseded")

	// ErrStaleDataset names a JobResult arriving against a dataset the
	// SubmissionResult is no longer tracking (a dataset swap raced the Job).
	// No code path returns it.
	ErrStaleDataset = errors.New("stale dataset generation")
)
