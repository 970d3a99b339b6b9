package domain

import (
	"fmt"
	"time"
)

// Priority is the band a job descriptor is enqueued under. Lower numeric
// value means higher priority; within a band order is FIFO on enqueue
// timestamp.
type Priority int

// Priority bands, highest first.
const (
	PriorityExtra Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityExtraLow
)

// String renders the priority as its Kafka topic suffix.
func (p Priority) String() string {
	switch p {
	case PriorityExtra:
		return "extra"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityExtraLow:
		return "extra_low"
	default:
		return "unknown"
	}
}

// JobKind enumerates the Job sum-type variants.
type JobKind string

// Job kinds.
const (
	JobCompile       JobKind = "compile"
	JobEvaluate      JobKind = "evaluate"
	JobCompileTest   JobKind = "compile_test"
	JobEvaluateTest  JobKind = "evaluate_test"
)

// Job is the unit of work dispatched by the scheduler to a Worker. It is a
// sum type over JobKind: only the fields relevant to Kind are populated.
// Dispatch on Kind is an exhaustive switch, never dynamic lookup.
type Job struct {
	Kind      JobKind
	Priority  Priority
	EnqueuedAt time.Time

	SubmissionID string
	UserTestID   string
	DatasetID    string
	// TestcaseCodename is set for JobEvaluate/JobEvaluateTest only.
	TestcaseCodename string

	// WallBudgetS is the sandbox wall-clock budget (wall limit + extra) the
	// Job was enqueued with; the scheduler derives the Worker heartbeat
	// deadline as 2x this budget plus fixed slack.
	WallBudgetS float64

	// Tries records how many times this fingerprint has been dispatched so
	// far, for retry-cap bookkeeping and re-enqueue-at-head ordering.
	Tries int
}

// Fingerprint is the identity key of a Job for deduplication and at-most-once
// discipline. compile -> (submission_id, dataset_id, "compile"); evaluate ->
// (submission_id, dataset_id, testcase_codename).
type Fingerprint string

// Fingerprint computes the Job's deduplication key.
func (j Job) Fingerprint() Fingerprint {
	switch j.Kind {
	case JobCompile:
		return Fingerprint(fmt.Sprintf("submission:%s/dataset:%s/compile", j.SubmissionID, j.DatasetID))
	case JobEvaluate:
		return Fingerprint(fmt.Sprintf("submission:%s/dataset:%s/testcase:%s", j.SubmissionID, j.DatasetID, j.TestcaseCodename))
	case JobCompileTest:
		return Fingerprint(fmt.Sprintf("usertest:%s/dataset:%s/compile", j.UserTestID, j.DatasetID))
	case JobEvaluateTest:
		return Fingerprint(fmt.Sprintf("usertest:%s/dataset:%s/evaluate", j.UserTestID, j.DatasetID))
	default:
		return Fingerprint(fmt.Sprintf("unknown:%s", j.Kind))
	}
}

// Topic returns the Kafka topic a Job of this priority is produced to.
func (j Job) Topic() string {
	return "evaluate." + j.Priority.String()
}

// FailureClass classifies a Worker-observed failure for ES disposition.
type FailureClass string

// Failure classes, per the Worker's failure-classification table.
const (
	// FailureNone means the JobResult carries a normal (possibly
	// contestant-visible) outcome; not a failure of the Job itself.
	FailureNone FailureClass = ""
	// FailureTransientInfra covers blob fetch 5xx, disk ENOSPC, a missing
	// sandbox metafile, or a checker timeout. ES may retry on another
	// Worker.
	FailureTransientInfra FailureClass = "transient_infra"
	// FailureInvariantViolation covers a checker score outside [0,1] or a
	// manager crashing repeatedly. Flagged poisonous so ES does not
	// infinite-loop.
	FailureInvariantViolation FailureClass = "invariant_violation"
)

// JobResult is returned by value from the Worker to ES; the Worker never
// writes to the database directly. It is a sum type mirroring Job's variants.
type JobResult struct {
	Job          Job
	Failed       bool
	FailureClass FailureClass
	WorkerID     string

	// Compile-variant fields.
	CompilationOutcome  *CompilationOutcome
	CompilationText     string
	CompilationTimeS    float64
	CompilationMemoryKB int64
	ExecutableDigests   map[string]string

	// Evaluate-variant fields.
	Outcome      string
	TextTemplate string
	TextArgs     []string
	ExecTimeS    float64
	WallTimeS    float64
	MemoryKB     int64
}

// IsPoisonous reports whether the failure is an invariant violation, on
// which ES stops retrying the fingerprint at once: a compile goes straight
// to the system-error outcome and an evaluation halts its SubmissionResult.
func (r JobResult) IsPoisonous() bool {
	return r.Failed && r.FailureClass == FailureInvariantViolation
}
