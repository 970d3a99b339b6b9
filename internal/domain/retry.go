package domain

import (
	"strings"
	"time"
)

// RetryStatus is the retry state of a fingerprint.
type RetryStatus string

// Retry status values.
const (
	RetryStatusNone      RetryStatus = "none"
	RetryStatusRetrying  RetryStatus = "retrying"
	RetryStatusExhausted RetryStatus = "exhausted"
	RetryStatusDLQ       RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for Job dispatch. MaxCompilationTries
// and MaxEvaluationTries correspond to MAX_COMPILATION_TRIES and
// MAX_EVALUATION_TRIES; after the cap, compilation becomes
// COMPILATION_FAILED with a synthetic "system error" message, and a single
// testcase evaluation becomes outcome "0.0" with text "execution failed
// after N tries".
type RetryConfig struct {
	MaxCompilationTries int
	MaxEvaluationTries  int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	Jitter              bool
	RetryableErrors      []string
	NonRetryableErrors   []string
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxCompilationTries: 3,
		MaxEvaluationTries:  3,
		InitialDelay:        2 * time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		Jitter:              true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"blob fetch",
			"sandbox metafile missing",
			"checker timeout",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"poisonous job",
		},
	}
}

// RetryInfo tracks retry attempts for one Job fingerprint.
type RetryInfo struct {
	AttemptCount  int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry reports whether a Job fingerprint should be retried given the
// error that just occurred and the retry cap appropriate to its kind.
func (ri *RetryInfo) ShouldRetry(err error, maxTries int, config RetryConfig) bool {
	if ri.AttemptCount >= maxTries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}

	errorStr := err.Error()
	for _, nonRetryable := range config.NonRetryableErrors {
		if strings.Contains(errorStr, nonRetryable) {
			return false
		}
	}
	for _, retryable := range config.RetryableErrors {
		if strings.Contains(errorStr, retryable) {
			return true
		}
	}

	// Default to retryable for unclassified transient-infra errors.
	return true
}

// CalculateNextRetryDelay computes exponential backoff capped at
// config.MaxDelay; with config.Jitter set, a fixed 10% is added after the
// cap.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * pow(config.Multiplier, ri.AttemptCount))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}
	return delay
}

// UpdateRetryAttempt records one more attempt and its error, if any.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the fingerprint as having used up its retry cap.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the fingerprint as moved to the dead-letter cooldown path.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the fingerprint as currently scheduled for retry.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// DLQJob is a Job that has been moved to the dead-letter cooldown path after
// a disposition (rate limit, timeout) that warrants waiting out a cooldown
// window rather than retrying immediately.
type DLQJob struct {
	Fingerprint      Fingerprint
	OriginalJob      Job
	RetryInfo        RetryInfo
	FailureReason    string
	MovedToDLQAt     time.Time
	CanBeReprocessed bool
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
