package sequencer

import (
	"errors"
	"fmt"

	"position-guardian/internal/broker"
)

// RetryableError marks a transient failure (network, rate limit, broker
// 5xx). The sequencer retries these under its policy, re-fetching fresh
// state before every attempt.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ConflictError marks a broker-observed order conflict (wash-trade class
// rejections, locked shares, overlapping exits). Resolved via conflict
// detection and clean recreation, never blind retry.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// StateError marks a local invariant violated after an operation completed,
// e.g. a stop update failing after a successful partial fill, or a cancel
// confirmation timing out. Never auto-retried; escalated to the error
// handler.
type StateError struct {
	Op     string
	Detail string
	Err    error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: state error: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: state error: %s", e.Op, e.Detail)
}

func (e *StateError) Unwrap() error { return e.Err }

// classify wraps a raw broker error into the sequencer taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case broker.IsConflict(err):
		return &ConflictError{Op: op, Err: err}
	case broker.IsRetryable(err):
		return &RetryableError{Op: op, Err: err}
	default:
		return &StateError{Op: op, Detail: "unclassified broker failure", Err: err}
	}
}

// IsRetryable reports whether the error carries the retryable class
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsConflict reports whether the error carries the conflict class
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsStateError reports whether the error carries the state-error class
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
