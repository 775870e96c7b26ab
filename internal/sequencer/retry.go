package sequencer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy formalizes the retry behavior for retryable errors: capped
// attempts, exponential delay with jitter. It is injected into the sequencer
// so tests can swap in an immediate policy.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy from config values
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
	}
}

// ImmediatePolicy retries without delay; used in tests
func ImmediatePolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}
}

// Do runs fn up to MaxAttempts times. Only errors of the retryable class are
// retried; conflicts and state errors abort immediately so the caller can
// run its own resolution path. fn is expected to re-fetch fresh state on
// each invocation rather than replaying a stale request.
func (p *RetryPolicy) Do(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // Bounded by attempt count, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
