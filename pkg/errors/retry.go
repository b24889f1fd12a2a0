package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is tuned for optimistic-lock conflicts on position rows:
// conflicts resolve in a handful of milliseconds, so back off fast and give up
// quickly rather than hold a matching cycle open.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   5 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
}

// Retry runs fn until it succeeds, returns a permanent error, or the policy
// is exhausted. Exhaustion surfaces as RetryExhausted wrapping the last error.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var last error
	for i := 0; i < attempts; i++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !IsTransient(last) {
			return last
		}
		if i == attempts-1 {
			break
		}
		// Full jitter keeps concurrent retriers from colliding again.
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return RetryExhausted.Wrap(last)
}
