package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy describes how an operation is retried.
//
// The zero value is usable and behaves like DefaultRetryPolicy.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Values below 1 mean 3.
	MaxAttempts int

	// NewBackOff returns a fresh back-off schedule for one Retry call.
	NewBackOff func() backoff.BackOff

	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy retries three times with a linear 0.5s step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		NewBackOff: func() backoff.BackOff {
			return &LinearBackOff{Step: 500 * time.Millisecond}
		},
		Sleep: SleepContext,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.NewBackOff == nil {
		p.NewBackOff = def.NewBackOff
	}
	if p.Sleep == nil {
		p.Sleep = def.Sleep
	}
	return p
}

// LinearBackOff waits Step, 2*Step, 3*Step, ... capped at Max when Max > 0.
type LinearBackOff struct {
	Step    time.Duration
	Max     time.Duration
	attempt int
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.Step * time.Duration(b.attempt)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs op until it succeeds, returns a backoff.Permanent error, the
// policy runs out of attempts, or ctx is done.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	bo := policy.NewBackOff()
	bo.Reset()

	var zero T
	var lastErr error
	attempt := 0
	for attempt < policy.MaxAttempts {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Unwrap()
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, wait)
		}
		if err := policy.Sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry interrupted after attempt %d: %w (last error: %v)", attempt, err, lastErr)
		}
	}

	return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, lastErr)
}
