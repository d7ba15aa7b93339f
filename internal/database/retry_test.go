package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingPolicy(attempts int, waits *[]time.Duration) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = attempts
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return policy
}

func TestLinearBackOff(t *testing.T) {
	b := &LinearBackOff{Step: 500 * time.Millisecond, Max: 1200 * time.Millisecond}

	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 1200*time.Millisecond, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var waits []time.Duration
	calls := 0

	v, err := Retry(context.Background(), recordingPolicy(3, &waits), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	var waits []time.Duration
	boom := errors.New("boom")
	calls := 0

	_, err := Retry(context.Background(), recordingPolicy(3, &waits), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2, "no wait after the final attempt")
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	var waits []time.Duration
	stop := errors.New("stop")
	calls := 0

	_, err := Retry(context.Background(), recordingPolicy(5, &waits), func(context.Context) (int, error) {
		calls++
		return 0, backoff.Permanent(stop)
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := DefaultRetryPolicy()
	_, err := Retry(ctx, policy, func(context.Context) (int, error) {
		return 0, errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_ZeroPolicyUsesDefaults(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Sleep: func(context.Context, time.Duration) error { return nil }}

	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
