package tasklog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/sentinel-ingest/internal/testing"
)

// fakeClock returns a fixed time that tests advance explicitly.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	pool := testingpkg.NewTestPool(t, 4)
	store := NewStore(pool, zerolog.Nop())
	clock := &fakeClock{t: time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC)}
	store.SetClock(clock.now)
	return store, clock
}

func TestStartComplete_RoundTrip(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	id, err := store.Start(ctx, "prices", map[string]any{"mode": "incremental", "tickers": 10})
	require.NoError(t, err)
	assert.Positive(t, id)

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, run.Running())
	assert.True(t, run.CompletedAt.IsZero())

	clock.advance(90 * time.Second)
	err = store.Complete(ctx, id, Completion{
		Status:      StatusSuccess,
		RowsUpdated: 42,
		Metadata:    map[string]any{"tickers": 8, "failed": 2},
	})
	require.NoError(t, err)

	run, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, int64(42), run.RowsUpdated)
	assert.InDelta(t, 90.0, run.DurationSeconds, 0.01)
	assert.Equal(t, clock.t.UnixMilli(), run.CompletedAt.UnixMilli())
	assert.Empty(t, run.ErrorMessage)

	// New keys win, absent keys are kept
	assert.Equal(t, "incremental", run.Metadata["mode"])
	assert.Equal(t, float64(8), run.Metadata["tickers"])
	assert.Equal(t, float64(2), run.Metadata["failed"])
}

func TestComplete_Failed(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	id, err := store.Start(ctx, "valuations", nil)
	require.NoError(t, err)

	clock.advance(3 * time.Second)
	require.NoError(t, store.Complete(ctx, id, Completion{Status: StatusFailed, ErrorMessage: "database connection error"}))

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "database connection error", run.ErrorMessage)
	assert.Nil(t, run.Metadata)
}

func TestComplete_SecondCallRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Start(ctx, "news", nil)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, id, Completion{Status: StatusSuccess, RowsUpdated: 5}))

	err = store.Complete(ctx, id, Completion{Status: StatusFailed, RowsUpdated: 0})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status, "first completion is kept")
	assert.Equal(t, int64(5), run.RowsUpdated)
}

func TestComplete_UnknownRun(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Complete(context.Background(), 9999, Completion{Status: StatusSuccess})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComplete_InvalidStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Start(ctx, "prices", nil)
	require.NoError(t, err)

	err = store.Complete(ctx, id, Completion{Status: StatusRunning})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestLatestAndRecent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	run, err := store.Latest(ctx, "prices")
	require.NoError(t, err)
	assert.Nil(t, run, "no runs yet")

	first, err := store.Start(ctx, "prices", nil)
	require.NoError(t, err)
	clock.advance(time.Minute)
	require.NoError(t, store.Complete(ctx, first, Completion{Status: StatusSuccess, RowsUpdated: 1}))

	clock.advance(time.Minute)
	second, err := store.Start(ctx, "prices", nil)
	require.NoError(t, err)
	clock.advance(time.Minute)
	require.NoError(t, store.Complete(ctx, second, Completion{Status: StatusFailed}))

	clock.advance(time.Minute)
	news, err := store.Start(ctx, "news", nil)
	require.NoError(t, err)
	clock.advance(time.Minute)
	require.NoError(t, store.Complete(ctx, news, Completion{Status: StatusSuccess}))

	clock.advance(time.Minute)
	running, err := store.Start(ctx, "valuations", nil)
	require.NoError(t, err)

	latest, err := store.Latest(ctx, "prices")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, latest.ID)

	perTask, err := store.LatestPerTask(ctx)
	require.NoError(t, err)
	require.Len(t, perTask, 3)
	assert.Equal(t, "news", perTask[0].TaskName)
	assert.Equal(t, "prices", perTask[1].TaskName)
	assert.Equal(t, second, perTask[1].ID)
	assert.Equal(t, "valuations", perTask[2].TaskName)

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, running, recent[0].ID, "running rows come first")
	assert.Equal(t, news, recent[1].ID)
	assert.Equal(t, second, recent[2].ID)
}

func TestTrack(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	id, err := store.Track(ctx, "archive_prices", map[string]any{"retention_days": 1825},
		func(context.Context) (int64, map[string]any, error) {
			clock.advance(2 * time.Second)
			return 120, map[string]any{"files": 3}, nil
		})
	require.NoError(t, err)

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, int64(120), run.RowsUpdated)
	assert.Equal(t, float64(3), run.Metadata["files"])
	assert.Equal(t, float64(1825), run.Metadata["retention_days"])
	assert.InDelta(t, 2.0, run.DurationSeconds, 0.01)

	boom := errors.New("disk full")
	id, err = store.Track(ctx, "archive_news", nil,
		func(context.Context) (int64, map[string]any, error) {
			return 7, nil, boom
		})
	assert.ErrorIs(t, err, boom)

	run, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "disk full", run.ErrorMessage)
	assert.Equal(t, int64(7), run.RowsUpdated)
}

func TestTrack_RecordsCompletionAfterCancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	id, err := store.Track(ctx, "prices", nil, func(ctx context.Context) (int64, map[string]any, error) {
		cancel()
		return 0, nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	run, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
}
