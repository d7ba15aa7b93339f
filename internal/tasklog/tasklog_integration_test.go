//go:build integration

package tasklog

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/sentinel-ingest/internal/testing"
)

func TestStore_Postgres(t *testing.T) {
	pool := testingpkg.NewPostgresPool(t, 4)
	store := NewStore(pool, zerolog.Nop())
	clock := &fakeClock{t: time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC)}
	store.SetClock(clock.now)
	ctx := context.Background()

	id, err := store.Start(ctx, "prices", map[string]any{"mode": "full"})
	require.NoError(t, err)

	clock.advance(12 * time.Second)
	require.NoError(t, store.Complete(ctx, id, Completion{
		Status:      StatusSuccess,
		RowsUpdated: 250,
		Metadata:    map[string]any{"tickers": 5},
	}))

	err = store.Complete(ctx, id, Completion{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	running, err := store.Start(ctx, "news", nil)
	require.NoError(t, err)

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.InDelta(t, 12.0, run.DurationSeconds, 0.01)
	assert.Equal(t, "full", run.Metadata["mode"])
	assert.Equal(t, float64(5), run.Metadata["tickers"])

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, running, recent[0].ID)

	perTask, err := store.LatestPerTask(ctx)
	require.NoError(t, err)
	assert.Len(t, perTask, 2)
}
