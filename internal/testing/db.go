// Package testing provides testing utilities and helpers for the ingestion service.
package testing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/database"
)

// NewTestPool creates a migrated SQLite-backed pool in a temporary directory.
// The pool is shut down when the test finishes.
//
// Retries never sleep, so probe failures in tests resolve immediately.
func NewTestPool(t *testing.T, max int) *database.Pool {
	t.Helper()

	// Using temporary files ensures each test gets its own isolated database
	return NewTestPoolFromAddr(t, filepath.Join(t.TempDir(), "ingest_test.db"), max)
}

// NewTestPoolFromAddr is NewTestPool for an explicit store address, such as a
// Postgres container URL.
func NewTestPoolFromAddr(t *testing.T, addr string, max int) *database.Pool {
	t.Helper()

	retry := database.DefaultRetryPolicy()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }

	pool := database.NewPool(database.PoolConfig{
		Addr:    addr,
		Profile: database.ProfileCache,
		Name:    "test",
		Retry:   retry,
	}, zerolog.Nop())

	ctx := context.Background()
	if err := pool.Initialize(ctx, 1, max); err != nil {
		t.Fatalf("Failed to initialize test pool: %v", err)
	}
	t.Cleanup(pool.Shutdown)

	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate test pool: %v", err)
	}

	return pool
}

// CountRows returns the number of rows in table.
func CountRows(t *testing.T, pool *database.Pool, table string) int {
	t.Helper()

	var n int
	err := pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	})
	if err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return n
}
