//go:build integration

package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/aristath/sentinel-ingest/internal/database"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "ingest"
	dbUser = "ingest"
	dbPass = "ingest"
)

// NewPostgresPool starts a Postgres container and returns a migrated pool
// connected to it. The container is removed when the test finishes.
func NewPostgresPool(t *testing.T, max int) *database.Pool {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	tc.CleanupContainer(t, postgresContainer)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool := NewTestPoolFromAddr(t, connStr, max)
	require.Equal(t, database.DialectPostgres, pool.Dialect())
	return pool
}
