// Package testutil holds shared test fixtures.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres is an isolated, empty PostgreSQL database for one test.
type Postgres struct {
	// URL points at the isolated schema; hand it to migrations.
	URL  string
	Pool *pgxpool.Pool
}

// OpenPostgres returns an isolated database. When TEST_DATABASE_URL or
// DATABASE_URL is set, a fresh schema on that server is used. Otherwise a
// throwaway container is started, and the test is skipped when no container
// runtime is available.
func OpenPostgres(t *testing.T, prefix string) *Postgres {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		dsn = startContainer(t)
	}

	ctx := context.Background()
	adminPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "open postgres admin pool")
	t.Cleanup(adminPool.Close)
	require.NoError(t, adminPool.Ping(ctx), "ping postgres")

	schema := newSchemaName(prefix)
	_, err = adminPool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA "%s"`, schema))
	require.NoError(t, err, "create test schema %q", schema)
	t.Cleanup(func() {
		_, _ = adminPool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schema))
	})

	schemaDSN, err := dsnWithSearchPath(dsn, schema)
	require.NoError(t, err, "build postgres DSN with search_path")

	pool, err := pgxpool.New(ctx, schemaDSN)
	require.NoError(t, err, "open postgres test pool")
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx), "ping postgres test pool")

	return &Postgres{URL: schemaDSN, Pool: pool}
}

func startContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pipeline_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{
			"test":      "loan-pipeline",
			"test-name": t.Name(),
		}),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "postgres connection string")
	return url
}
