// Package warehousetest starts a migrated PostgreSQL container for
// integration tests of the warehouse packages.
package warehousetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/warehouse/migrations"
)

// Warehouse is a migrated database owned by one test.
type Warehouse struct {
	DB         *database.Postgres
	ConnString string
}

// Start launches postgres:17-alpine, applies the baseline and returns a pool.
// The test is skipped in -short mode and when no container runtime is reachable.
func Start(t *testing.T) *Warehouse {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping warehouse integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("analytics_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := migrations.Up(connStr, quiet); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &Warehouse{DB: database.New(pool), ConnString: connStr}
}

// Count returns the number of rows in table matching an optional where clause.
func (w *Warehouse) Count(t *testing.T, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT count(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	if err := w.DB.Pool.QueryRow(context.Background(), q, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
