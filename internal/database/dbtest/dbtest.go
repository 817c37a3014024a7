// Package dbtest provides an in-memory database with the schema applied, for tests.
package dbtest

import (
	"context"
	"testing"

	"todo-pipeline/internal/database"

	"github.com/jmoiron/sqlx"
)

// DSN is an in-memory SQLite database that stores timestamps in SQLite's own format.
const DSN = "file::memory:?_time_format=sqlite"

// New opens an in-memory SQLite pool with all migrations applied.
// It automatically closes the pool when the test completes.
func New(t testing.TB) *sqlx.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, DSN, 1)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})

	if err := database.MigrateOrCreateSchema(ctx, db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}
