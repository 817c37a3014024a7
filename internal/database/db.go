package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"todo-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Open opens a connection pool and verifies it with a ping.
// SQLite pools are pinned to one connection so in-memory databases are shared.
func Open(ctx context.Context, driver, dsn string, poolSize int) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is not set")
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	lifetime := 5 * time.Minute
	if driver == DriverSQLite {
		poolSize, lifetime = 1, 0
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(max(poolSize/2, 1))
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", driver, err)
	}
	logger.Info(ctx, "Database pool initialized", "driver", driver, "max_open", poolSize)
	return db, nil
}

// MigrateOrCreateSchema applies every pending embedded migration for the pool's driver.
// On postgres the run holds an advisory lock so services starting together
// apply migrations one at a time.
func MigrateOrCreateSchema(ctx context.Context, db *sqlx.DB) error {
	dialect, dir, opts, err := migrationPlan(db.DriverName())
	if err != nil {
		return err
	}

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys, opts...)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	for _, r := range results {
		logger.Info(ctx, "Migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func migrationPlan(driver string) (goose.Dialect, string, []goose.ProviderOption, error) {
	switch driver {
	case DriverPostgres:
		locker, err := lock.NewPostgresSessionLocker()
		if err != nil {
			return "", "", nil, fmt.Errorf("creating migration lock: %w", err)
		}
		return goose.DialectPostgres, "migrations/postgres", []goose.ProviderOption{goose.WithSessionLocker(locker)}, nil
	case DriverSQLite:
		return goose.DialectSQLite3, "migrations/sqlite", nil, nil
	default:
		return "", "", nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}
