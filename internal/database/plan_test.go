package database

import (
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationPlan(t *testing.T) {
	dialect, dir, opts, err := migrationPlan(DriverPostgres)
	require.NoError(t, err)
	assert.Equal(t, goose.DialectPostgres, dialect)
	assert.Equal(t, "migrations/postgres", dir)
	assert.Len(t, opts, 1, "postgres migrations run under a session lock")

	dialect, dir, opts, err = migrationPlan(DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, goose.DialectSQLite3, dialect)
	assert.Equal(t, "migrations/sqlite", dir)
	assert.Empty(t, opts)

	_, _, _, err = migrationPlan("mysql")
	assert.Error(t, err)
}
