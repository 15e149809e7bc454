package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
)

func TestNormalizeDriver(t *testing.T) {
	assert.Equal(t, DriverPostgres, NormalizeDriver("PostgreSQL"))
	assert.Equal(t, DriverMySQL, NormalizeDriver("mariadb"))
	assert.Equal(t, DriverSQLite, NormalizeDriver("sqlite"))
	assert.Equal(t, DriverMemory, NormalizeDriver(""))
	assert.Equal(t, "oracle", NormalizeDriver("Oracle"))
}

func TestSupportsReturning(t *testing.T) {
	assert.True(t, SupportsReturning("pg"))
	assert.False(t, SupportsReturning("mysql"))
	assert.False(t, SupportsReturning("sqlite3"))
}

func TestAppendDSNParam(t *testing.T) {
	assert.Equal(t, "u:p@/db?parseTime=true", appendDSNParam("u:p@/db", "parseTime=true"))
	assert.Equal(t, "u:p@/db?tls=true&parseTime=true", appendDSNParam("u:p@/db?tls=true", "parseTime=true"))
}

func TestOpenRejectsUnknownDrivers(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(context.Background(), config.DatabaseConfig{Driver: "memory"})
	assert.Error(t, err)
}

func TestOpenSQLiteInMemory(t *testing.T) {
	db, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, DriverSQLite, db.DriverName())
}
