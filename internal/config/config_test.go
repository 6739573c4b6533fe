package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/trades?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.True(t, cfg.Database.AutoMigrate)

	assert.True(t, cfg.Compaction.Enabled)
	assert.Equal(t, "30s", cfg.Compaction.SweepInterval)
	assert.Equal(t, 8, cfg.Compaction.WorkerCount)
	assert.Equal(t, 50000, cfg.Compaction.MaxBatchRows)
	assert.Equal(t, "5m", cfg.Compaction.LeaseTTL)
	assert.Equal(t, 4, cfg.Compaction.MaxAttempts)

	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, 8091, cfg.Admin.Port)
	assert.Equal(t, "release", cfg.Admin.Mode)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradesweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://db-host:5432/prod?sslmode=require
compaction:
  worker_count: 16
  max_batch_rows: 10000
admin:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db-host:5432/prod?sslmode=require", cfg.Database.DSN)
	assert.Equal(t, 16, cfg.Compaction.WorkerCount)
	assert.Equal(t, 10000, cfg.Compaction.MaxBatchRows)
	assert.False(t, cfg.Admin.Enabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, "30s", cfg.Compaction.SweepInterval)
	assert.Equal(t, 8091, cfg.Admin.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradesweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
compaction:
  worker_count: 16
`), 0o644))

	t.Setenv("TRADESWEEP_COMPACTION__WORKER_COUNT", "4")
	t.Setenv("TRADESWEEP_DATABASE__DSN", "postgres://env-host:5432/trades")
	t.Setenv("TRADESWEEP_ADMIN__PORT", "9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Compaction.WorkerCount)
	assert.Equal(t, "postgres://env-host:5432/trades", cfg.Database.DSN)
	assert.Equal(t, 9000, cfg.Admin.Port)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
