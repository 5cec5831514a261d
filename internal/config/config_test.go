package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Worker.RetryBase)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.Window)
	assert.Equal(t, 15*time.Second, cfg.Monitor.QueryTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.BalanceCheckInterval)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payouts.yaml")
	yaml := `
database:
  driver: pgx
  dsn: postgres://localhost/payouts
worker:
  concurrency: 8
monitor:
  window: 48h
chain:
  base_url: https://gateway.internal
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PAYOUTS_WORKER_CONCURRENCY", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/payouts", cfg.Database.DSN)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 48*time.Hour, cfg.Monitor.Window)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, "https://gateway.internal", cfg.Chain.BaseURL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payouts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsSampleRatioOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payouts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracing:\n  sample_ratio: 1.5\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "tracing.sample_ratio")
}
