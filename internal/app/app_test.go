package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"payout-engine/internal/alerts"
	"payout-engine/internal/config"
	"payout-engine/internal/repository"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DatabaseLockFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "payouts.db")

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &repository.SweepLocker{}, a.Locker)
	assert.IsType(t, &alerts.LogSink{}, a.Alerts)
	assert.NotNil(t, a.Payments)
	assert.NotNil(t, a.Worker)
	assert.NotNil(t, a.Monitor)
	assert.NotNil(t, a.Scheduler)

	res, err := a.Scheduler.RunRecurringPaymentsBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
}

func TestNew_UnsupportedDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "mysql"

	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "unsupported database driver")
}
