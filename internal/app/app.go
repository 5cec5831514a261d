// Package app wires the payout engine components from a loaded config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"payout-engine/internal/alerts"
	"payout-engine/internal/chain"
	"payout-engine/internal/config"
	"payout-engine/internal/lock"
	"payout-engine/internal/metrics"
	"payout-engine/internal/repository"
	"payout-engine/internal/service"
	"time"

	"github.com/redis/go-redis/v9"
)

// App holds the wired engine
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Store     *repository.SQLRepository
	Chain     chain.Client
	Locker    lock.Locker
	Alerts    alerts.Sink
	Payments  *service.PaymentService
	Worker    *service.WorkerService
	Monitor   *service.ConfirmationMonitor
	Scheduler *service.RecurringScheduler

	redis *redis.Client
}

// New opens the store and builds every service. Without a Redis address the
// sweep lock lives in the ledger database and alerts only go to the log.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := repository.NewSQLRepository(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewMetrics(),
		Store:   store,
		Chain: chain.NewHTTPClient(chain.HTTPClientConfig{
			BaseURL:        cfg.Chain.BaseURL,
			APIKey:         cfg.Chain.APIKey,
			RequestTimeout: cfg.Chain.RequestTimeout,
			PollInterval:   cfg.Chain.PollInterval,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		}),
	}

	logSink := alerts.NewLogSink(logger)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.redis = rdb
		a.Locker = lock.NewRedisLocker(rdb, cfg.Redis.LockPrefix)
		a.Alerts = alerts.Multi{logSink, alerts.NewRedisStreamSink(rdb, cfg.Redis.AlertStream, 0)}
	} else {
		logger.Info("redis not configured, sweep lock held in the ledger database")
		a.Locker = repository.NewSweepLocker(store)
		a.Alerts = logSink
	}

	a.Payments = service.NewPaymentService(store, a.Metrics, logger, cfg.Worker.MaxAttempts)
	a.Worker = service.NewWorkerService(store, store, a.Chain, a.Metrics, logger, service.WorkerConfig{
		Concurrency:   cfg.Worker.Concurrency,
		LeaseDuration: cfg.Worker.LeaseDuration,
		PollInterval:  cfg.Worker.PollInterval,
		StatusTimeout: cfg.Monitor.QueryTimeout,
		Retry:         service.RetryPolicy{MaxAttempts: cfg.Worker.MaxAttempts, BaseDelay: cfg.Worker.RetryBase},
	}, service.NewMetricsObserver(a.Metrics), service.NewAlertObserver(a.Alerts, logger))
	a.Monitor = service.NewConfirmationMonitor(store, a.Chain, a.Alerts, a.Metrics, logger, service.MonitorConfig{
		Interval:     cfg.Monitor.Interval,
		Window:       cfg.Monitor.Window,
		QueryTimeout: cfg.Monitor.QueryTimeout,
	})
	a.Scheduler = service.NewRecurringScheduler(store, a.Chain, a.Locker, a.Alerts, a.Metrics, logger, service.SchedulerConfig{
		Interval:             cfg.Scheduler.Interval,
		BalanceCheckInterval: cfg.Scheduler.BalanceCheckInterval,
		LockKey:              cfg.Scheduler.LockKey,
		LockTTL:              cfg.Scheduler.LockTTL,
		Decimals:             cfg.Chain.Decimals,
	})
	return a, nil
}

// Close releases the store and the Redis client
func (a *App) Close() error {
	var out error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			out = errors.Join(out, err)
		}
	}
	if err := a.Store.Close(); err != nil {
		out = errors.Join(out, err)
	}
	return out
}
