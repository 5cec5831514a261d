package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"payout-engine/internal/app"
	"payout-engine/internal/config"
	"payout-engine/internal/obs"
	"sync"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.NewLogger(os.Stderr, obs.ServiceName("worker"), "info").Error("failed to load config", "err", err)
		os.Exit(1)
	}

	shutdownObs, logger := obs.Init(obs.Options{
		Component:    "worker",
		LogLevel:     cfg.Log.Level,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObs(ctx)
	}()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize engine", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", engine.Metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
		defer metricsServer.Close()
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("component stopped with error", "component", name, "err", err)
			}
		}()
	}

	run("worker", engine.Worker.Run)
	run("monitor", engine.Monitor.Run)
	run("scheduler", engine.Scheduler.Run)
	logger.Info("payout engine started",
		"concurrency", cfg.Worker.Concurrency,
		"monitor_interval", cfg.Monitor.Interval.String(),
		"scheduler_interval", cfg.Scheduler.Interval.String())

	<-ctx.Done()
	logger.Info("shutting down, waiting for in-flight payments")
	wg.Wait()
	logger.Info("payout engine stopped")
}
