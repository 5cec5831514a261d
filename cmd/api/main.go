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
	"payout-engine/internal/handler"
	"payout-engine/internal/obs"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.NewLogger(os.Stderr, obs.ServiceName("api"), "info").Error("failed to load config", "err", err)
		os.Exit(1)
	}

	shutdownObs, logger := obs.Init(obs.Options{
		Component:    "api",
		LogLevel:     cfg.Log.Level,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObs(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize engine", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	paymentHandler := handler.NewPaymentHandler(engine.Payments, engine.Scheduler, engine.Metrics, logger)

	// CORS middleware - sets headers for all responses
	corsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	mux := http.NewServeMux()
	paymentHandler.Register(mux)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           obs.WrapHTTP(obs.ServiceName("api"), corsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("API server starting", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error closing server", "err", err)
	}
	logger.Info("server stopped")
}
