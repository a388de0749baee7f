package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"virtual-staging/internal/app"
	"virtual-staging/internal/config"
	"virtual-staging/internal/logging"
	"virtual-staging/internal/telemetry"
	"virtual-staging/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.IsDev(), "staging-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	processor := worker.NewProcessor(cfg, a.Queue, a.Service, logger)
	logger.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Dur("stale_timeout", cfg.StaleJobTimeout).
		Msg("reconcile worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
