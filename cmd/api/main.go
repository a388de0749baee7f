package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"virtual-staging/internal/api"
	"virtual-staging/internal/app"
	"virtual-staging/internal/config"
	"virtual-staging/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.IsDev(), "staging-api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	verifier := api.NewWebhookVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	switch {
	case verifier != nil:
	case cfg.IsDev():
		logger.Warn().Msg("WEBHOOK_SECRET is empty; webhook deliveries are not authenticated")
	default:
		logger.Error().Msg("WEBHOOK_SECRET is empty; every webhook delivery will be rejected")
	}
	server := api.New(cfg, a.Service, verifier, a.Queue, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	order := a.Router.Order()
	for _, id := range order {
		if _, ok := a.Router.Adapter(id); !ok {
			logger.Warn().Str("provider", id).Msg("PROVIDER_ORDER names an unknown provider")
		}
	}
	logger.Info().Str("port", cfg.HTTPPort).Strs("providers", order).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
