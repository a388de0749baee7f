// Package app wires the staging service from configuration. Both the API and
// the reconcile worker build their dependencies through it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"virtual-staging/internal/config"
	"virtual-staging/internal/provider"
	"virtual-staging/internal/queue"
	"virtual-staging/internal/ratelimit"
	"virtual-staging/internal/staging"
	"virtual-staging/internal/storage"
	"virtual-staging/internal/store"
	"virtual-staging/internal/store/memory"
)

// App holds the long-lived components. Close releases the connections.
type App struct {
	Service *staging.Service
	Queue   *queue.RedisQueue
	Router  *provider.Router
	closers []func()
}

// Build connects the store, queue, object storage and provider adapters.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{}

	var st staging.Store
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		st = memory.New()
	case "postgres", "":
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		st = pg
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	a.Queue = queue.NewRedisQueue(cfg)
	a.closers = append(a.closers, func() { _ = a.Queue.Client().Close() })
	throttle := ratelimit.NewTokenBucket(a.Queue.Client(), cfg.PollThrottleCapacity, cfg.PollThrottleRefill, time.Hour)

	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Router = NewRouter(cfg, logger)
	a.Service = staging.NewService(staging.Deps{
		Store:     st,
		Router:    a.Router,
		Uploader:  uploader,
		Fetcher:   storage.NewFetcher(cfg.ProviderTimeout, cfg.ImageMaxBytes),
		Scheduler: a.Queue,
		Throttle:  throttle,
		Logger:    logger,
	}, staging.Options{
		JobCreditCost:   cfg.JobCreditCost,
		RemixCreditCost: cfg.RemixCreditCost,
		FreeRemixLimit:  cfg.FreeRemixLimit,
		SignupCredits:   cfg.SignupCredits,
		PublicBaseURL:   cfg.PublicBaseURL,
		MaxImageEdge:    cfg.ImageMaxEdge,
		ProviderTimeout: cfg.ProviderTimeout,
	})
	return a, nil
}

// NewRouter registers every known adapter in the configured preference order.
func NewRouter(cfg config.Config, logger zerolog.Logger) *provider.Router {
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	return provider.NewRouter(cfg.ProviderOrder, logger,
		provider.NewGemini(provider.GeminiOptions{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			Model:      cfg.GeminiModel,
			HTTPClient: client,
			Baseline:   cfg.GeminiBaseline,
		}),
		provider.NewReplicate(provider.ReplicateOptions{
			Token:      cfg.ReplicateToken,
			Version:    cfg.ReplicateVersion,
			BaseURL:    cfg.ReplicateBaseURL,
			HTTPClient: client,
			Baseline:   cfg.ReplicateBaseline,
		}),
		provider.NewSynthetic(cfg.SyntheticBaseline),
	)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
