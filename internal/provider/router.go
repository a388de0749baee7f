package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Selection is the adapter chosen for a new job.
type Selection struct {
	Adapter      Adapter
	FallbackUsed bool
}

// Router picks a healthy adapter following a fixed fallback order.
type Router struct {
	order    []string
	adapters map[string]Adapter
	logger   zerolog.Logger
}

// NewRouter registers adapters and the preference order. Order entries that name
// no registered adapter are treated as unavailable. An empty order falls back to
// registration order.
func NewRouter(order []string, logger zerolog.Logger, adapters ...Adapter) *Router {
	r := &Router{
		adapters: make(map[string]Adapter, len(adapters)),
		logger:   logger,
	}
	registered := make([]string, 0, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.ID()] = a
		registered = append(registered, a.ID())
	}
	if len(order) == 0 {
		order = registered
	}
	r.order = append([]string(nil), order...)
	return r
}

// Select returns the first configured and healthy adapter in preference order.
func (r *Router) Select(ctx context.Context) (Selection, error) {
	for i, id := range r.order {
		a, ok := r.adapters[id]
		if !ok {
			r.logger.Debug().Str("provider", id).Msg("router: provider not registered")
			continue
		}
		h := a.CheckHealth(ctx)
		if !h.Configured || !h.Healthy {
			r.logger.Warn().Str("provider", id).Str("reason", h.Message).Msg("router: skipping unavailable provider")
			continue
		}
		if _, ok := AsSync(a); !ok {
			if _, ok := AsAsync(a); !ok {
				r.logger.Error().Str("provider", id).Msg("router: provider implements no dispatch capability")
				continue
			}
		}
		return Selection{Adapter: a, FallbackUsed: i > 0}, nil
	}
	return Selection{}, fmt.Errorf("%w (tried %v)", ErrProviderUnavailable, r.order)
}

// Adapter looks up a registered adapter by id.
func (r *Router) Adapter(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Health reports the status of every registered adapter. It is for diagnostics
// only; Select performs its own checks.
func (r *Router) Health(ctx context.Context) map[string]Health {
	out := make(map[string]Health, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a.CheckHealth(ctx)
	}
	return out
}

// Order returns the configured preference order.
func (r *Router) Order() []string {
	return append([]string(nil), r.order...)
}
