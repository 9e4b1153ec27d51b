package resilience

import (
	"context"
	"fmt"

	"github.com/brightpath/livelink/pkg/history"
)

// GuardedStore passes calls to a [history.Store] through a [Breaker]. While
// the breaker is open, Save and Recent fail immediately with an error
// wrapping [ErrCircuitOpen].
type GuardedStore struct {
	store   history.Store
	breaker *Breaker
}

var _ history.Store = (*GuardedStore)(nil)

// NewGuardedStore wraps store. If cfg.Name is empty it defaults to "history".
func NewGuardedStore(store history.Store, cfg BreakerConfig) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "history"
	}
	return &GuardedStore{store: store, breaker: NewBreaker(cfg)}
}

// Save implements [history.Store].
func (g *GuardedStore) Save(ctx context.Context, key history.Key, entries []history.Entry) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.store.Save(ctx, key, entries)
	})
	if err != nil {
		return fmt.Errorf("resilience: save: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (g *GuardedStore) Recent(ctx context.Context, childID string, n int) ([]history.SessionSummary, error) {
	var out []history.SessionSummary
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.store.Recent(ctx, childID, n)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: recent: %w", err)
	}
	return out, nil
}

// Ping reports [ErrCircuitOpen] while the breaker is open, otherwise it
// probes the wrapped store if it can be pinged.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if g.breaker.State() == StateOpen {
		return ErrCircuitOpen
	}
	if p, ok := g.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State returns the breaker state.
func (g *GuardedStore) State() State { return g.breaker.State() }
