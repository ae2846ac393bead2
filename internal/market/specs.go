// Package market loads and refreshes contract specifications for the
// configured symbols. Tick size, lot size and multiplier drive all stop
// price and size rounding, so the loader retries until every symbol is
// known before trading starts.
package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/pkg/types"
)

// SpecsFetcher is the slice of the exchange client the loader needs.
type SpecsFetcher interface {
	GetSymbolSpecs(ctx context.Context, symbol string) (types.SymbolSpecs, error)
}

// SpecsLoader fetches contract specs at startup and refreshes them
// periodically. Venues change lot granularity rarely but not never.
type SpecsLoader struct {
	api      SpecsFetcher
	budget   *budget.Manager
	symbols  []string
	refresh  time.Duration
	onUpdate func(symbol string, specs types.SymbolSpecs)
	logger   *slog.Logger

	mu    sync.RWMutex
	specs map[string]types.SymbolSpecs
}

// NewSpecsLoader creates a loader for the given symbols. onUpdate fires for
// every fetched spec, including refreshes; pass the stop manager's
// SetSymbolSpecs.
func NewSpecsLoader(api SpecsFetcher, bm *budget.Manager, symbols []string, refresh time.Duration, onUpdate func(string, types.SymbolSpecs), logger *slog.Logger) *SpecsLoader {
	return &SpecsLoader{
		api:      api,
		budget:   bm,
		symbols:  symbols,
		refresh:  refresh,
		onUpdate: onUpdate,
		logger:   logger.With("component", "specs_loader"),
		specs:    make(map[string]types.SymbolSpecs),
	}
}

// Load fetches specs for all symbols, retrying each until it succeeds or
// ctx ends. Returns nil once every symbol is loaded.
func (sl *SpecsLoader) Load(ctx context.Context) error {
	pending := append([]string(nil), sl.symbols...)
	for len(pending) > 0 {
		var failed []string
		for _, symbol := range pending {
			if err := sl.fetchOne(ctx, symbol); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				sl.logger.Warn("spec fetch failed, will retry", "symbol", symbol, "error", err)
				failed = append(failed, symbol)
			}
		}
		if len(failed) == 0 {
			return nil
		}
		pending = failed

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// Run refreshes specs on the configured interval until ctx is cancelled.
// Failures keep the previous spec.
func (sl *SpecsLoader) Run(ctx context.Context) {
	if sl.refresh <= 0 {
		return
	}
	ticker := time.NewTicker(sl.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range sl.symbols {
				if err := sl.fetchOne(ctx, symbol); err != nil && ctx.Err() == nil {
					sl.logger.Warn("spec refresh failed, keeping previous", "symbol", symbol, "error", err)
				}
			}
		}
	}
}

// Get returns the cached spec for a symbol.
func (sl *SpecsLoader) Get(symbol string) (types.SymbolSpecs, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	s, ok := sl.specs[symbol]
	return s, ok
}

func (sl *SpecsLoader) fetchOne(ctx context.Context, symbol string) error {
	if err := sl.budget.Acquire(ctx, budget.Low, 1); err != nil {
		return err
	}
	specs, err := sl.api.GetSymbolSpecs(ctx, symbol)
	if err != nil {
		return err
	}

	sl.mu.Lock()
	sl.specs[symbol] = specs
	sl.mu.Unlock()

	if sl.onUpdate != nil {
		sl.onUpdate(symbol, specs)
	}
	sl.logger.Debug("contract specs loaded",
		"symbol", symbol, "tick", specs.TickSize, "lot", specs.LotSize)
	return nil
}
