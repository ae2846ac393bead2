package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/pkg/types"
)

type fakeFetcher struct {
	mu       sync.Mutex
	failures map[string]int // remaining failures per symbol
	calls    int
}

func (f *fakeFetcher) GetSymbolSpecs(_ context.Context, symbol string) (types.SymbolSpecs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures[symbol] > 0 {
		f.failures[symbol]--
		return types.SymbolSpecs{}, errors.New("503 service unavailable")
	}
	return types.SymbolSpecs{
		TickSize:   decimal.RequireFromString("0.1"),
		LotSize:    decimal.RequireFromString("0.001"),
		Multiplier: decimal.NewFromInt(1),
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBudget() *budget.Manager {
	return budget.New(config.RateBudgetConfig{
		Critical: 1000, High: 1000, Medium: 1000, Low: 1000,
		Headroom: 0, QueueSize: 8, RefillIntervalMs: 100,
		BackoffInitialMs: 1000, BackoffMaxMs: 60000, BackoffMultiplier: 2,
	}, events.NewBus(), testLogger())
}

func TestLoadFetchesAllSymbols(t *testing.T) {
	t.Parallel()
	api := &fakeFetcher{}
	var updates []string
	var mu sync.Mutex
	sl := NewSpecsLoader(api, testBudget(), []string{"XBTUSDTM", "ETHUSDTM"}, 0,
		func(symbol string, _ types.SymbolSpecs) {
			mu.Lock()
			updates = append(updates, symbol)
			mu.Unlock()
		}, testLogger())

	if err := sl.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, symbol := range []string{"XBTUSDTM", "ETHUSDTM"} {
		if _, ok := sl.Get(symbol); !ok {
			t.Errorf("specs for %s not cached", symbol)
		}
	}
	if len(updates) != 2 {
		t.Errorf("onUpdate fired %d times, want 2", len(updates))
	}
}

func TestLoadRetriesFailedSymbols(t *testing.T) {
	t.Parallel()
	api := &fakeFetcher{failures: map[string]int{"ETHUSDTM": 1}}
	sl := NewSpecsLoader(api, testBudget(), []string{"XBTUSDTM", "ETHUSDTM"}, 0, nil, testLogger())

	if err := sl.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := sl.Get("ETHUSDTM"); !ok {
		t.Error("failed symbol never retried")
	}
	// 2 first-round calls + 1 retry for the failure.
	if api.calls != 3 {
		t.Errorf("calls = %d, want 3", api.calls)
	}
}

func TestLoadStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	api := &fakeFetcher{failures: map[string]int{"XBTUSDTM": 1000}}
	sl := NewSpecsLoader(api, testBudget(), []string{"XBTUSDTM"}, 0, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sl.Load(ctx); err == nil {
		t.Fatal("Load must surface context cancellation")
	}
}
