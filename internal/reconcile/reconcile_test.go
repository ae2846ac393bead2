package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/stops"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

type fakePositions struct {
	mu        sync.Mutex
	positions []types.ExchangePosition
	err       error
}

func (f *fakePositions) GetAllPositions(context.Context) ([]types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, f.err
}

func (f *fakePositions) PlaceOrder(context.Context, types.ExitOrderPayload) (types.OrderResponse, error) {
	return types.OrderResponse{}, nil
}

func (f *fakePositions) PlaceStopOrder(context.Context, types.StopOrderPayload) (types.OrderResponse, error) {
	return types.OrderResponse{}, nil
}

func (f *fakePositions) CancelOrder(context.Context, string) error     { return nil }
func (f *fakePositions) CancelStopOrder(context.Context, string) error { return nil }

func (f *fakePositions) GetOpenStopOrders(context.Context, string) ([]types.OpenStopOrder, error) {
	return nil, nil
}

type fakeRepairer struct {
	mu       sync.Mutex
	verify   stops.VerifyResult
	repairs  int
	replaced []string
}

func (f *fakeRepairer) VerifyStops(_ context.Context, symbol string, _ decimal.Decimal) (stops.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verify, nil
}

func (f *fakeRepairer) ReplaceStopLoss(_ context.Context, symbol string, _ types.Side, _, _ decimal.Decimal, _, existingOrderID string) (stops.ReplaceOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs++
	f.replaced = append(f.replaced, existingOrderID)
	return stops.ReplaceOutcome{OrderID: "repaired-1"}, nil
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

func localPosition() types.Position {
	return types.Position{
		ID:            "pos-1",
		Symbol:        "XBTUSDTM",
		Side:          types.Long,
		EntryPrice:    decimal.RequireFromString("50010"),
		Size:          decimal.RequireFromString("0.019"),
		RemainingSize: decimal.RequireFromString("0.019"),
		Leverage:      10,
		InitialSL:     decimal.RequireFromString("49984.995"),
		CurrentSL:     decimal.RequireFromString("50005"),
	}
}

func newReconciler(api *fakePositions, account *store.AccountStore, sm stopRepairer, halt func()) *Reconciler {
	return New(time.Second, api, testBudget(), account, sm, events.NewBus(), halt, testLogger())
}

func TestGhostPositionHaltsAndClears(t *testing.T) {
	account := store.NewAccountStore()
	account.RecordPosition(localPosition())
	api := &fakePositions{} // exchange is flat

	halted := 0
	r := newReconciler(api, account, &fakeRepairer{}, func() { halted++ })
	r.ReconcileOnce(context.Background())

	if halted != 1 {
		t.Errorf("haltTrading calls = %d, want 1", halted)
	}
	if _, ok := account.GetPosition("XBTUSDTM"); ok {
		t.Error("ghost position not cleared")
	}
	if account.Drift().Score != 1 {
		t.Errorf("drift score = %d, want 1", account.Drift().Score)
	}
}

func TestUnexpectedExchangePositionNotAdopted(t *testing.T) {
	account := store.NewAccountStore()
	account.RecordPosition(localPosition())
	api := &fakePositions{positions: []types.ExchangePosition{
		{Symbol: "XBTUSDTM", CurrentQty: 0.019, AvgEntry: 50010},
		{Symbol: "ETHUSDTM", CurrentQty: 1.5, AvgEntry: 3000},
	}}

	r := newReconciler(api, account, &fakeRepairer{}, nil)
	r.ReconcileOnce(context.Background())

	if _, ok := account.GetPosition("ETHUSDTM"); ok {
		t.Error("unexpected exchange position was adopted")
	}
	if score := account.Drift().Score; score != 0 {
		t.Errorf("drift score = %d, want 0 (unexpected is log-only)", score)
	}
}

func TestStopDriftRepaired(t *testing.T) {
	account := store.NewAccountStore()
	account.RecordPosition(localPosition())
	api := &fakePositions{positions: []types.ExchangePosition{
		{Symbol: "XBTUSDTM", CurrentQty: 0.019, AvgEntry: 50010},
	}}
	repairer := &fakeRepairer{verify: stops.VerifyResult{
		WrongStop:        true,
		CurrentStopPrice: decimal.RequireFromString("49990"),
		CurrentOrderID:   "stale-stop",
	}}

	r := newReconciler(api, account, repairer, nil)
	r.ReconcileOnce(context.Background())

	if repairer.repairs != 1 {
		t.Fatalf("repairs = %d, want 1", repairer.repairs)
	}
	if repairer.replaced[0] != "stale-stop" {
		t.Errorf("repair cancels %q, want stale-stop", repairer.replaced[0])
	}
	if account.Drift().Score != 1 {
		t.Errorf("drift score = %d, want 1", account.Drift().Score)
	}
}

func TestMissingStopRegistersDrift(t *testing.T) {
	account := store.NewAccountStore()
	account.RecordPosition(localPosition())
	api := &fakePositions{positions: []types.ExchangePosition{
		{Symbol: "XBTUSDTM", CurrentQty: 0.019, AvgEntry: 50010},
	}}
	repairer := &fakeRepairer{verify: stops.VerifyResult{MissingStop: true}}

	r := newReconciler(api, account, repairer, nil)
	r.ReconcileOnce(context.Background())

	if repairer.repairs != 1 {
		t.Errorf("repairs = %d, want 1", repairer.repairs)
	}
	if account.Drift().Score != 1 {
		t.Errorf("drift score = %d, want 1", account.Drift().Score)
	}
}

func TestConsistentPassClearsDrift(t *testing.T) {
	account := store.NewAccountStore()
	account.RecordPosition(localPosition())
	account.RegisterDrift()
	account.RegisterDrift()
	api := &fakePositions{positions: []types.ExchangePosition{
		{Symbol: "XBTUSDTM", CurrentQty: 0.019, AvgEntry: 50010},
	}}

	r := newReconciler(api, account, &fakeRepairer{}, nil)
	r.ReconcileOnce(context.Background())

	if score := account.Drift().Score; score != 0 {
		t.Errorf("drift score = %d, want 0 after consistent pass", score)
	}
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	account := store.NewAccountStore()
	account.RecordPosition(localPosition())
	account.RegisterDrift()
	api := &fakePositions{err: context.DeadlineExceeded}

	halted := 0
	r := newReconciler(api, account, &fakeRepairer{}, func() { halted++ })
	r.ReconcileOnce(context.Background())

	if halted != 0 {
		t.Error("fetch failure must not halt trading")
	}
	if _, ok := account.GetPosition("XBTUSDTM"); !ok {
		t.Error("fetch failure must not clear positions")
	}
	if account.Drift().Score != 1 {
		t.Error("fetch failure must not touch drift score")
	}
}
