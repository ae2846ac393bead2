// Package reconcile periodically compares locally tracked positions against
// exchange truth. Ghost positions halt trading globally; stop drift is
// repaired in place. The reconciler reports through the drift score and the
// event bus, never through its caller.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/stops"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

// stopRepairer is the slice of the stop manager the reconciler uses.
type stopRepairer interface {
	VerifyStops(ctx context.Context, symbol string, desiredStop decimal.Decimal) (stops.VerifyResult, error)
	ReplaceStopLoss(ctx context.Context, symbol string, side types.Side, size, stopPrice decimal.Decimal, positionID, existingOrderID string) (stops.ReplaceOutcome, error)
}

// Reconciler runs drift detection on a timer. haltTrading is invoked once per
// detected ghost position; resuming after a halt is a manual operation.
type Reconciler struct {
	interval    time.Duration
	api         exchange.Adapter
	budget      *budget.Manager
	account     *store.AccountStore
	stops       stopRepairer
	bus         *events.Bus
	logger      *slog.Logger
	haltTrading func()
}

// New creates a reconciler. interval comes from the reconciler config
// section; haltTrading must be safe to call more than once.
func New(interval time.Duration, api exchange.Adapter, bm *budget.Manager, account *store.AccountStore, sm stopRepairer, bus *events.Bus, haltTrading func(), logger *slog.Logger) *Reconciler {
	return &Reconciler{
		interval:    interval,
		api:         api,
		budget:      bm,
		account:     account,
		stops:       sm,
		bus:         bus,
		logger:      logger.With("component", "reconciler"),
		haltTrading: haltTrading,
	}
}

// Run executes reconciliation passes until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs a single pass. It never returns an error: failures to
// read exchange state leave the drift score untouched and are retried on the
// next tick.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	local := r.account.Positions()
	if len(local) == 0 {
		// Nothing tracked locally: trivially consistent, no REST spend.
		r.account.ClearDrift()
		return
	}

	if err := r.budget.Acquire(ctx, budget.High, 1); err != nil {
		r.logger.Warn("reconciliation skipped, no budget", "error", err)
		return
	}
	remote, err := r.api.GetAllPositions(ctx)
	if err != nil {
		if exchange.IsRateLimited(err) {
			r.budget.Report429()
		}
		r.logger.Warn("reconciliation skipped, position fetch failed", "error", err)
		return
	}

	bySymbol := make(map[string]types.ExchangePosition, len(remote))
	for _, p := range remote {
		bySymbol[p.Symbol] = p
	}

	consistent := true
	for _, pos := range local {
		if _, ok := bySymbol[pos.Symbol]; !ok {
			consistent = false
			r.onGhost(pos)
			continue
		}
		delete(bySymbol, pos.Symbol)
		if !r.checkStops(ctx, pos) {
			consistent = false
		}
	}

	// Exchange positions nobody here opened are logged, never adopted.
	for symbol, p := range bySymbol {
		r.logger.Warn("unexpected exchange position, not adopting",
			"symbol", symbol, "qty", p.CurrentQty, "entry", p.AvgEntry)
	}

	if consistent {
		r.account.ClearDrift()
	}
}

// onGhost handles a position the exchange no longer has: the local record is
// stale, trading stops globally and the record is dropped.
func (r *Reconciler) onGhost(pos types.Position) {
	score := r.account.RegisterDrift()
	r.logger.Error("ghost position detected, halting trading",
		"symbol", pos.Symbol, "position_id", pos.ID, "drift_score", score)
	r.bus.Publish(events.TypeReconcilerDrift, pos.Symbol, events.DriftEvent{
		Symbol: pos.Symbol,
		Kind:   "ghost",
		Score:  score,
		Detail: "local position missing on exchange",
	})
	if r.haltTrading != nil {
		r.haltTrading()
	}
	r.account.ClearPosition(pos.Symbol)
}

// checkStops verifies the live stop for a matched position and repairs a
// missing or wrong one. Returns false when drift was registered.
func (r *Reconciler) checkStops(ctx context.Context, pos types.Position) bool {
	desired := pos.CurrentSL
	if desired.IsZero() {
		desired = pos.InitialSL
	}
	if desired.IsZero() {
		return true
	}

	res, err := r.stops.VerifyStops(ctx, pos.Symbol, desired)
	if err != nil {
		r.logger.Warn("stop verification failed", "symbol", pos.Symbol, "error", err)
		return false
	}
	if !res.MissingStop && !res.WrongStop {
		return true
	}

	kind := "stop_missing"
	if res.WrongStop {
		kind = "stop_wrong"
	}
	score := r.account.RegisterDrift()
	r.logger.Warn("stop drift detected, repairing",
		"symbol", pos.Symbol, "kind", kind,
		"current", res.CurrentStopPrice, "desired", desired, "drift_score", score)
	r.bus.Publish(events.TypeReconcilerDrift, pos.Symbol, events.DriftEvent{
		Symbol: pos.Symbol,
		Kind:   kind,
		Score:  score,
		Detail: "live stop diverged from tracked stop",
	})

	if _, err := r.stops.ReplaceStopLoss(ctx, pos.Symbol, pos.Side, pos.RemainingSize,
		desired, pos.ID, res.CurrentOrderID); err != nil {
		r.logger.Error("stop repair failed", "symbol", pos.Symbol, "error", err)
	}
	return false
}
