// Package engine is the top-level orchestrator. It wires the exchange
// client and feeds into the state stores, runs the live stop-maintenance
// path for real positions, and hosts the rate budget, reconciler, risk
// switch and optimizer.
//
// Lifecycle: New() → Start() → [runs until signal] → Stop().
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/market"
	"perp-orchestrator/internal/metrics"
	"perp-orchestrator/internal/optimizer"
	"perp-orchestrator/internal/pricing"
	"perp-orchestrator/internal/reconcile"
	"perp-orchestrator/internal/risk"
	"perp-orchestrator/internal/stops"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/internal/strategy"
	"perp-orchestrator/pkg/types"
)

// tickPumpInterval drives the main loop that fans market state out to the
// stop maintainer and the optimizer.
const tickPumpInterval = 500 * time.Millisecond

// specsRefreshInterval re-reads contract specs; granularity changes are
// rare but poisonous for rounding.
const specsRefreshInterval = time.Hour

// Engine owns every long-running component and their shared stores.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus     *events.Bus
	market  *store.MarketStore
	account *store.AccountStore
	budget  *budget.Manager
	client  *exchange.Client
	mktFeed *exchange.Feed
	prvFeed *exchange.Feed
	specs   *market.SpecsLoader
	stopMgr *stops.Manager
	riskMgr *risk.Manager
	recon   *reconcile.Reconciler
	opt     *optimizer.Controller

	// lastSeq tracks the market store sequence already pumped per symbol,
	// so a quiet market does not re-trigger downstream work.
	lastSeq map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. signalFn is the external signal evaluation
// injected by the caller; nil disables paper entries.
func New(cfg config.Config, signalFn strategy.SignalFunc, logger *slog.Logger) (*Engine, error) {
	bus := events.NewBus()
	marketStore := store.NewMarketStore()
	account := store.NewAccountStore()
	bm := budget.New(cfg.RateBudget, bus, logger)
	client := exchange.NewClient(cfg.Exchange, cfg.DryRun, bm, logger)

	stopMgr := stops.NewManager(cfg.Trading, client, bm, account, bus, logger)
	specs := market.NewSpecsLoader(client, bm, cfg.Symbols, specsRefreshInterval,
		stopMgr.SetSymbolSpecs, logger)

	riskMgr := risk.NewManager(cfg.Risk.MaxDailyLoss, bus, logger)
	recon := reconcile.New(cfg.Reconciler.Interval, client, bm, account, stopMgr, bus,
		func() { riskMgr.Halt("reconciler drift") }, logger)

	trailing := strategy.TrailingPolicy{
		BreakEvenBuffer: decimal.NewFromFloat(cfg.Trading.BreakEvenBuffer),
		StepPercent:     decimal.NewFromFloat(cfg.Trading.TrailingStepPercent),
		MovePercent:     decimal.NewFromFloat(cfg.Trailing.TrailingMovePercent),
	}
	opt := optimizer.NewController(cfg.Optimizer, strategy.VariantConfig{
		StartingBalance:  decimal.NewFromFloat(cfg.Optimizer.StartingBalance),
		InitialSLRoi:     decimal.NewFromFloat(cfg.Trading.InitialSLRoi),
		InitialTPRoi:     decimal.NewFromFloat(cfg.Trading.InitialTPRoi),
		MakerFee:         decimal.NewFromFloat(cfg.Trading.MakerFee),
		TakerFee:         decimal.NewFromFloat(cfg.Trading.TakerFee),
		SlippagePercent:  decimal.NewFromFloat(cfg.Trading.SlippagePercent),
		Trailing:         trailing,
		PaperTrading:     cfg.Optimizer.PaperTrading,
		BreakerThreshold: cfg.Optimizer.ErrorHandling.CircuitBreakerThreshold,
		BreakerReset:     time.Duration(cfg.Optimizer.ErrorHandling.CircuitBreakerResetMs) * time.Millisecond,
	}, signalFn, marketStore, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		bus:     bus,
		market:  marketStore,
		account: account,
		budget:  bm,
		client:  client,
		mktFeed: exchange.NewMarketFeed(client, cfg.Symbols, marketStore, bm, logger),
		prvFeed: exchange.NewPrivateFeed(client, account, bm, logger),
		specs:   specs,
		stopMgr: stopMgr,
		riskMgr: riskMgr,
		recon:   recon,
		opt:     opt,
		lastSeq: make(map[string]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Bus exposes the event bus for the API server.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Budget exposes the rate budget manager for the API server.
func (e *Engine) Budget() *budget.Manager { return e.budget }

// Account exposes the account store for the API server.
func (e *Engine) Account() *store.AccountStore { return e.account }

// Risk exposes the halt switch for the API server.
func (e *Engine) Risk() *risk.Manager { return e.riskMgr }

// Optimizer exposes the variant controller for the API server and the
// shutdown summary.
func (e *Engine) Optimizer() *optimizer.Controller { return e.opt }

// Start loads contract specs, then launches all background loops.
func (e *Engine) Start() error {
	loadCtx, cancel := context.WithTimeout(e.ctx, 2*time.Minute)
	defer cancel()
	if err := e.specs.Load(loadCtx); err != nil {
		return err
	}

	e.spawn(func() { e.budget.Run(e.ctx) })
	e.spawn(func() { e.stopMgr.Run(e.ctx) })
	e.spawn(func() { e.riskMgr.Run(e.ctx) })
	e.spawn(func() { e.recon.Run(e.ctx) })
	e.spawn(func() { e.specs.Run(e.ctx) })
	e.spawn(func() {
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed stopped", "error", err)
		}
	})
	if !e.cfg.DryRun {
		e.spawn(func() {
			if err := e.prvFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("private feed stopped", "error", err)
			}
		})
	}
	e.spawn(func() { e.tickPump() })
	e.spawn(func() { e.eventPump() })
	e.spawn(func() { e.metricsPump() })

	if e.cfg.Optimizer.Enabled {
		e.opt.Start(e.ctx)
	}
	return nil
}

// Stop cancels all loops and shuts the optimizer down, closing paper
// positions at the last mid.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()
	e.wg.Wait()
	e.opt.Stop()
	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// tickPump is the main loop: for every symbol with fresh market data it
// maintains the real position's trailing stop and fans the tick out to the
// optimizer.
func (e *Engine) tickPump() {
	ticker := time.NewTicker(tickPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range e.cfg.Symbols {
				tick, ok := e.market.GetTick(symbol)
				if !ok || tick.Seq == e.lastSeq[symbol] {
					continue
				}
				e.lastSeq[symbol] = tick.Seq

				if !e.riskMgr.IsHalted() {
					e.maintainStops(symbol, tick)
				}
				if e.cfg.Optimizer.Enabled {
					e.opt.OnMarketUpdate(symbol, e.market.GetIndicators(symbol), tick.Mid())
				}
			}
		}
	}
}

// maintainStops evaluates the trailing policy for a live position and
// pushes any tightening through the stop manager.
func (e *Engine) maintainStops(symbol string, tick types.Tick) {
	pos, ok := e.account.GetPosition(symbol)
	if !ok {
		return
	}

	// A position with no live stop order is unprotected. Place the initial
	// stop before any trailing logic runs.
	if pos.SLOrderID == "" && !pos.InitialSL.IsZero() {
		outcome, err := e.stopMgr.EnsureInitialStops(e.ctx, pos)
		if err != nil {
			e.logger.Error("initial stop placement failed", "symbol", symbol, "error", err)
			return
		}
		pos.CurrentSL = outcome.StopPrice
		pos.SLOrderID = outcome.OrderID
		e.account.RecordPosition(pos)
		return
	}

	price := tick.MarkPrice
	if price <= 0 {
		price = tick.Mid()
	}
	if price <= 0 {
		return
	}

	roi, err := e.positionROI(pos, price)
	if err != nil {
		e.logger.Warn("roi computation failed", "symbol", symbol, "error", err)
		return
	}

	trailing := strategy.TrailingPolicy{
		BreakEvenBuffer: decimal.NewFromFloat(e.cfg.Trading.BreakEvenBuffer),
		StepPercent:     decimal.NewFromFloat(e.cfg.Trading.TrailingStepPercent),
		MovePercent:     decimal.NewFromFloat(e.cfg.Trailing.TrailingMovePercent),
	}
	feeIn := pos.EntryFeeRate
	if feeIn.IsZero() {
		feeIn = decimal.NewFromFloat(e.cfg.Trading.TakerFee)
	}
	feeOut := pos.ExpectedExitFeeRate
	if feeOut.IsZero() {
		feeOut = decimal.NewFromFloat(e.cfg.Trading.TakerFee)
	}

	decision, err := trailing.NextStop(strategy.TrailingInputs{
		Side:           pos.Side,
		EntryPrice:     pos.EntryPrice,
		CurrentStop:    pos.CurrentSL,
		CurrentROI:     roi,
		LastROIStep:    pos.LastROIStep,
		Leverage:       pos.Leverage,
		FeeIn:          feeIn,
		FeeOut:         feeOut,
		BreakEvenArmed: pos.BreakEvenArmed,
	})
	if err != nil {
		e.logger.Warn("trailing evaluation failed", "symbol", symbol, "error", err)
		return
	}
	if decision.Reason == strategy.ReasonNoChange {
		return
	}

	outcome, err := e.stopMgr.ReplaceStopLoss(e.ctx, symbol, pos.Side,
		pos.RemainingSize, decision.NewStop, pos.ID, pos.SLOrderID)
	if err != nil {
		var unprotected *stops.UnprotectedError
		if errors.As(err, &unprotected) {
			// The coordinator already flattened or flagged the position.
			if unprotected.Critical {
				e.riskMgr.Halt("position critically unprotected: " + symbol)
			}
			return
		}
		e.logger.Error("stop replacement failed", "symbol", symbol, "error", err)
		return
	}
	if outcome.Skipped {
		return
	}

	pos.CurrentSL = outcome.StopPrice
	pos.SLOrderID = outcome.OrderID
	pos.LastROIStep = decision.NewLastStep
	pos.BreakEvenArmed = decision.BreakEvenArmed
	e.account.RecordPosition(pos)
	e.logger.Info("trailing stop advanced",
		"symbol", symbol, "reason", decision.Reason, "stop", outcome.StopPrice)
}

// positionROI is the leveraged unrealized ROI percent at the given price.
func (e *Engine) positionROI(pos types.Position, price float64) (decimal.Decimal, error) {
	cur, err := pricing.FromFloat("positionROI", price)
	if err != nil {
		return decimal.Decimal{}, err
	}
	diff := pricing.PriceDiff(pos.Side, pos.EntryPrice, cur)
	gross := pricing.UnrealizedPnl(diff, pos.Size, decimal.NewFromInt(1))

	margin := pos.Margin
	if margin.IsZero() && pos.Leverage > 0 {
		margin = pos.EntryPrice.Mul(pos.Size).Div(decimal.NewFromInt(int64(pos.Leverage)))
	}
	return pricing.LeveragedRoiPercent(gross, margin)
}

// eventPump converts bus events into Prometheus counters and feeds live
// closed trades into the risk manager.
func (e *Engine) eventPump() {
	sub := e.bus.Subscribe(512)
	defer e.bus.Unsubscribe(sub)
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-sub:
			e.handleEvent(evt)
		}
	}
}

func (e *Engine) handleEvent(evt events.Event) {
	switch evt.Type {
	case events.TypeRateBackoff:
		metrics.RateLimitHits.Inc()
	case events.TypeRateReconnect:
		metrics.FeedReconnects.Inc()
	case events.TypeStopReplaced:
		metrics.StopsReplaced.WithLabelValues(evt.Symbol).Inc()
	case events.TypeStopEmergency:
		metrics.EmergencyCloses.Inc()
		// An emergency close realizes the position at its stop estimate;
		// the loss counts against the daily limit.
		if d, ok := evt.Data.(events.StopEmergencyEvent); ok {
			e.riskMgr.Report(d.Trade)
		}
	case events.TypeStopCritical:
		metrics.CriticalUnprotected.Inc()
	case events.TypeReconcilerDrift:
		kind := "unknown"
		if d, ok := evt.Data.(events.DriftEvent); ok {
			kind = d.Kind
		}
		metrics.DriftEvents.WithLabelValues(kind).Inc()
	case events.TypePromotionEligible:
		metrics.PromotionsEligible.Inc()
	}
}

// metricsPump refreshes snapshot-style gauges.
func (e *Engine) metricsPump() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			snap := e.budget.Snapshot()
			for _, class := range snap.Classes {
				metrics.BudgetTokens.WithLabelValues(class.Priority).Set(class.Tokens)
				metrics.BudgetUtilization.WithLabelValues(class.Priority).Set(class.Utilization)
			}
			metrics.BudgetBackoffActive.Set(boolGauge(snap.BackoffActive))
			metrics.RequestLatencyP95.Set(snap.LatencyP95Ms)

			metrics.DriftScore.Set(float64(e.account.Drift().Score))
			metrics.TradingHalted.Set(boolGauge(e.riskMgr.IsHalted()))

			status := e.opt.GetStatus()
			metrics.VariantsRunning.Set(float64(status.VariantCount))
			metrics.VariantTrades.Set(float64(status.TotalTrades))
			metrics.VariantBreakersOpen.Set(float64(status.BreakersOpen))
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
