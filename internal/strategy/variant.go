package strategy

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/pricing"
	"perp-orchestrator/internal/sim"
	"perp-orchestrator/pkg/types"
)

// Signal is the output of the external signal function.
type Signal struct {
	Type  types.SignalType
	Score float64 // positive bullish, negative bearish
}

// SignalFunc produces a directional signal from the indicator snapshot.
type SignalFunc func(symbol string, indicators map[string]float64, price float64) Signal

// VariantParams is one parameterization of the strategy under paper test.
type VariantParams struct {
	ID                  string
	Profile             string
	Dimension           string // varied dimension, empty for the profile default
	Leverage            int
	PositionSizePercent decimal.Decimal
	EntryThreshold      float64
}

// VariantConfig carries the shared trading knobs a variant simulates with.
type VariantConfig struct {
	StartingBalance  decimal.Decimal
	InitialSLRoi     decimal.Decimal
	InitialTPRoi     decimal.Decimal
	MakerFee         decimal.Decimal
	TakerFee         decimal.Decimal
	SlippagePercent  decimal.Decimal
	Trailing         TrailingPolicy
	PaperTrading     bool
	BreakerThreshold int
	BreakerReset     time.Duration
}

// maxTradeHistory bounds the per-variant record slice. Aggregates in
// Metrics keep counting past the window; only the detailed records roll.
const maxTradeHistory = 500

// openPosition is variant-local paper position state.
type openPosition struct {
	symbol      string
	entry       sim.EntryState
	currentStop decimal.Decimal
	takeProfit  decimal.Decimal
	lastROIStep int
	armed       bool
	openedAt    time.Time
}

// Variant runs one strategy permutation against live market data, trading
// only through the execution simulator. All state is variant-local; the
// optimizer is the sole caller of ProcessTick and never shares a variant
// across goroutines.
type Variant struct {
	Params VariantParams

	cfg      VariantConfig
	signalFn SignalFunc
	rng      *rand.Rand
	bus      *events.Bus
	logger   *slog.Logger

	pos     *openPosition
	metrics *Metrics
	trades  []types.TradeRecord

	errorCount      int
	lastErr         error
	breakerOpen     bool
	circuitOpenedAt time.Time
}

// NewVariant creates a variant with its own seeded randomness so paper runs
// are reproducible per variant ID.
func NewVariant(params VariantParams, cfg VariantConfig, signalFn SignalFunc, seed int64, bus *events.Bus, logger *slog.Logger) *Variant {
	return &Variant{
		Params:   params,
		cfg:      cfg,
		signalFn: signalFn,
		rng:      rand.New(rand.NewSource(seed)),
		bus:      bus,
		logger:   logger.With("component", "variant", "variant_id", params.ID),
		metrics:  NewMetrics(cfg.StartingBalance),
	}
}

// ProcessTick runs one market update through the variant. Any failure,
// including panics in the signal function, is contained here and feeds the
// circuit breaker; nothing propagates to the optimizer.
func (v *Variant) ProcessTick(symbol string, indicators map[string]float64, price float64) {
	if v.breakerOpen {
		if time.Since(v.circuitOpenedAt) < v.cfg.BreakerReset {
			return
		}
		v.breakerOpen = false
		v.errorCount = 0
		v.logger.Info("circuit breaker closed")
		v.bus.Publish(events.TypeBreakerClosed, symbol, events.BreakerEvent{VariantID: v.Params.ID})
	}

	err := v.safeTick(symbol, indicators, price)
	if err == nil {
		return
	}

	v.errorCount++
	v.lastErr = err
	v.logger.Warn("tick failed", "error", err, "error_count", v.errorCount)
	v.bus.Publish(events.TypeVariantError, symbol, events.VariantLifecycleEvent{
		VariantID: v.Params.ID,
		Symbol:    symbol,
		Err:       err.Error(),
	})

	if v.errorCount >= v.cfg.BreakerThreshold && !v.breakerOpen {
		v.breakerOpen = true
		v.circuitOpenedAt = time.Now()
		v.logger.Warn("circuit breaker opened", "failures", v.errorCount)
		v.bus.Publish(events.TypeBreakerOpened, symbol, events.BreakerEvent{
			VariantID: v.Params.ID,
			Failures:  v.errorCount,
			ResetIn:   v.cfg.BreakerReset,
		})
	}
}

func (v *Variant) safeTick(symbol string, indicators map[string]float64, price float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in tick: %v", r)
		}
	}()

	if v.pos != nil {
		if v.pos.symbol != symbol {
			return nil
		}
		return v.managePosition(price)
	}
	return v.maybeOpen(symbol, indicators, price)
}

func (v *Variant) managePosition(price float64) error {
	cur := decimal.NewFromFloat(price)
	mtm, err := sim.MarkToMarket(v.pos.entry, cur, decimal.Zero)
	if err != nil {
		return err
	}

	decision, err := v.cfg.Trailing.NextStop(TrailingInputs{
		Side:           v.pos.entry.Side,
		EntryPrice:     v.pos.entry.EntryFillPrice,
		CurrentStop:    v.pos.currentStop,
		CurrentROI:     mtm.UnrealizedROI,
		LastROIStep:    v.pos.lastROIStep,
		Leverage:       v.pos.entry.Leverage,
		FeeIn:          v.pos.entry.FeeRateUsed,
		FeeOut:         v.cfg.TakerFee,
		BreakEvenArmed: v.pos.armed,
	})
	if err != nil {
		return err
	}
	v.pos.currentStop = decision.NewStop
	v.pos.lastROIStep = decision.NewLastStep
	v.pos.armed = decision.BreakEvenArmed

	if hit, target, reason := v.exitTrigger(cur); hit {
		return v.closePosition(target, reason)
	}
	return nil
}

// exitTrigger checks stop-loss and take-profit crossings at the current
// price. Stop wins when both would trigger on the same tick.
func (v *Variant) exitTrigger(price decimal.Decimal) (bool, decimal.Decimal, types.ExitReason) {
	long := v.pos.entry.Side == types.Long
	if !v.pos.currentStop.IsZero() {
		if (long && price.LessThanOrEqual(v.pos.currentStop)) ||
			(!long && price.GreaterThanOrEqual(v.pos.currentStop)) {
			return true, v.pos.currentStop, types.ExitStopLoss
		}
	}
	if !v.pos.takeProfit.IsZero() {
		if (long && price.GreaterThanOrEqual(v.pos.takeProfit)) ||
			(!long && price.LessThanOrEqual(v.pos.takeProfit)) {
			return true, v.pos.takeProfit, types.ExitTakeProfit
		}
	}
	return false, decimal.Zero, ""
}

func (v *Variant) maybeOpen(symbol string, indicators map[string]float64, price float64) error {
	if !v.cfg.PaperTrading || v.signalFn == nil {
		return nil
	}

	signal := v.signalFn(symbol, indicators, price)
	var side types.Side
	switch {
	case signal.Score >= v.Params.EntryThreshold:
		side = types.Long
	case signal.Score <= -v.Params.EntryThreshold:
		side = types.Short
	default:
		return nil
	}

	entry, err := sim.SimulateEntry(sim.EntryParams{
		AccountBalance:      v.metrics.Equity(),
		PositionSizePercent: v.Params.PositionSizePercent,
		Leverage:            v.Params.Leverage,
		Side:                side,
		MidPrice:            decimal.NewFromFloat(price),
		FillModel:           sim.Taker,
		MakerFee:            v.cfg.MakerFee,
		TakerFee:            v.cfg.TakerFee,
		SlippagePercent:     v.cfg.SlippagePercent,
	}, v.rng)
	if err != nil {
		return err
	}

	initialStop, err := InitialStop(side, entry.EntryFillPrice, v.cfg.InitialSLRoi, v.Params.Leverage)
	if err != nil {
		return err
	}
	takeProfit, err := pricing.TakeProfitPrice(side, entry.EntryFillPrice, v.cfg.InitialTPRoi, v.Params.Leverage)
	if err != nil {
		return err
	}

	v.pos = &openPosition{
		symbol:      symbol,
		entry:       entry,
		currentStop: initialStop,
		takeProfit:  takeProfit,
		openedAt:    time.Now(),
	}
	v.logger.Info("paper position opened",
		"symbol", symbol, "side", side, "fill", entry.EntryFillPrice, "stop", initialStop)
	v.bus.Publish(events.TypeVariantOpened, symbol, events.VariantLifecycleEvent{
		VariantID: v.Params.ID,
		Symbol:    symbol,
		Side:      side,
	})
	return nil
}

func (v *Variant) closePosition(target decimal.Decimal, reason types.ExitReason) error {
	exit, err := sim.SimulateExit(v.pos.entry, target, v.cfg.TakerFee, v.cfg.SlippagePercent, decimal.Zero, reason)
	if err != nil {
		return err
	}

	v.metrics.RecordTrade(exit.NetRealized, exit.RealizedROI)
	v.trades = append(v.trades, types.TradeRecord{
		Symbol:       v.pos.symbol,
		Side:         v.pos.entry.Side,
		EntryPrice:   v.pos.entry.EntryFillPrice,
		ExitPrice:    exit.ExitFillPrice,
		Size:         v.pos.entry.Size,
		Leverage:     v.pos.entry.Leverage,
		GrossPnl:     exit.GrossRealized,
		NetPnl:       exit.NetRealized,
		ROI:          exit.RealizedROI,
		TotalFees:    v.pos.entry.EntryFee.Add(exit.ExitFee),
		ExitReason:   reason,
		OpenedAt:     v.pos.openedAt,
		ClosedAt:     time.Now(),
		VariantID:    v.Params.ID,
		Experimental: true,
	})
	if len(v.trades) > maxTradeHistory {
		v.trades = v.trades[len(v.trades)-maxTradeHistory:]
	}
	v.logger.Info("paper position closed",
		"symbol", v.pos.symbol, "reason", reason, "roi", exit.RealizedROI)
	v.bus.Publish(events.TypeVariantClosed, v.pos.symbol, events.VariantLifecycleEvent{
		VariantID:  v.Params.ID,
		Symbol:     v.pos.symbol,
		Side:       v.pos.entry.Side,
		ExitReason: reason,
		ROI:        exit.RealizedROI.String(),
	})
	v.pos = nil
	return nil
}

// CloseAtMid force-closes an open paper position at the given mid price
// with reason manual. Used by the optimizer on shutdown.
func (v *Variant) CloseAtMid(price float64) {
	if v.pos == nil {
		return
	}
	if err := v.closePosition(decimal.NewFromFloat(price), types.ExitManual); err != nil {
		v.logger.Warn("close at mid failed", "error", err)
	}
}

// HasPosition reports whether a paper position is open, and its symbol.
func (v *Variant) HasPosition() (string, bool) {
	if v.pos == nil {
		return "", false
	}
	return v.pos.symbol, true
}

// Metrics exposes the variant's performance aggregates.
func (v *Variant) Metrics() *Metrics { return v.metrics }

// Trades returns the closed trade records.
func (v *Variant) Trades() []types.TradeRecord { return v.trades }

// BreakerOpen reports the circuit-breaker state.
func (v *Variant) BreakerOpen() bool { return v.breakerOpen }

// LastError returns the most recent contained error.
func (v *Variant) LastError() error { return v.lastErr }
