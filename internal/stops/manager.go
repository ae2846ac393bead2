package stops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/pricing"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/pkg/types"
)

// ReplaceOutcome is what ReplaceStopLoss hands back: either skipped with
// the existing data, or the confirmed replacement.
type ReplaceOutcome struct {
	Skipped   bool
	OrderID   string
	StopPrice decimal.Decimal
}

// VerifyResult reports whether the exchange-side stop matches the desired
// one.
type VerifyResult struct {
	MissingStop      bool
	WrongStop        bool
	CurrentStopPrice decimal.Decimal
	CurrentOrderID   string
}

// Manager converts stop intents into validated, debounced, idempotent
// exchange calls. It owns one Coordinator per symbol and the symbol specs
// used for rounding.
type Manager struct {
	cfg     config.TradingConfig
	api     exchange.Adapter
	budget  *budget.Manager
	account *store.AccountStore
	bus     *events.Bus
	logger  *slog.Logger

	specsMu sync.RWMutex
	specs   map[string]types.SymbolSpecs

	coordMu      sync.Mutex
	coordinators map[string]*Coordinator
	runCtx       context.Context
}

// NewManager creates the stop manager. Coordinators spin up lazily per
// symbol once Run provides their context.
func NewManager(cfg config.TradingConfig, api exchange.Adapter, bm *budget.Manager, account *store.AccountStore, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		api:          api,
		budget:       bm,
		account:      account,
		bus:          bus,
		logger:       logger.With("component", "stop_manager"),
		specs:        make(map[string]types.SymbolSpecs),
		coordinators: make(map[string]*Coordinator),
	}
}

// Run anchors the coordinator workers to ctx and blocks until it is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.coordMu.Lock()
	m.runCtx = ctx
	m.coordMu.Unlock()
	<-ctx.Done()
}

// SetSymbolSpecs stores the tick/lot/multiplier spec for a symbol.
func (m *Manager) SetSymbolSpecs(symbol string, specs types.SymbolSpecs) {
	m.specsMu.Lock()
	defer m.specsMu.Unlock()
	m.specs[symbol] = specs
}

func (m *Manager) symbolSpecs(symbol string) (types.SymbolSpecs, bool) {
	m.specsMu.RLock()
	defer m.specsMu.RUnlock()
	s, ok := m.specs[symbol]
	return s, ok
}

func (m *Manager) coordinator(symbol string) *Coordinator {
	m.coordMu.Lock()
	defer m.coordMu.Unlock()

	if c, ok := m.coordinators[symbol]; ok {
		return c
	}
	c := NewCoordinator(symbol, m.api, m.budget, m.account, m.cfg.StopMaxRetries, m.bus, m.logger)
	m.coordinators[symbol] = c
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go c.Run(ctx)
	return c
}

// EnsureInitialStops places the first protective stop for a fresh position
// using its precomputed initial stop-loss price.
func (m *Manager) EnsureInitialStops(ctx context.Context, position types.Position) (ReplaceOutcome, error) {
	return m.ReplaceStopLoss(ctx, position.Symbol, position.Side, position.RemainingSize,
		position.InitialSL, position.ID, "")
}

// ReplaceStopLoss widens, rounds, debounces and submits a stop-loss
// replacement. existingOrderID is the live stop to cancel first, empty for
// the initial placement.
func (m *Manager) ReplaceStopLoss(ctx context.Context, symbol string, side types.Side, size, stopPrice decimal.Decimal, positionID, existingOrderID string) (ReplaceOutcome, error) {
	specs, ok := m.symbolSpecs(symbol)
	if !ok {
		return ReplaceOutcome{}, &types.InvalidInputError{Op: "ReplaceStopLoss", Reason: "no symbol specs for " + symbol}
	}

	adjusted := m.applySlippageBuffer(side, stopPrice)
	roundedStop, err := pricing.RoundToTickSize(adjusted, specs.TickSize)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	roundedSize, err := pricing.RoundToLotSize(size, specs.LotSize)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	if roundedSize.Sign() <= 0 {
		return ReplaceOutcome{}, &types.InvalidInputError{Op: "ReplaceStopLoss", Reason: "size rounds to zero"}
	}

	if meta, ok := m.account.GetStopMeta(symbol); ok && m.debounced(meta, roundedStop, specs.TickSize) {
		m.logger.Debug("stop replacement debounced",
			"symbol", symbol, "stop", roundedStop, "last", meta.LastStopPrice)
		return ReplaceOutcome{Skipped: true, OrderID: meta.OrderID, StopPrice: meta.LastStopPrice}, nil
	}

	revision := m.account.NextStopRevision(symbol)
	payload := types.StopOrderPayload{
		ClientOid:     types.StopClientOID(symbol, positionID, types.StopKindSL, revision),
		Side:          side.CloseOrderSide(),
		Symbol:        symbol,
		Type:          "market",
		Stop:          side.StopDirection(),
		StopPrice:     roundedStop.String(),
		StopPriceType: m.cfg.StopPriceType,
		Size:          roundedSize.String(),
		ReduceOnly:    true,
	}
	if err := exchange.ValidateStopOrder(payload, side); err != nil {
		return ReplaceOutcome{}, err
	}

	position, _ := m.account.GetPosition(symbol)
	coord := m.coordinator(symbol)
	if existingOrderID != "" {
		coord.SeedCurrentOrder(existingOrderID)
	}

	oldPrice := decimal.Zero
	if meta, ok := m.account.GetStopMeta(symbol); ok {
		oldPrice = meta.LastStopPrice
	}

	result, err := coord.ReplaceStopOrder(ctx, payload, position)
	if err != nil {
		return ReplaceOutcome{}, err
	}

	m.account.RecordStopUpdate(symbol, roundedStop, result.OrderID)
	m.bus.Publish(events.TypeStopReplaced, symbol, events.StopReplacedEvent{
		Symbol:   symbol,
		OldPrice: oldPrice.String(),
		NewPrice: roundedStop.String(),
		OrderID:  result.OrderID,
		Revision: revision,
		Reason:   "replace",
	})
	return ReplaceOutcome{OrderID: result.OrderID, StopPrice: roundedStop}, nil
}

// applySlippageBuffer widens the stop slightly away from price so the
// market order triggered by it fills before the position is past the
// intended level: down for longs, up for shorts.
func (m *Manager) applySlippageBuffer(side types.Side, stop decimal.Decimal) decimal.Decimal {
	buffer := decimal.NewFromFloat(m.cfg.SlippageBufferPercent).Div(decimal.NewFromInt(100))
	if side == types.Long {
		return stop.Mul(decimal.NewFromInt(1).Sub(buffer))
	}
	return stop.Mul(decimal.NewFromInt(1).Add(buffer))
}

// debounced suppresses a replacement that is both recent and small.
func (m *Manager) debounced(meta types.StopMeta, roundedStop, tickSize decimal.Decimal) bool {
	minInterval := time.Duration(m.cfg.StopUpdateMinIntervalMs) * time.Millisecond
	if time.Since(meta.LastUpdate) >= minInterval {
		return false
	}
	minMove := tickSize.Mul(decimal.NewFromInt(int64(m.cfg.StopMinMoveTicks)))
	return roundedStop.Sub(meta.LastStopPrice).Abs().LessThan(minMove)
}

// VerifyStops compares the exchange's open stops for a symbol against the
// desired stop price. Only stops placed by this system (client OID prefix
// match) count.
func (m *Manager) VerifyStops(ctx context.Context, symbol string, desiredStop decimal.Decimal) (VerifyResult, error) {
	if err := m.budget.Acquire(ctx, budget.Medium, 1); err != nil {
		return VerifyResult{}, err
	}
	orders, err := m.api.GetOpenStopOrders(ctx, symbol)
	if err != nil {
		if exchange.IsRateLimited(err) {
			m.budget.Report429()
		}
		return VerifyResult{}, err
	}

	var latest *types.OpenStopOrder
	for i := range orders {
		o := &orders[i]
		if !types.OwnsStopOID(o.ClientOid, symbol) {
			continue
		}
		if latest == nil || o.CreatedAt > latest.CreatedAt {
			latest = o
		}
	}
	if latest == nil {
		return VerifyResult{MissingStop: true}, nil
	}

	current, err := decimal.NewFromString(latest.StopPrice)
	if err != nil {
		return VerifyResult{WrongStop: true, CurrentOrderID: latest.OrderID}, nil
	}

	tolerance := decimal.NewFromFloat(0.00000001)
	if specs, ok := m.symbolSpecs(symbol); ok {
		tolerance = specs.TickSize
	}
	wrong := current.Sub(desiredStop).Abs().GreaterThan(tolerance)
	return VerifyResult{
		WrongStop:        wrong,
		CurrentStopPrice: current,
		CurrentOrderID:   latest.OrderID,
	}, nil
}
