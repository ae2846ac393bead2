// Package optimizer runs many paper-trading strategy variants in parallel
// against live market data and gates the best performers behind a
// statistical promotion test.
package optimizer

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/internal/strategy"
	"perp-orchestrator/pkg/types"
)

// Status is a point-in-time view of the controller.
type Status struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	VariantCount  int       `json:"variant_count"`
	OpenPositions int       `json:"open_positions"`
	BreakersOpen  int       `json:"breakers_open"`
	TotalTrades   int       `json:"total_trades"`
}

// VariantPerformance is one row of the performance comparison.
type VariantPerformance struct {
	VariantID   string  `json:"variant_id"`
	Profile     string  `json:"profile"`
	Dimension   string  `json:"dimension,omitempty"`
	Trades      int     `json:"trades"`
	WinRate     float64 `json:"win_rate"`
	AvgROI      float64 `json:"avg_roi"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
	NetPnl      string  `json:"net_pnl"`
	Equity      string  `json:"equity"`
	Score       float64 `json:"score"`
	Eligible    bool    `json:"eligible"`
}

// Snapshot is the exportable state of the whole optimizer run.
type Snapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Status      Status               `json:"status"`
	Performance []VariantPerformance `json:"performance"`
}

// Controller owns the variant set. All variant access is serialized through
// its mutex: market fan-out, telemetry reads and shutdown never overlap.
type Controller struct {
	cfg      config.OptimizerConfig
	vcfg     strategy.VariantConfig
	signalFn strategy.SignalFunc
	market   *store.MarketStore
	bus      *events.Bus
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	variants  []*strategy.Variant
	announced map[string]bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewController creates an optimizer controller. Variants are not built
// until Start.
func NewController(cfg config.OptimizerConfig, vcfg strategy.VariantConfig, signalFn strategy.SignalFunc, market *store.MarketStore, bus *events.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		vcfg:      vcfg,
		signalFn:  signalFn,
		market:    market,
		bus:       bus,
		logger:    logger.With("component", "optimizer"),
		announced: make(map[string]bool),
	}
}

// Start generates the variant set and begins the telemetry loop. Calling it
// while running is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	params := generateVariants(c.cfg)
	c.variants = c.variants[:0]
	for _, p := range params {
		c.variants = append(c.variants,
			strategy.NewVariant(p, c.vcfg, c.signalFn, variantSeed(p.ID), c.bus, c.logger))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startedAt = time.Now()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.telemetryLoop(runCtx)
	}()

	c.logger.Info("optimizer started", "variants", len(c.variants))
	c.bus.Publish(events.TypeOptimizerStarted, "", map[string]int{"variants": len(c.variants)})
}

// Stop cancels telemetry and closes every open paper position at the last
// known mid. Calling it while stopped is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.variants {
		symbol, open := v.HasPosition()
		if !open {
			continue
		}
		tick, ok := c.market.GetTick(symbol)
		if !ok {
			c.logger.Warn("no market data to close paper position", "symbol", symbol)
			continue
		}
		v.CloseAtMid(tick.Mid())
	}

	c.logger.Info("optimizer stopped")
	c.bus.Publish(events.TypeOptimizerStopped, "", nil)
}

// OnMarketUpdate fans one tick out to every variant in generation order.
// Variant failures are contained by the variants themselves.
func (c *Controller) OnMarketUpdate(symbol string, indicators map[string]float64, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	for _, v := range c.variants {
		v.ProcessTick(symbol, indicators, price)
	}
}

// GetStatus summarizes the controller.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	s := Status{
		Running:      c.running,
		StartedAt:    c.startedAt,
		VariantCount: len(c.variants),
	}
	for _, v := range c.variants {
		if _, open := v.HasPosition(); open {
			s.OpenPositions++
		}
		if v.BreakerOpen() {
			s.BreakersOpen++
		}
		s.TotalTrades += v.Metrics().TradesCount
	}
	return s
}

// GetPerformanceComparison returns one row per variant, best composite
// score first.
func (c *Controller) GetPerformanceComparison() []VariantPerformance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.performanceLocked()
}

func (c *Controller) performanceLocked() []VariantPerformance {
	rows := make([]VariantPerformance, 0, len(c.variants))
	for _, v := range c.variants {
		m := v.Metrics()
		d := evaluatePromotion(m, c.cfg.Promotion)
		rows = append(rows, VariantPerformance{
			VariantID:   v.Params.ID,
			Profile:     v.Params.Profile,
			Dimension:   v.Params.Dimension,
			Trades:      m.TradesCount,
			WinRate:     m.WinRate(),
			AvgROI:      m.AvgROI(),
			Sharpe:      m.Sharpe(),
			MaxDrawdown: m.MaxDrawdown(),
			NetPnl:      m.TotalNetPnl.StringFixed(4),
			Equity:      m.Equity().StringFixed(4),
			Score:       d.Score,
			Eligible:    d.Eligible,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
	return rows
}

// GetResults returns closed trades per variant ID.
func (c *Controller) GetResults() map[string][]types.TradeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]types.TradeRecord, len(c.variants))
	for _, v := range c.variants {
		trades := v.Trades()
		cp := make([]types.TradeRecord, len(trades))
		copy(cp, trades)
		out[v.Params.ID] = cp
	}
	return out
}

// ExportSnapshot packages status and per-variant performance for dumping.
func (c *Controller) ExportSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now(),
		Status:      c.statusLocked(),
		Performance: c.performanceLocked(),
	}
}

// EvaluatePromotion runs the gate for one variant.
func (c *Controller) EvaluatePromotion(variantID string) (PromotionDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.variants {
		if v.Params.ID == variantID {
			return evaluatePromotion(v.Metrics(), c.cfg.Promotion), true
		}
	}
	return PromotionDecision{}, false
}

// variantSeed derives a stable simulator seed from the variant ID, so a
// variant's paper fills are reproducible within a run.
func variantSeed(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}
