package optimizer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/internal/strategy"
	"perp-orchestrator/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testOptimizerConfig() config.OptimizerConfig {
	return config.OptimizerConfig{
		Enabled:               true,
		PaperTrading:          true,
		MaxConcurrentVariants: 12,
		StartingBalance:       10000,
		PublishIntervalMs:     50,
		Profiles: []config.ProfileConfig{
			{Name: "conservative", Leverage: 5, PositionSizePercent: 0.5, EntryThreshold: 0.8},
			{Name: "aggressive", Leverage: 20, PositionSizePercent: 1.0, EntryThreshold: 0.6},
		},
		Leverage:     config.VariationsConfig{Variations: []float64{5, 10, 20}},
		PositionSize: config.VariationsConfig{Variations: []float64{0.5, 1.0}},
		Threshold:    config.VariationsConfig{Variations: []float64{0.7}},
		Promotion: config.PromotionConfig{
			MinSampleSize:   20,
			MinWinRate:      0.55,
			MinAvgROI:       1.0,
			MinSharpeRatio:  1.0,
			ConfidenceLevel: 0.95,
		},
		ErrorHandling: config.ErrorHandlingConfig{
			CircuitBreakerThreshold: 5,
			CircuitBreakerResetMs:   300000,
		},
	}
}

func testVariantConfig() strategy.VariantConfig {
	return strategy.VariantConfig{
		StartingBalance: dec("10000"),
		InitialSLRoi:    dec("0.5"),
		InitialTPRoi:    dec("2.0"),
		MakerFee:        dec("0.0002"),
		TakerFee:        dec("0.0006"),
		SlippagePercent: dec("0.02"),
		Trailing: strategy.TrailingPolicy{
			BreakEvenBuffer: dec("0.1"),
			StepPercent:     dec("0.15"),
			MovePercent:     dec("0.05"),
		},
		PaperTrading:     true,
		BreakerThreshold: 5,
		BreakerReset:     time.Minute,
	}
}

func testController(signalFn strategy.SignalFunc) (*Controller, *store.MarketStore) {
	market := store.NewMarketStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewController(testOptimizerConfig(), testVariantConfig(), signalFn, market, events.NewBus(), logger)
	return c, market
}

func alwaysLong(string, map[string]float64, float64) strategy.Signal {
	return strategy.Signal{Type: types.SignalStrongBuy, Score: 1.0}
}

func neverTrade(string, map[string]float64, float64) strategy.Signal {
	return strategy.Signal{Type: types.SignalNeutral, Score: 0.0}
}

// ————————————————————————————————————————————————————————————————————————
// Variant generation
// ————————————————————————————————————————————————————————————————————————

func TestGenerateVariantsDefaultsFirst(t *testing.T) {
	t.Parallel()
	cfg := testOptimizerConfig()
	cfg.MaxConcurrentVariants = 100

	params := generateVariants(cfg)

	require.GreaterOrEqual(t, len(params), 2)
	assert.Equal(t, "conservative", params[0].Profile)
	assert.Empty(t, params[0].Dimension)
	assert.Equal(t, "aggressive", params[1].Profile)
	assert.Empty(t, params[1].Dimension)

	// Conservative (lev 5): ablations 10, 20. Aggressive (lev 20): 5, 10.
	// Position size: one non-default each. Threshold: one each.
	// 2 defaults + 4 leverage + 2 size + 2 threshold = 10.
	assert.Len(t, params, 10)
}

func TestGenerateVariantsSkipsProfileValue(t *testing.T) {
	t.Parallel()
	cfg := testOptimizerConfig()
	cfg.MaxConcurrentVariants = 100

	for _, p := range generateVariants(cfg) {
		if p.Dimension != "leverage" {
			continue
		}
		for _, prof := range cfg.Profiles {
			if prof.Name == p.Profile {
				assert.NotEqual(t, prof.Leverage, p.Leverage,
					"ablation %s duplicates the profile default", p.ID)
			}
		}
	}
}

func TestGenerateVariantsCapped(t *testing.T) {
	t.Parallel()
	cfg := testOptimizerConfig()
	cfg.MaxConcurrentVariants = 3

	params := generateVariants(cfg)
	require.Len(t, params, 3)
	// The cap keeps defaults, which come first.
	assert.Empty(t, params[0].Dimension)
	assert.Empty(t, params[1].Dimension)
}

func TestVariantIDsUnique(t *testing.T) {
	t.Parallel()
	cfg := testOptimizerConfig()
	cfg.MaxConcurrentVariants = 100

	seen := make(map[string]bool)
	for _, p := range generateVariants(cfg) {
		assert.False(t, seen[p.ID], "duplicate id %s", p.ID)
		seen[p.ID] = true
	}
}

// ————————————————————————————————————————————————————————————————————————
// Promotion gate
// ————————————————————————————————————————————————————————————————————————

func metricsWith(trades []float64) *strategy.Metrics {
	m := strategy.NewMetrics(dec("10000"))
	for _, roi := range trades {
		// Net PnL sign mirrors ROI sign; magnitude is irrelevant to the gate.
		m.RecordTrade(decimal.NewFromFloat(roi), decimal.NewFromFloat(roi))
	}
	return m
}

func TestPromotionRequiresSampleSize(t *testing.T) {
	t.Parallel()
	m := metricsWith([]float64{2, 2, 2, 2, 2})

	d := evaluatePromotion(m, testOptimizerConfig().Promotion)
	assert.False(t, d.SampleOK)
	assert.False(t, d.Eligible)
}

func TestPromotionEligibleVariant(t *testing.T) {
	t.Parallel()
	// 24 trades, 75% wins, mean ROI ~1.9%, modest variance.
	var rois []float64
	for i := 0; i < 18; i++ {
		rois = append(rois, 3.0)
	}
	for i := 0; i < 6; i++ {
		rois = append(rois, -1.4)
	}
	m := metricsWith(rois)

	d := evaluatePromotion(m, testOptimizerConfig().Promotion)
	assert.True(t, d.SampleOK)
	assert.True(t, d.WinRateOK)
	assert.True(t, d.AvgROIOK)
	assert.True(t, d.SharpeOK, "sharpe = %v", d.Sharpe)
	assert.True(t, d.Significant, "z = %v", d.ZScore)
	assert.GreaterOrEqual(t, d.Score, 1.0)
	assert.True(t, d.Eligible)
}

func TestPromotionRejectsLowWinRate(t *testing.T) {
	t.Parallel()
	var rois []float64
	for i := 0; i < 10; i++ {
		rois = append(rois, 5.0)
	}
	for i := 0; i < 10; i++ {
		rois = append(rois, -0.5)
	}
	m := metricsWith(rois)

	d := evaluatePromotion(m, testOptimizerConfig().Promotion)
	assert.False(t, d.WinRateOK)
	assert.False(t, d.Eligible)
}

func TestSignificanceZeroVariance(t *testing.T) {
	t.Parallel()

	z, sig := significance([]float64{2, 2, 2, 2})
	assert.True(t, sig, "constant nonzero mean must be significant")
	assert.True(t, z > 0)

	_, sig = significance([]float64{0, 0, 0})
	assert.False(t, sig, "zero mean with zero variance is not significant")
}

// Increasing the sample size for a fixed distribution never loses
// significance when mean and stddev are unchanged.
func TestSignificanceMonotonicInSampleSize(t *testing.T) {
	t.Parallel()
	base := []float64{3, 3, 3, -1.4, 3, -1.4}

	wasSignificant := false
	series := base
	for rep := 0; rep < 5; rep++ {
		_, sig := significance(series)
		if wasSignificant {
			assert.True(t, sig, "significance lost at n=%d", len(series))
		}
		if sig {
			wasSignificant = true
		}
		series = append(append([]float64{}, series...), base...)
	}
	assert.True(t, wasSignificant, "series never reached significance")
}

// ————————————————————————————————————————————————————————————————————————
// Controller lifecycle
// ————————————————————————————————————————————————————————————————————————

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := testController(neverTrade)
	defer c.Stop()

	c.Start(context.Background())
	first := c.GetStatus()
	c.Start(context.Background())
	second := c.GetStatus()

	assert.True(t, first.Running)
	assert.Equal(t, first.VariantCount, second.VariantCount)
	assert.Equal(t, first.StartedAt, second.StartedAt)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := testController(neverTrade)

	c.Start(context.Background())
	c.Stop()
	c.Stop()

	assert.False(t, c.GetStatus().Running)
}

func TestFanOutReachesAllVariants(t *testing.T) {
	t.Parallel()
	c, _ := testController(alwaysLong)
	defer c.Stop()

	c.Start(context.Background())
	c.OnMarketUpdate("XBTUSDTM", nil, 50000)

	status := c.GetStatus()
	assert.Equal(t, status.VariantCount, status.OpenPositions,
		"every variant should open on a strong signal")
}

func TestStopClosesOpenPositionsManually(t *testing.T) {
	t.Parallel()
	c, market := testController(alwaysLong)

	c.Start(context.Background())
	c.OnMarketUpdate("XBTUSDTM", nil, 50000)
	market.UpdateFromOrderBook("XBTUSDTM", 50019, 50021, 1)

	c.Stop()

	results := c.GetResults()
	require.NotEmpty(t, results)
	for id, trades := range results {
		require.Len(t, trades, 1, "variant %s", id)
		assert.Equal(t, types.ExitManual, trades[0].ExitReason)
	}
	assert.Zero(t, c.GetStatus().OpenPositions)
}

func TestPerformanceComparisonSorted(t *testing.T) {
	t.Parallel()
	c, _ := testController(alwaysLong)
	defer c.Stop()

	c.Start(context.Background())
	c.OnMarketUpdate("XBTUSDTM", nil, 50000)
	c.OnMarketUpdate("XBTUSDTM", nil, 51000) // drives everyone through TP

	rows := c.GetPerformanceComparison()
	require.NotEmpty(t, rows)
	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i-1].Score, rows[i].Score)
	}
}

func TestExportSnapshot(t *testing.T) {
	t.Parallel()
	c, _ := testController(neverTrade)
	defer c.Stop()

	c.Start(context.Background())
	snap := c.ExportSnapshot()

	assert.True(t, snap.Status.Running)
	assert.Len(t, snap.Performance, snap.Status.VariantCount)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestPromotionAnnouncedOnce(t *testing.T) {
	t.Parallel()
	market := store.NewMarketStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()
	sub := bus.Subscribe(64)

	cfg := testOptimizerConfig()
	cfg.MaxConcurrentVariants = 1
	cfg.Profiles = cfg.Profiles[:1]
	c := NewController(cfg, testVariantConfig(), alwaysLong, market, bus, logger)
	c.Start(context.Background())
	defer c.Stop()

	// Mostly winning round trips, one stop-out so the return series has
	// variance and the Sharpe ratio is defined.
	for i := 0; i < 25; i++ {
		c.OnMarketUpdate("XBTUSDTM", nil, 50000)
		if i == 0 {
			c.OnMarketUpdate("XBTUSDTM", nil, 49000)
		} else {
			c.OnMarketUpdate("XBTUSDTM", nil, 51000)
		}
	}

	c.publishTelemetry()
	c.publishTelemetry()

	eligible := 0
	for done := false; !done; {
		select {
		case evt := <-sub:
			if evt.Type == events.TypePromotionEligible {
				eligible++
			}
		default:
			done = true
		}
	}
	assert.Equal(t, 1, eligible, "promotion must be announced exactly once")
}
