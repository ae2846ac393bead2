package optimizer

import (
	"math"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/strategy"
)

// zCritical95 is the two-sided critical value at the 95% confidence level.
const zCritical95 = 1.96

// PromotionDecision is the outcome of running a variant's metrics through
// the statistical gate.
type PromotionDecision struct {
	Eligible bool

	SampleOK  bool
	WinRateOK bool
	AvgROIOK  bool
	SharpeOK  bool

	Score       float64
	ZScore      float64
	Significant bool

	WinRate float64
	AvgROI  float64
	Sharpe  float64
	Trades  int
}

// evaluatePromotion applies the gate: enough samples, all per-metric
// minimums, a composite score of at least 1 and a statistically significant
// mean return.
func evaluatePromotion(m *strategy.Metrics, cfg config.PromotionConfig) PromotionDecision {
	d := PromotionDecision{
		Trades:  m.TradesCount,
		WinRate: m.WinRate(),
		AvgROI:  m.AvgROI(),
		Sharpe:  m.Sharpe(),
	}

	d.SampleOK = d.Trades >= cfg.MinSampleSize
	if !d.SampleOK {
		return d
	}

	d.WinRateOK = d.WinRate >= cfg.MinWinRate
	d.AvgROIOK = d.AvgROI >= cfg.MinAvgROI
	d.SharpeOK = d.Sharpe >= cfg.MinSharpeRatio

	d.Score = 0.3*safeRatio(d.WinRate, cfg.MinWinRate) +
		0.4*safeRatio(d.AvgROI, cfg.MinAvgROI) +
		0.3*safeRatio(d.Sharpe, cfg.MinSharpeRatio)

	d.ZScore, d.Significant = significance(m.Returns())

	d.Eligible = d.WinRateOK && d.AvgROIOK && d.SharpeOK &&
		d.Score >= 1.0 && d.Significant
	return d
}

// significance runs a one-sample z-test on the mean per-trade return.
// A degenerate series with zero variance is significant iff its mean is
// nonzero.
func significance(returns []float64) (z float64, significant bool) {
	n := len(returns)
	if n == 0 {
		return 0, false
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var sum float64
	for _, r := range returns {
		d := r - mean
		sum += d * d
	}
	var stddev float64
	if n > 1 {
		stddev = math.Sqrt(sum / float64(n-1))
	}

	if stddev == 0 {
		if mean != 0 {
			return math.Inf(sign(mean)), true
		}
		return 0, false
	}

	z = mean / (stddev / math.Sqrt(float64(n)))
	return z, math.Abs(z) >= zCritical95
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}

func safeRatio(v, min float64) float64 {
	if min == 0 {
		return 0
	}
	return v / min
}
