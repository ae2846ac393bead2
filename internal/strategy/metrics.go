package strategy

import (
	"math"

	"github.com/shopspring/decimal"
)

// tradingDaysPerYear annualizes the per-trade Sharpe ratio.
const tradingDaysPerYear = 250

// Metrics accumulates per-variant performance. Not safe for concurrent use;
// each variant owns its metrics and the optimizer reads snapshots.
type Metrics struct {
	StartingBalance decimal.Decimal

	TradesCount int
	WinCount    int
	LossCount   int
	TotalNetPnl decimal.Decimal

	roiSum  decimal.Decimal
	returns []float64 // per-trade ROI percents, in close order

	peak        decimal.Decimal
	maxDrawdown float64
}

// NewMetrics creates metrics tracking equity against startingBalance.
func NewMetrics(startingBalance decimal.Decimal) *Metrics {
	return &Metrics{
		StartingBalance: startingBalance,
		peak:            startingBalance,
	}
}

// RecordTrade folds one closed trade into the aggregates.
func (m *Metrics) RecordTrade(netPnl, roiPercent decimal.Decimal) {
	m.TradesCount++
	if netPnl.Sign() > 0 {
		m.WinCount++
	} else {
		m.LossCount++
	}
	m.TotalNetPnl = m.TotalNetPnl.Add(netPnl)
	m.roiSum = m.roiSum.Add(roiPercent)
	m.returns = append(m.returns, roiPercent.InexactFloat64())

	equity := m.StartingBalance.Add(m.TotalNetPnl)
	if equity.GreaterThan(m.peak) {
		m.peak = equity
	}
	if m.peak.Sign() > 0 {
		dd, _ := m.peak.Sub(equity).Div(m.peak).Float64()
		if dd > m.maxDrawdown {
			m.maxDrawdown = dd
		}
	}
}

// WinRate is wins over trades, zero before any trade.
func (m *Metrics) WinRate() float64 {
	if m.TradesCount == 0 {
		return 0
	}
	return float64(m.WinCount) / float64(m.TradesCount)
}

// AvgROI is the mean per-trade ROI percent.
func (m *Metrics) AvgROI() float64 {
	if m.TradesCount == 0 {
		return 0
	}
	avg, _ := m.roiSum.Div(decimal.NewFromInt(int64(m.TradesCount))).Float64()
	return avg
}

// Sharpe is the per-trade Sharpe ratio annualized by √250. Zero when the
// return series is shorter than two or has no variance.
func (m *Metrics) Sharpe() float64 {
	if len(m.returns) < 2 {
		return 0
	}
	mean, stddev := meanStddev(m.returns)
	if stddev == 0 {
		return 0
	}
	return mean / stddev * math.Sqrt(tradingDaysPerYear)
}

// MaxDrawdown is the largest peak-to-trough equity decline as a fraction.
func (m *Metrics) MaxDrawdown() float64 {
	return m.maxDrawdown
}

// Returns exposes a copy of the per-trade ROI series for significance
// testing.
func (m *Metrics) Returns() []float64 {
	out := make([]float64, len(m.returns))
	copy(out, m.returns)
	return out
}

// Equity is startingBalance plus realized net PnL.
func (m *Metrics) Equity() decimal.Decimal {
	return m.StartingBalance.Add(m.TotalNetPnl)
}

func meanStddev(xs []float64) (mean, stddev float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	if len(xs) > 1 {
		stddev = math.Sqrt(sum / float64(len(xs)-1))
	}
	return mean, stddev
}
