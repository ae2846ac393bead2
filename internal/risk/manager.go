// Package risk owns the global trading halt. The reconciler pulls the
// switch on drift, the daily loss limit pulls it on realized PnL, and the
// engine consults it before touching the live account. Resuming after a
// halt is a manual operation.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/events"
	"perp-orchestrator/pkg/types"
)

// Status describes the halt switch for operators.
type Status struct {
	Halted      bool      `json:"halted"`
	Reason      string    `json:"reason,omitempty"`
	HaltedAt    time.Time `json:"halted_at,omitempty"`
	RealizedPnl string    `json:"realized_pnl"`
	TradesToday int       `json:"trades_today"`
}

// Manager tracks realized PnL on the live account and the global halt
// switch. Trade reports arrive on a channel so the live trading path never
// blocks on risk bookkeeping.
type Manager struct {
	maxDailyLoss decimal.Decimal // zero disables the loss limit
	bus          *events.Bus
	logger       *slog.Logger

	mu          sync.RWMutex
	halted      bool
	reason      string
	haltedAt    time.Time
	realizedPnl decimal.Decimal
	tradeCount  int
	dayStart    time.Time

	reportCh chan types.TradeRecord
}

// NewManager creates the halt manager. maxDailyLoss is a positive amount of
// account currency; zero disables the daily loss check.
func NewManager(maxDailyLoss float64, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		maxDailyLoss: decimal.NewFromFloat(maxDailyLoss),
		bus:          bus,
		logger:       logger.With("component", "risk"),
		dayStart:     time.Now(),
		reportCh:     make(chan types.TradeRecord, 100),
	}
}

// Run consumes trade reports until ctx is cancelled.
func (rm *Manager) Run(ctx context.Context) {
	// The day boundary check rides on a ticker so PnL resets even when no
	// trades arrive.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-rm.reportCh:
			rm.processTrade(trade)
		case <-ticker.C:
			rm.rollDay()
		}
	}
}

// Report submits a closed live trade (non-blocking). Paper trades must not
// be reported here.
func (rm *Manager) Report(trade types.TradeRecord) {
	if trade.Experimental {
		return
	}
	select {
	case rm.reportCh <- trade:
	default:
		rm.logger.Warn("risk report channel full, dropping trade", "symbol", trade.Symbol)
	}
}

// Halt engages the global halt switch. Safe to call repeatedly; the first
// reason wins.
func (rm *Manager) Halt(reason string) {
	rm.mu.Lock()
	if rm.halted {
		rm.mu.Unlock()
		return
	}
	rm.halted = true
	rm.reason = reason
	rm.haltedAt = time.Now()
	rm.mu.Unlock()

	rm.logger.Error("TRADING HALTED", "reason", reason)
	rm.bus.Publish(events.TypeRiskHalt, "", events.Alert{
		Level:   types.AlertCritical,
		Message: "trading halted: " + reason,
	})
}

// Resume releases the halt. Intended for a human, via the API server.
func (rm *Manager) Resume() {
	rm.mu.Lock()
	wasHalted := rm.halted
	rm.halted = false
	rm.reason = ""
	rm.mu.Unlock()

	if wasHalted {
		rm.logger.Warn("trading resumed by operator")
	}
}

// IsHalted reports the switch state.
func (rm *Manager) IsHalted() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.halted
}

// GetStatus returns a snapshot for the status API.
func (rm *Manager) GetStatus() Status {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return Status{
		Halted:      rm.halted,
		Reason:      rm.reason,
		HaltedAt:    rm.haltedAt,
		RealizedPnl: rm.realizedPnl.StringFixed(4),
		TradesToday: rm.tradeCount,
	}
}

func (rm *Manager) processTrade(trade types.TradeRecord) {
	rm.mu.Lock()
	rm.realizedPnl = rm.realizedPnl.Add(trade.NetPnl)
	rm.tradeCount++
	pnl := rm.realizedPnl
	rm.mu.Unlock()

	if rm.maxDailyLoss.Sign() > 0 && pnl.Neg().GreaterThan(rm.maxDailyLoss) {
		rm.Halt(fmt.Sprintf("daily loss limit breached: %s", pnl.StringFixed(2)))
	}
}

// rollDay resets the daily PnL window at local midnight. The halt switch is
// deliberately not released by the rollover.
func (rm *Manager) rollDay() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	if now.YearDay() == rm.dayStart.YearDay() && now.Year() == rm.dayStart.Year() {
		return
	}
	rm.dayStart = now
	rm.realizedPnl = decimal.Zero
	rm.tradeCount = 0
}
