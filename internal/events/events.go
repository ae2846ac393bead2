// Package events carries typed notifications between components and the
// outer surfaces (logging, telemetry, dashboards). Emission is always
// non-blocking: if a subscriber's channel is full the event is dropped and
// counted, never stalling the emitting hot path.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"perp-orchestrator/pkg/types"
)

// Event types published on the bus.
const (
	TypeOptimizerStarted     = "optimizer:started"
	TypeOptimizerStopped     = "optimizer:stopped"
	TypeVariantOpened        = "variant:position_opened"
	TypeVariantClosed        = "variant:position_closed"
	TypeVariantError         = "variant:error"
	TypeBreakerOpened        = "variant:circuit_breaker_opened"
	TypeBreakerClosed        = "variant:circuit_breaker_closed"
	TypePromotionEligible    = "variant:promotion_eligible"
	TypeTelemetryMetrics     = "telemetry:metrics"
	TypeRateBackoff          = "rate:backoff"
	TypeRateRecovery         = "rate:recovery"
	TypeRateReconnect        = "rate:reconnect"
	TypeRateHighLag          = "rate:highLag"
	TypeRateHighJitter       = "rate:highJitter"
	TypeStopReplaced         = "stop:replaced"
	TypeStopEmergency        = "stop:emergency"
	TypeStopCritical         = "stop:critical"
	TypeReconcilerDrift      = "reconciler:drift"
	TypeRiskHalt             = "risk:halt"
)

// Event is the wrapper for everything published on the bus.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Symbol    string      `json:"symbol,omitempty"`
	Data      interface{} `json:"data"`
}

// BackoffEvent is emitted when a 429 pushes the budget into backoff.
type BackoffEvent struct {
	Duration time.Duration `json:"duration"`
	Count    int           `json:"count"`
	Until    time.Time     `json:"until"`
}

// RecoveryEvent is emitted when the exchange confirms recovery.
type RecoveryEvent struct {
	AfterBackoff time.Duration `json:"after_backoff"`
	TotalHits    int           `json:"total_hits"`
}

// ReconnectEvent is emitted on market-feed reconnects.
type ReconnectEvent struct {
	Total int `json:"total"`
}

// HighLagEvent flags scheduler lag above threshold.
type HighLagEvent struct {
	Lag       time.Duration `json:"lag"`
	Threshold time.Duration `json:"threshold"`
}

// HighJitterEvent flags message jitter above threshold.
type HighJitterEvent struct {
	Mean      float64 `json:"mean_ms"`
	Stddev    float64 `json:"stddev_ms"`
	Threshold float64 `json:"threshold_ms"`
}

// StopReplacedEvent records a completed stop replacement.
type StopReplacedEvent struct {
	Symbol   string `json:"symbol"`
	OldPrice string `json:"old_price"`
	NewPrice string `json:"new_price"`
	OrderID  string `json:"order_id"`
	Revision int64  `json:"revision"`
	Reason   string `json:"reason"`
}

// StopEmergencyEvent records an emergency market close. Trade is the
// estimated realized result, fed to the risk manager's daily-loss account.
type StopEmergencyEvent struct {
	Symbol    string            `json:"symbol"`
	ClientOid string            `json:"client_oid"`
	Attempts  int               `json:"attempts"`
	Trade     types.TradeRecord `json:"trade"`
}

// StopCriticalEvent is the unrecoverable case: the position is live with no
// working stop and the emergency close failed too.
type StopCriticalEvent struct {
	Symbol string `json:"symbol"`
	Detail string `json:"detail"`
}

// DriftEvent reports reconciler divergence between local and exchange state.
type DriftEvent struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Score  int    `json:"score"`
	Detail string `json:"detail"`
}

// VariantLifecycleEvent covers open/close/error on a paper variant.
type VariantLifecycleEvent struct {
	VariantID  string          `json:"variant_id"`
	Symbol     string          `json:"symbol"`
	Side       types.Side      `json:"side,omitempty"`
	ExitReason types.ExitReason `json:"exit_reason,omitempty"`
	ROI        string          `json:"roi,omitempty"`
	Err        string          `json:"err,omitempty"`
}

// BreakerEvent covers circuit-breaker transitions on a variant.
type BreakerEvent struct {
	VariantID string        `json:"variant_id"`
	Failures  int           `json:"failures"`
	ResetIn   time.Duration `json:"reset_in,omitempty"`
}

// PromotionEvent is emitted when a variant clears the promotion gate.
type PromotionEvent struct {
	VariantID string  `json:"variant_id"`
	Score     float64 `json:"score"`
	ZScore    float64 `json:"z_score"`
}

// Alert is an operator-facing message with a severity level.
type Alert struct {
	Level   types.AlertLevel `json:"level"`
	Message string           `json:"message"`
}

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks; a full subscriber loses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber registered with Subscribe, so transient
// consumers (one per SSE client, for example) do not accumulate forever.
// The channel is not closed; the caller may still drain buffered events.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(evtType, symbol string, data interface{}) {
	evt := Event{
		Type:      evtType,
		Timestamp: time.Now(),
		Symbol:    symbol,
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
