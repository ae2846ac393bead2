// Package metrics registers the orchestrator's Prometheus collectors. The
// engine feeds gauges from periodic snapshots and counters from the event
// bus; the API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rate budget.
	BudgetTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_budget_tokens",
		Help: "Current tokens in a priority class bucket.",
	}, []string{"class"})
	BudgetUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_budget_utilization",
		Help: "Bucket utilization fraction per priority class.",
	}, []string{"class"})
	BudgetBackoffActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_budget_backoff_active",
		Help: "1 while the global 429 backoff is active.",
	})
	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_rate_limit_hits_total",
		Help: "429 responses reported to the budget manager.",
	})
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_feed_reconnects_total",
		Help: "WebSocket feed reconnections.",
	})
	RequestLatencyP95 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_request_latency_p95_ms",
		Help: "p95 REST latency over the rolling telemetry window.",
	})

	// Stops.
	StopsReplaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_stops_replaced_total",
		Help: "Successful stop-loss replacements per symbol.",
	}, []string{"symbol"})
	EmergencyCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_emergency_closes_total",
		Help: "Positions flattened after stop replacement retries ran out.",
	})
	CriticalUnprotected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_critical_unprotected_total",
		Help: "Emergency close failures leaving a position unprotected.",
	})

	// Reconciler.
	DriftScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_drift_score",
		Help: "Current reconciliation drift score.",
	})
	DriftEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_drift_events_total",
		Help: "Drift detections by kind.",
	}, []string{"kind"})
	TradingHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_trading_halted",
		Help: "1 while trading is globally halted.",
	})

	// Optimizer.
	VariantsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_variants_running",
		Help: "Paper trading variants currently instantiated.",
	})
	VariantTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_variant_trades",
		Help: "Closed paper trades across all variants.",
	})
	VariantBreakersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_variant_breakers_open",
		Help: "Variants with an open circuit breaker.",
	})
	PromotionsEligible = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_promotions_eligible_total",
		Help: "Variants that cleared the promotion gate.",
	})
)
