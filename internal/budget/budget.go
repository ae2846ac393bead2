// Package budget governs every outbound REST call with a priority-aware
// token bucket. Four classes (critical > high > medium > low) each own a
// bucket refilled on a fixed interval at a headroom-reduced rate; a global
// backoff driven by 429 responses overrides all of them. Critical requests
// may borrow tokens from lower classes and queue; everything else is
// admitted or rejected immediately.
package budget

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
)

// Priority orders request classes from least to most important.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return "unknown"
}

// ErrRejected is returned when a request cannot be admitted: non-critical
// priority with an empty bucket, any non-critical request during backoff, or
// a critical request when the queue is full.
var ErrRejected = errors.New("budget: request rejected")

type bucket struct {
	tokens float64
	max    float64
	rate   float64 // tokens per second after headroom
}

type waiter struct {
	cost    float64
	granted chan struct{}
	gone    bool // cancelled; skip when draining
}

type backoffState struct {
	active     bool
	until      time.Time
	current    time.Duration
	hits429    int
	recoveries int
}

// Manager is the process-wide request budget. Create with New and drive the
// refill loop with Run.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	refillInterval time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	backoffMult    float64

	mu      sync.Mutex
	classes [4]bucket
	queue   []*waiter
	maxQ    int
	backoff backoffState

	tel telemetry
}

// New builds a manager from config. Effective refill rates are reduced by
// the configured headroom so steady-state usage leaves slack for bursts the
// venue meters but we do not.
func New(cfg config.RateBudgetConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		logger:         logger.With("component", "budget"),
		bus:            bus,
		refillInterval: time.Duration(cfg.RefillIntervalMs) * time.Millisecond,
		backoffInitial: time.Duration(cfg.BackoffInitialMs) * time.Millisecond,
		backoffMax:     time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
		backoffMult:    cfg.BackoffMultiplier,
		maxQ:           cfg.QueueSize,
	}
	for p, rate := range map[Priority]float64{
		Critical: cfg.Critical,
		High:     cfg.High,
		Medium:   cfg.Medium,
		Low:      cfg.Low,
	} {
		eff := rate * (1 - cfg.Headroom)
		m.classes[p] = bucket{tokens: eff, max: eff, rate: eff}
	}
	m.tel.init(60 * time.Second)
	return m
}

// Run drives refills and queue draining until ctx is cancelled. Scheduler
// lag (gap between expected and observed tick time) is sampled every tick.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refillInterval)
	defer ticker.Stop()

	metricsTicker := time.NewTicker(10 * time.Second)
	defer metricsTicker.Stop()

	expected := time.Now().Add(m.refillInterval)
	for {
		select {
		case <-ctx.Done():
			m.failWaiters()
			return
		case now := <-ticker.C:
			lag := now.Sub(expected)
			if lag < 0 {
				lag = 0
			}
			expected = now.Add(m.refillInterval)
			m.onTick(now, lag)
		case <-metricsTicker.C:
			snap := m.Snapshot()
			m.bus.Publish(events.TypeTelemetryMetrics, "", snap)
		}
	}
}

// Acquire blocks until the request is admitted, the context is cancelled, or
// the budget rejects it. Cost is in tokens; REST calls cost 1.
func (m *Manager) Acquire(ctx context.Context, p Priority, cost float64) error {
	m.mu.Lock()
	m.tel.requests++
	now := time.Now()

	if m.backoff.active {
		if now.Before(m.backoff.until) {
			if p != Critical {
				m.tel.rejections++
				m.mu.Unlock()
				return ErrRejected
			}
			// critical waits out the backoff in the queue
			w, err := m.enqueueLocked(cost)
			m.mu.Unlock()
			if err != nil {
				return err
			}
			return m.wait(ctx, w)
		}
		m.clearBackoffLocked()
	}

	if m.admitLocked(p, cost) {
		m.mu.Unlock()
		return nil
	}

	if p != Critical {
		m.tel.rejections++
		m.mu.Unlock()
		return ErrRejected
	}

	w, err := m.enqueueLocked(cost)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.wait(ctx, w)
}

// admitLocked debits the class bucket, letting critical borrow from lower
// classes in order high, medium, low. Callers hold mu.
func (m *Manager) admitLocked(p Priority, cost float64) bool {
	if m.classes[p].tokens >= cost {
		m.classes[p].tokens -= cost
		return true
	}
	if p != Critical {
		return false
	}
	for _, donor := range []Priority{High, Medium, Low} {
		if m.classes[donor].tokens >= cost {
			m.classes[donor].tokens -= cost
			return true
		}
	}
	return false
}

func (m *Manager) enqueueLocked(cost float64) (*waiter, error) {
	if len(m.queue) >= m.maxQ {
		m.tel.rejections++
		return nil, ErrRejected
	}
	w := &waiter{cost: cost, granted: make(chan struct{})}
	m.queue = append(m.queue, w)
	return w, nil
}

func (m *Manager) wait(ctx context.Context, w *waiter) error {
	select {
	case <-w.granted:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		w.gone = true
		m.mu.Unlock()
		// The grant may have raced the cancellation; return the tokens.
		select {
		case <-w.granted:
			m.mu.Lock()
			m.classes[Critical].tokens += w.cost
			if m.classes[Critical].tokens > m.classes[Critical].max {
				m.classes[Critical].tokens = m.classes[Critical].max
			}
			m.mu.Unlock()
		default:
		}
		return ctx.Err()
	}
}

func (m *Manager) onTick(now time.Time, lag time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tel.recordLag(now, lag)
	if lag > highLagThreshold {
		m.bus.Publish(events.TypeRateHighLag, "", events.HighLagEvent{
			Lag:       lag,
			Threshold: highLagThreshold,
		})
	}

	perTick := m.refillInterval.Seconds()
	for i := range m.classes {
		b := &m.classes[i]
		b.tokens += b.rate * perTick
		if b.tokens > b.max {
			b.tokens = b.max
		}
	}

	if m.backoff.active {
		if now.Before(m.backoff.until) {
			return
		}
		m.clearBackoffLocked()
	}

	// Drain queued critical waiters FIFO while tokens last.
	kept := m.queue[:0]
	for i, w := range m.queue {
		if w.gone {
			continue
		}
		if m.admitLocked(Critical, w.cost) {
			close(w.granted)
			continue
		}
		kept = append(kept, m.queue[i:]...)
		break
	}
	m.queue = kept
}

// Report429 escalates the global backoff. Each hit multiplies the current
// backoff, clamped to [initial, max], and pushes backoffUntil forward.
func (m *Manager) Report429() {
	m.mu.Lock()
	now := time.Now()
	m.tel.hits429++
	if !m.backoff.active {
		m.backoff.current = m.backoffInitial
	} else {
		m.backoff.current = time.Duration(float64(m.backoff.current) * m.backoffMult)
		if m.backoff.current > m.backoffMax {
			m.backoff.current = m.backoffMax
		}
	}
	if m.backoff.current < m.backoffInitial {
		m.backoff.current = m.backoffInitial
	}
	m.backoff.active = true
	m.backoff.until = now.Add(m.backoff.current)
	m.backoff.hits429++
	dur, until, hits := m.backoff.current, m.backoff.until, m.backoff.hits429
	m.mu.Unlock()

	m.logger.Warn("rate limited, entering backoff",
		"backoff", dur, "until", until.Format(time.RFC3339), "hits", hits)
	m.bus.Publish(events.TypeRateBackoff, "", events.BackoffEvent{
		Duration: dur,
		Count:    hits,
		Until:    until,
	})
}

// ReportRecovery exits backoff cleanly after the venue confirms recovery.
func (m *Manager) ReportRecovery() {
	m.mu.Lock()
	if !m.backoff.active {
		m.mu.Unlock()
		return
	}
	after := m.backoff.current
	m.clearBackoffLocked()
	m.tel.recoveries++
	m.backoff.recoveries++
	hits := m.backoff.hits429
	m.mu.Unlock()

	m.logger.Info("rate limit recovered", "after_backoff", after, "total_hits", hits)
	m.bus.Publish(events.TypeRateRecovery, "", events.RecoveryEvent{
		AfterBackoff: after,
		TotalHits:    hits,
	})
}

// clearBackoffLocked resets the active backoff. Callers hold mu.
func (m *Manager) clearBackoffLocked() {
	m.backoff.active = false
	m.backoff.until = time.Time{}
	m.backoff.current = 0
}

// ReportReconnect counts a market-feed reconnect into the telemetry window.
func (m *Manager) ReportReconnect() {
	m.mu.Lock()
	m.tel.reconnects++
	total := m.tel.reconnects
	m.mu.Unlock()
	m.bus.Publish(events.TypeRateReconnect, "", events.ReconnectEvent{Total: total})
}

// RecordLatency folds a completed REST call's latency into the window.
func (m *Manager) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.tel.recordLatency(time.Now(), d)
	m.mu.Unlock()
}

// RecordMessageGap folds the inter-arrival gap of consecutive market
// messages into the jitter window, flagging sustained jitter above
// threshold.
func (m *Manager) RecordMessageGap(gap time.Duration) {
	m.mu.Lock()
	m.tel.recordGap(time.Now(), gap)
	mean, stddev := m.tel.jitter(time.Now())
	m.mu.Unlock()

	if stddev > highJitterThresholdMs {
		m.bus.Publish(events.TypeRateHighJitter, "", events.HighJitterEvent{
			Mean:      mean,
			Stddev:    stddev,
			Threshold: highJitterThresholdMs,
		})
	}
}

// failWaiters releases all queued waiters on shutdown. They observe the
// closed channel as a grant but their contexts are cancelled too, so the
// race resolves in wait.
func (m *Manager) failWaiters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.queue {
		if !w.gone {
			close(w.granted)
		}
	}
	m.queue = nil
}

// InBackoff reports whether the global backoff is currently holding.
func (m *Manager) InBackoff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.active && time.Now().Before(m.backoff.until)
}
