package budget

import (
	"math"
	"sort"
	"time"
)

const (
	highLagThreshold      = 250 * time.Millisecond
	highJitterThresholdMs = 500.0
)

type sample struct {
	at time.Time
	v  float64
}

// telemetry keeps rolling-window samples and lifetime counters. All access
// happens under the manager's mutex.
type telemetry struct {
	window time.Duration

	latencies []sample // ms
	lags      []sample // ms
	gaps      []sample // ms
	lastTick  time.Time

	requests   int
	rejections int
	hits429    int
	recoveries int
	reconnects int
}

func (t *telemetry) init(window time.Duration) {
	t.window = window
}

func (t *telemetry) recordLatency(now time.Time, d time.Duration) {
	t.latencies = appendTrimmed(t.latencies, now, float64(d.Milliseconds()), t.window)
}

func (t *telemetry) recordLag(now time.Time, lag time.Duration) {
	t.lastTick = now
	t.lags = appendTrimmed(t.lags, now, float64(lag.Milliseconds()), t.window)
}

func (t *telemetry) recordGap(now time.Time, gap time.Duration) {
	t.gaps = appendTrimmed(t.gaps, now, float64(gap.Milliseconds()), t.window)
}

func (t *telemetry) jitter(now time.Time) (mean, stddev float64) {
	t.gaps = trim(t.gaps, now, t.window)
	return meanStddev(t.gaps)
}

func appendTrimmed(s []sample, now time.Time, v float64, window time.Duration) []sample {
	s = trim(s, now, window)
	return append(s, sample{at: now, v: v})
}

func trim(s []sample, now time.Time, window time.Duration) []sample {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

func percentiles(s []sample, ps ...float64) []float64 {
	out := make([]float64, len(ps))
	if len(s) == 0 {
		return out
	}
	vals := make([]float64, len(s))
	for i, x := range s {
		vals[i] = x.v
	}
	sort.Float64s(vals)
	for i, p := range ps {
		idx := int(math.Ceil(p/100*float64(len(vals)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(vals) {
			idx = len(vals) - 1
		}
		out[i] = vals[idx]
	}
	return out
}

func meanStddev(s []sample) (mean, stddev float64) {
	if len(s) == 0 {
		return 0, 0
	}
	for _, x := range s {
		mean += x.v
	}
	mean /= float64(len(s))
	if len(s) < 2 {
		return mean, 0
	}
	var sum float64
	for _, x := range s {
		d := x.v - mean
		sum += d * d
	}
	return mean, math.Sqrt(sum / float64(len(s)-1))
}

// ClassState is one priority class's bucket level in a snapshot.
type ClassState struct {
	Priority    string  `json:"priority"`
	Tokens      float64 `json:"tokens"`
	MaxTokens   float64 `json:"max_tokens"`
	Utilization float64 `json:"utilization"`
}

// MetricsSnapshot is the rolling-window view published on the bus.
type MetricsSnapshot struct {
	LatencyP50Ms  float64      `json:"latency_p50_ms"`
	LatencyP95Ms  float64      `json:"latency_p95_ms"`
	LatencyP99Ms  float64      `json:"latency_p99_ms"`
	LagP95Ms      float64      `json:"lag_p95_ms"`
	JitterMeanMs  float64      `json:"jitter_mean_ms"`
	JitterStddev  float64      `json:"jitter_stddev_ms"`
	Requests      int          `json:"requests"`
	Rejections    int          `json:"rejections"`
	Hits429       int          `json:"hits_429"`
	Recoveries    int          `json:"recoveries"`
	Reconnects    int          `json:"reconnects"`
	Classes       []ClassState `json:"classes"`
	BackoffActive bool         `json:"backoff_active"`
	StalenessMs   float64      `json:"staleness_ms"`
}

// Snapshot computes the current rolling-window metrics.
func (m *Manager) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.tel.latencies = trim(m.tel.latencies, now, m.tel.window)
	m.tel.lags = trim(m.tel.lags, now, m.tel.window)

	lat := percentiles(m.tel.latencies, 50, 95, 99)
	lag := percentiles(m.tel.lags, 95)
	jMean, jStd := m.tel.jitter(now)

	classes := make([]ClassState, 0, len(m.classes))
	for _, p := range []Priority{Critical, High, Medium, Low} {
		b := m.classes[p]
		util := 0.0
		if b.max > 0 {
			util = 1 - b.tokens/b.max
		}
		classes = append(classes, ClassState{
			Priority:    p.String(),
			Tokens:      b.tokens,
			MaxTokens:   b.max,
			Utilization: util,
		})
	}

	staleness := 0.0
	if !m.tel.lastTick.IsZero() {
		staleness = float64(now.Sub(m.tel.lastTick).Milliseconds())
	}

	return MetricsSnapshot{
		LatencyP50Ms:  lat[0],
		LatencyP95Ms:  lat[1],
		LatencyP99Ms:  lat[2],
		LagP95Ms:      lag[0],
		JitterMeanMs:  jMean,
		JitterStddev:  jStd,
		Requests:      m.tel.requests,
		Rejections:    m.tel.rejections,
		Hits429:       m.tel.hits429,
		Recoveries:    m.tel.recoveries,
		Reconnects:    m.tel.reconnects,
		Classes:       classes,
		BackoffActive: m.backoff.active && now.Before(m.backoff.until),
		StalenessMs:   staleness,
	}
}
