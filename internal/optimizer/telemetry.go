package optimizer

import (
	"context"
	"runtime"
	"time"

	"perp-orchestrator/internal/events"
)

// TelemetrySnapshot is the periodic optimizer health report.
type TelemetrySnapshot struct {
	Status      Status               `json:"status"`
	Performance []VariantPerformance `json:"performance"`

	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// telemetryLoop publishes aggregate and per-variant metrics every publish
// interval, and announces variants that newly clear the promotion gate.
func (c *Controller) telemetryLoop(ctx context.Context) {
	interval := time.Duration(c.cfg.PublishIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishTelemetry()
		}
	}
}

func (c *Controller) publishTelemetry() {
	c.mu.Lock()
	snap := TelemetrySnapshot{
		Status:       c.statusLocked(),
		Performance:  c.performanceLocked(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	// Announce promotions exactly once per variant.
	for _, v := range c.variants {
		if c.announced[v.Params.ID] {
			continue
		}
		d := evaluatePromotion(v.Metrics(), c.cfg.Promotion)
		if !d.Eligible {
			continue
		}
		c.announced[v.Params.ID] = true
		c.logger.Info("variant promotion eligible",
			"variant_id", v.Params.ID, "score", d.Score, "z", d.ZScore)
		c.bus.Publish(events.TypePromotionEligible, "", events.PromotionEvent{
			VariantID: v.Params.ID,
			Score:     d.Score,
			ZScore:    d.ZScore,
		})
	}
	c.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocBytes = ms.HeapAlloc
	snap.SysBytes = ms.Sys

	c.bus.Publish(events.TypeTelemetryMetrics, "", snap)
}
