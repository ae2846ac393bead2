package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/optimizer"
	"perp-orchestrator/internal/risk"
	"perp-orchestrator/internal/store"
	"perp-orchestrator/internal/strategy"
)

func testServer(t *testing.T) (*Server, *risk.Manager, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()
	bm := budget.New(config.RateBudgetConfig{
		Critical: 10, High: 5, Medium: 3, Low: 1,
		Headroom: 0, QueueSize: 8, RefillIntervalMs: 100,
		BackoffInitialMs: 1000, BackoffMaxMs: 60000, BackoffMultiplier: 2,
	}, bus, logger)
	riskMgr := risk.NewManager(0, bus, logger)
	account := store.NewAccountStore()
	opt := optimizer.NewController(config.OptimizerConfig{
		Enabled:               true,
		MaxConcurrentVariants: 2,
		Profiles:              []config.ProfileConfig{{Name: "test", Leverage: 10, PositionSizePercent: 0.5, EntryThreshold: 0.7}},
	}, strategy.VariantConfig{}, nil, store.NewMarketStore(), bus, logger)

	return NewServer(config.APIConfig{Port: 0}, opt, riskMgr, bm, account, bus, logger), riskMgr, bus
}

func TestHealthReflectsHalt(t *testing.T) {
	t.Parallel()
	s, riskMgr, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s, want status ok", rec.Body.String())
	}

	riskMgr.Halt("test")
	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), `"status":"halted"`) {
		t.Errorf("body = %s, want status halted", rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	s, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Time.IsZero() {
		t.Error("missing timestamp")
	}
	if len(resp.Budget.Classes) != 4 {
		t.Errorf("budget classes = %d, want 4", len(resp.Budget.Classes))
	}
}

func TestResumeRequiresPost(t *testing.T) {
	t.Parallel()
	s, riskMgr, _ := testServer(t)
	riskMgr.Halt("drift")

	rec := httptest.NewRecorder()
	s.handleResume(rec, httptest.NewRequest(http.MethodGet, "/api/resume", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code = %d, want 405", rec.Code)
	}
	if !riskMgr.IsHalted() {
		t.Fatal("GET must not resume")
	}

	rec = httptest.NewRecorder()
	s.handleResume(rec, httptest.NewRequest(http.MethodPost, "/api/resume", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST code = %d", rec.Code)
	}
	if riskMgr.IsHalted() {
		t.Error("POST did not resume")
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	s, _, bus := testServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleEvents(rec, req)
		close(done)
	}()

	// Let the handler subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.TypeStopReplaced, "XBTUSDTM", events.StopReplacedEvent{
		Symbol: "XBTUSDTM", NewPrice: "50005",
	})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: stop:replaced") {
		t.Errorf("stream body = %q, want stop:replaced event", body)
	}
	if !strings.Contains(body, "50005") {
		t.Errorf("stream body = %q, want payload", body)
	}
}
