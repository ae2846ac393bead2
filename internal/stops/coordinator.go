// Package stops owns protective stop orders on the live account: the
// per-symbol replace coordinator (cancel-then-place with retries and
// emergency escalation) and the stop manager that turns trailing intents
// into validated, debounced, idempotent exchange calls.
package stops

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/exchange"
	"perp-orchestrator/internal/pricing"
	"perp-orchestrator/pkg/types"
)

// State is the coordinator's replacement state machine position.
type State int

const (
	Idle State = iota
	Canceling
	Placing
	Confirmed
	EmergencyClosing
	CriticalUnprotected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Canceling:
		return "canceling"
	case Placing:
		return "placing"
	case Confirmed:
		return "confirmed"
	case EmergencyClosing:
		return "emergency_closing"
	case CriticalUnprotected:
		return "critical_unprotected"
	}
	return "unknown"
}

// UnprotectedError reports that a position lost its stop protection.
// Critical=false means the emergency close succeeded and the trade is flat;
// Critical=true means even the emergency close failed and a human must act.
type UnprotectedError struct {
	Symbol   string
	Critical bool
}

func (e *UnprotectedError) Error() string {
	if e.Critical {
		return fmt.Sprintf("stops: %s critically unprotected, emergency close failed", e.Symbol)
	}
	return fmt.Sprintf("stops: %s stop replacement exhausted, position emergency-closed", e.Symbol)
}

// ReplaceResult is the outcome of one replacement operation.
type ReplaceResult struct {
	Success         bool
	OrderID         string
	FinalState      State
	EmergencyClosed bool
}

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Coordinator serializes stop replacements for one symbol through a single
// worker. Submissions while busy queue FIFO.
type Coordinator struct {
	symbol  string
	api     exchange.Adapter
	budget  *budget.Manager
	account accountState
	bus     *events.Bus
	logger  *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	rng        *rand.Rand
	rngMu      sync.Mutex
	sleep      func(context.Context, time.Duration) error

	jobs chan *job

	mu             sync.Mutex
	state          State
	currentOrderID string
	retryCount     int
}

// accountState is the slice of the account store the coordinator touches.
type accountState interface {
	ClearPosition(symbol string)
}

type job struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// NewCoordinator creates a coordinator for one symbol. Call Run to start
// its worker.
func NewCoordinator(symbol string, api exchange.Adapter, bm *budget.Manager, account accountState, maxRetries int, bus *events.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		symbol:     symbol,
		api:        api,
		budget:     bm,
		account:    account,
		bus:        bus,
		logger:     logger.With("component", "stop_coordinator", "symbol", symbol),
		maxRetries: maxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      ctxSleep,
		jobs:       make(chan *job, 16),
	}
}

// Run consumes the job queue until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			j.run(ctx)
			close(j.done)
		}
	}
}

// State returns the current state machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentOrderID returns the live stop order ID, empty when none.
func (c *Coordinator) CurrentOrderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentOrderID
}

// SeedCurrentOrder installs a known live stop order ID so the next
// replacement cancels it first. A coordinator that already tracks an order
// keeps its own view; reconciled state never overrides it.
func (c *Coordinator) SeedCurrentOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentOrderID == "" {
		c.currentOrderID = orderID
	}
}

// ReplaceStopOrder submits a cancel-then-place replacement and waits for
// the worker to finish it. position provides the emergency-close fallback.
func (c *Coordinator) ReplaceStopOrder(ctx context.Context, payload types.StopOrderPayload, position types.Position) (ReplaceResult, error) {
	var (
		result ReplaceResult
		err    error
	)
	j := &job{done: make(chan struct{})}
	j.run = func(runCtx context.Context) {
		result, err = c.replace(runCtx, payload, position)
	}

	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return ReplaceResult{FinalState: c.State()}, ctx.Err()
	}
	select {
	case <-j.done:
		return result, err
	case <-ctx.Done():
		return ReplaceResult{FinalState: c.State()}, ctx.Err()
	}
}

func (c *Coordinator) replace(ctx context.Context, payload types.StopOrderPayload, position types.Position) (ReplaceResult, error) {
	for attempt := 0; ; attempt++ {
		err := c.tryOnce(ctx, payload)
		if err == nil {
			c.mu.Lock()
			c.state = Idle
			c.retryCount = 0
			orderID := c.currentOrderID
			c.mu.Unlock()
			return ReplaceResult{Success: true, OrderID: orderID, FinalState: Idle}, nil
		}
		if ctx.Err() != nil {
			return ReplaceResult{FinalState: c.State()}, ctx.Err()
		}

		if exchange.IsRateLimited(err) {
			c.budget.Report429()
		}
		if !exchange.IsTransient(err) {
			// Explicit rejection of a valid-looking payload: surfaced, not
			// retried.
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			c.logger.Error("stop replacement rejected", "error", err)
			return ReplaceResult{FinalState: Idle}, err
		}

		c.mu.Lock()
		c.retryCount = attempt + 1
		retries := c.retryCount
		c.mu.Unlock()

		if retries > c.maxRetries {
			c.logger.Error("stop replacement retries exhausted, escalating",
				"attempts", retries, "error", err)
			// The stop level we failed to place is the best available
			// estimate of the market-close fill.
			estExit, _ := decimal.NewFromString(payload.StopPrice)
			return c.emergencyClose(ctx, position, estExit)
		}

		delay := c.retryDelay(attempt)
		c.logger.Warn("stop replacement failed, retrying",
			"attempt", retries, "delay", delay, "error", err)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return ReplaceResult{FinalState: c.State()}, sleepErr
		}
	}
}

// tryOnce runs one cancel-then-place pass.
func (c *Coordinator) tryOnce(ctx context.Context, payload types.StopOrderPayload) error {
	c.mu.Lock()
	existing := c.currentOrderID
	c.mu.Unlock()

	if existing != "" {
		c.setState(Canceling)
		if err := c.budget.Acquire(ctx, budget.Critical, 1); err != nil {
			return &exchange.APIError{Kind: exchange.KindTransient, Msg: "budget: " + err.Error()}
		}
		if err := c.api.CancelStopOrder(ctx, existing); err != nil {
			if !exchange.IsOrderTerminal(err) {
				return err
			}
			c.logger.Info("old stop already terminal", "order_id", existing)
		}
		c.mu.Lock()
		c.currentOrderID = ""
		c.mu.Unlock()
	}

	c.setState(Placing)
	if err := c.budget.Acquire(ctx, budget.Critical, 1); err != nil {
		return &exchange.APIError{Kind: exchange.KindTransient, Msg: "budget: " + err.Error()}
	}
	resp, err := c.api.PlaceStopOrder(ctx, payload)
	if err != nil {
		return err
	}
	if resp.OrderID == "" {
		return &exchange.APIError{Kind: exchange.KindPermanent, Msg: "place response lacks orderId"}
	}

	c.mu.Lock()
	c.currentOrderID = resp.OrderID
	c.state = Confirmed
	c.mu.Unlock()
	return nil
}

// emergencyClose flattens the position with a reduce-only market order when
// the stop can no longer be maintained. estExit is the intended stop level,
// used to estimate the realized result until the venue reports the fill.
func (c *Coordinator) emergencyClose(ctx context.Context, position types.Position, estExit decimal.Decimal) (ReplaceResult, error) {
	c.setState(EmergencyClosing)

	payload := types.ExitOrderPayload{
		ClientOid:  types.EmergencyClientOID(c.symbol, time.Now()),
		Side:       position.Side.CloseOrderSide(),
		Symbol:     c.symbol,
		Type:       "market",
		Size:       position.RemainingSize.String(),
		ReduceOnly: true,
	}
	if err := exchange.ValidateExitOrder(payload); err != nil {
		return c.critical(err)
	}
	if err := c.budget.Acquire(ctx, budget.Critical, 1); err != nil {
		return c.critical(err)
	}
	if _, err := c.api.PlaceOrder(ctx, payload); err != nil {
		return c.critical(err)
	}

	c.account.ClearPosition(c.symbol)
	c.mu.Lock()
	c.state = Idle
	c.currentOrderID = ""
	c.retryCount = 0
	c.mu.Unlock()

	c.logger.Warn("position emergency closed", "client_oid", payload.ClientOid)
	c.bus.Publish(events.TypeStopEmergency, c.symbol, events.StopEmergencyEvent{
		Symbol:    c.symbol,
		ClientOid: payload.ClientOid,
		Attempts:  c.maxRetries + 1,
		Trade:     c.emergencyTrade(position, estExit),
	})
	return ReplaceResult{FinalState: Idle, EmergencyClosed: true},
		&UnprotectedError{Symbol: c.symbol}
}

// emergencyTrade builds the closed-trade record for a forced flatten. The
// estimate is conservative: entry fee counted, exit fee unknown.
func (c *Coordinator) emergencyTrade(position types.Position, estExit decimal.Decimal) types.TradeRecord {
	diff := pricing.PriceDiff(position.Side, position.EntryPrice, estExit)
	gross := pricing.UnrealizedPnl(diff, position.RemainingSize, decimal.NewFromInt(1))
	net := gross.Sub(position.EntryFee)

	rec := types.TradeRecord{
		Symbol:     c.symbol,
		Side:       position.Side,
		EntryPrice: position.EntryPrice,
		ExitPrice:  estExit,
		Size:       position.RemainingSize,
		Leverage:   position.Leverage,
		GrossPnl:   gross,
		NetPnl:     net,
		TotalFees:  position.EntryFee,
		ExitReason: types.ExitEmergencyClose,
		OpenedAt:   position.OpenedAt,
		ClosedAt:   time.Now(),
	}
	if position.Margin.Sign() > 0 {
		if roi, err := pricing.LeveragedRoiPercent(net, position.Margin); err == nil {
			rec.ROI = roi
		}
	}
	return rec
}

func (c *Coordinator) critical(cause error) (ReplaceResult, error) {
	c.setState(CriticalUnprotected)
	c.logger.Error("emergency close failed, position critically unprotected", "error", cause)
	c.bus.Publish(events.TypeStopCritical, c.symbol, events.StopCriticalEvent{
		Symbol: c.symbol,
		Detail: cause.Error(),
	})
	return ReplaceResult{FinalState: CriticalUnprotected},
		&UnprotectedError{Symbol: c.symbol, Critical: true}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// retryDelay is min(maxDelay, base × 2^k × uniform(0.8, 1.2)) for the
// 0-based retry index k.
func (c *Coordinator) retryDelay(k int) time.Duration {
	c.rngMu.Lock()
	jitter := 0.8 + c.rng.Float64()*0.4
	c.rngMu.Unlock()

	d := time.Duration(float64(c.baseDelay) * float64(uint64(1)<<uint(k)) * jitter)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
