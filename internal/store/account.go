package store

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-orchestrator/pkg/types"
)

// DriftState accumulates evidence of divergence between local state and
// exchange truth. The score only ever grows until a fully consistent
// reconciliation pass clears it atomically.
type DriftState struct {
	Score       int
	StartedAt   time.Time
	LastUpdated time.Time
}

// HealthStatus summarizes account-side liveness for operators.
type HealthStatus struct {
	DriftScore         int
	DriftSince         time.Time
	PrivateWSHeartbeat time.Time
	PrivateWSAge       time.Duration
	OpenPositions      int
}

// AccountStore keeps the account-side snapshot: open positions, per-symbol
// stop metadata with a strictly monotone revision counter, drift state and
// the private WebSocket heartbeat.
type AccountStore struct {
	mu          sync.RWMutex
	positions   map[string]types.Position
	stopMeta    map[string]types.StopMeta
	revisions   map[string]int64
	drift       DriftState
	wsHeartbeat time.Time
}

// NewAccountStore creates an empty account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		positions: make(map[string]types.Position),
		stopMeta:  make(map[string]types.StopMeta),
		revisions: make(map[string]int64),
	}
}

// RecordPosition stores or replaces the position for its symbol.
func (as *AccountStore) RecordPosition(pos types.Position) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.positions[pos.Symbol] = pos
}

// ClearPosition removes the position for a symbol.
func (as *AccountStore) ClearPosition(symbol string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.positions, symbol)
}

// GetPosition returns the position for a symbol.
func (as *AccountStore) GetPosition(symbol string) (types.Position, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	p, ok := as.positions[symbol]
	return p, ok
}

// Positions returns a copy of all open positions.
func (as *AccountStore) Positions() []types.Position {
	as.mu.RLock()
	defer as.mu.RUnlock()

	out := make([]types.Position, 0, len(as.positions))
	for _, p := range as.positions {
		out = append(out, p)
	}
	return out
}

// NextStopRevision allocates the next revision for a symbol. Revisions are
// strictly monotone per symbol and are never reused, which keeps stop client
// order IDs unique across the process lifetime.
func (as *AccountStore) NextStopRevision(symbol string) int64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.revisions[symbol]++
	return as.revisions[symbol]
}

// RecordStopUpdate stores the outcome of a successful stop replacement.
func (as *AccountStore) RecordStopUpdate(symbol string, price decimal.Decimal, orderID string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.stopMeta[symbol] = types.StopMeta{
		LastStopPrice: price,
		LastUpdate:    time.Now(),
		OrderID:       orderID,
		Revision:      as.revisions[symbol],
	}
}

// GetStopMeta returns the last known stop state for a symbol.
func (as *AccountStore) GetStopMeta(symbol string) (types.StopMeta, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	m, ok := as.stopMeta[symbol]
	return m, ok
}

// ClearStopMeta drops the stop record for a symbol, typically after the
// position closed. The revision counter is intentionally left untouched.
func (as *AccountStore) ClearStopMeta(symbol string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.stopMeta, symbol)
}

// RegisterDrift increments the drift score and returns the new value.
func (as *AccountStore) RegisterDrift() int {
	as.mu.Lock()
	defer as.mu.Unlock()

	now := time.Now()
	if as.drift.Score == 0 {
		as.drift.StartedAt = now
	}
	as.drift.Score++
	as.drift.LastUpdated = now
	return as.drift.Score
}

// ClearDrift resets the drift state atomically after a fully consistent
// reconciliation pass.
func (as *AccountStore) ClearDrift() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.drift = DriftState{}
}

// Drift returns the current drift state.
func (as *AccountStore) Drift() DriftState {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.drift
}

// MarkPrivateWSHeartbeat records liveness of the private WebSocket channel.
func (as *AccountStore) MarkPrivateWSHeartbeat() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.wsHeartbeat = time.Now()
}

// GetHealthStatus returns a point-in-time health summary.
func (as *AccountStore) GetHealthStatus() HealthStatus {
	as.mu.RLock()
	defer as.mu.RUnlock()

	var age time.Duration
	if !as.wsHeartbeat.IsZero() {
		age = time.Since(as.wsHeartbeat)
	}
	return HealthStatus{
		DriftScore:         as.drift.Score,
		DriftSince:         as.drift.StartedAt,
		PrivateWSHeartbeat: as.wsHeartbeat,
		PrivateWSAge:       age,
		OpenPositions:      len(as.positions),
	}
}
