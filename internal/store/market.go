// Package store holds the in-memory state snapshots shared across the
// orchestrator: the latest normalized market tick per symbol (MarketStore)
// and the account-side position/stop/drift state (AccountStore).
//
// Both stores follow last-writer-wins per key with sequence guarding on the
// market side. Writes are funnelled through a single ingestor task per
// source; readers get value copies under an RWMutex so a snapshot is never
// torn.
package store

import (
	"sync"
	"time"

	"perp-orchestrator/pkg/types"
)

// Candle is one OHLCV bar, kept only as the latest closed bar per symbol.
type Candle struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Start  time.Time
}

// MarketStore keeps the latest normalized tick per symbol. Each updater
// mutates only the fields its source owns; the stored sequence advances to
// max(provided, stored+1), and updates arriving with a sequence strictly
// below the stored one are dropped so consumers never observe regressions.
type MarketStore struct {
	mu         sync.RWMutex
	ticks      map[string]types.Tick
	candles    map[string]Candle
	indicators map[string]map[string]float64
}

// NewMarketStore creates an empty market store.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		ticks:      make(map[string]types.Tick),
		candles:    make(map[string]Candle),
		indicators: make(map[string]map[string]float64),
	}
}

// admit returns the current tick and the sequence to store, or ok=false when
// the update is stale. Callers must hold mu.
func (ms *MarketStore) admit(symbol string, seq uint64) (types.Tick, uint64, bool) {
	cur := ms.ticks[symbol]
	if seq < cur.Seq {
		return cur, 0, false
	}
	next := seq
	if next < cur.Seq+1 {
		next = cur.Seq + 1
	}
	return cur, next, true
}

// UpdateFromTicker applies a trade ticker update: mark, last and venue
// timestamp. Returns false if the update was dropped as out of order.
func (ms *MarketStore) UpdateFromTicker(symbol string, markPrice, lastPrice float64, tsExchange time.Time, seq uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cur, next, ok := ms.admit(symbol, seq)
	if !ok {
		return false
	}
	cur.Symbol = symbol
	cur.MarkPrice = markPrice
	cur.LastPrice = lastPrice
	cur.TSExchange = tsExchange
	cur.TSLocal = time.Now()
	cur.Seq = next
	ms.ticks[symbol] = cur
	return true
}

// UpdateFromOrderBook applies a top-of-book update.
func (ms *MarketStore) UpdateFromOrderBook(symbol string, bestBid, bestAsk float64, seq uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cur, next, ok := ms.admit(symbol, seq)
	if !ok {
		return false
	}
	cur.Symbol = symbol
	cur.BestBid = bestBid
	cur.BestAsk = bestAsk
	cur.Spread = bestAsk - bestBid
	cur.TSLocal = time.Now()
	cur.Seq = next
	ms.ticks[symbol] = cur
	return true
}

// UpdateFromFunding applies a funding rate update.
func (ms *MarketStore) UpdateFromFunding(symbol string, rate float64, seq uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cur, next, ok := ms.admit(symbol, seq)
	if !ok {
		return false
	}
	cur.Symbol = symbol
	cur.FundingRate = rate
	cur.TSLocal = time.Now()
	cur.Seq = next
	ms.ticks[symbol] = cur
	return true
}

// UpdateFromCandle stores the latest closed bar. Candles do not advance the
// tick sequence; they feed the indicator pipeline, not the tick consumers.
func (ms *MarketStore) UpdateFromCandle(symbol string, c Candle) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.candles[symbol] = c
}

// UpdateIndicators replaces the indicator snapshot for a symbol.
func (ms *MarketStore) UpdateIndicators(symbol string, values map[string]float64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	ms.indicators[symbol] = copied
}

// GetTick returns the latest tick for a symbol.
func (ms *MarketStore) GetTick(symbol string) (types.Tick, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	t, ok := ms.ticks[symbol]
	return t, ok
}

// GetCandle returns the latest closed bar for a symbol.
func (ms *MarketStore) GetCandle(symbol string) (Candle, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	c, ok := ms.candles[symbol]
	return c, ok
}

// GetIndicators returns a copy of the indicator snapshot for a symbol.
func (ms *MarketStore) GetIndicators(symbol string) map[string]float64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	src := ms.indicators[symbol]
	copied := make(map[string]float64, len(src))
	for k, v := range src {
		copied[k] = v
	}
	return copied
}
