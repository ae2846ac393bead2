// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the orchestrator: sides, ticks,
// positions, stop metadata, trade records and the wire payloads the venue
// expects. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a position: long or short.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == Long || s == Short }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// CloseOrderSide converts a position side to the wire order side that would
// close it: selling closes a long, buying closes a short.
func (s Side) CloseOrderSide() string {
	if s == Long {
		return "sell"
	}
	return "buy"
}

// StopDirection returns the venue's stop trigger direction for a protective
// stop on this side: a long's stop triggers when price falls ("down"), a
// short's when it rises ("up").
func (s Side) StopDirection() string {
	if s == Long {
		return "down"
	}
	return "up"
}

// SignalType classifies the output of the external signal function.
type SignalType string

const (
	SignalNeutral    SignalType = "neutral"
	SignalBuy        SignalType = "buy"
	SignalSell       SignalType = "sell"
	SignalStrongBuy  SignalType = "strong_buy"
	SignalStrongSell SignalType = "strong_sell"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss       ExitReason = "stop_loss"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitSignalReversal ExitReason = "signal_reversal"
	ExitEmergencyClose ExitReason = "emergency_close"
	ExitManual         ExitReason = "manual"
)

// AlertLevel is the three-level alert taxonomy for user-visible signals.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarn     AlertLevel = "warn"
	AlertCritical AlertLevel = "critical"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is the latest normalized market snapshot for one symbol. Seq is a
// per-symbol monotonic sequence; the market store drops updates whose seq is
// strictly lower than the stored one, so downstream consumers never observe
// regressions.
type Tick struct {
	Symbol      string
	MarkPrice   float64 // venue reference price, used for stop triggers
	LastPrice   float64 // last trade
	BestBid     float64
	BestAsk     float64
	Spread      float64 // bestAsk - bestBid
	FundingRate float64
	TSExchange  time.Time // venue timestamp
	TSLocal     time.Time // local receive time
	Seq         uint64
}

// Mid returns the midpoint of best bid/ask, falling back to mark price when
// the book is one-sided or missing.
func (t Tick) Mid() float64 {
	if t.BestBid > 0 && t.BestAsk > 0 {
		return (t.BestBid + t.BestAsk) / 2
	}
	return t.MarkPrice
}

// SymbolSpecs carries the contract's price and size granularity.
type SymbolSpecs struct {
	TickSize   decimal.Decimal // minimum price increment
	LotSize    decimal.Decimal // minimum size increment
	Multiplier decimal.Decimal // contract multiplier (1 for linear perps)
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is an open position, real or paper. A real position is owned
// exclusively by the main trader; a paper one by its Variant. Experimental
// and VariantID are only set on paper positions.
type Position struct {
	ID            string
	Symbol        string
	Side          Side
	EntryPrice    decimal.Decimal
	Size          decimal.Decimal
	Leverage      int
	RemainingSize decimal.Decimal
	Margin        decimal.Decimal // collateral backing the position

	SLOrderID    string
	EntryOrderID string
	InitialSL    decimal.Decimal
	CurrentSL    decimal.Decimal
	TakeProfit   decimal.Decimal

	LastROIStep    int  // last staircase step applied
	BreakEvenArmed bool // stop has been moved to fee-adjusted break-even

	EntryFeeRate        decimal.Decimal
	ExpectedExitFeeRate decimal.Decimal
	EntryFee            decimal.Decimal

	OpenedAt time.Time

	Experimental bool   // true for paper positions
	VariantID    string // owning variant, paper only
	LatencyMs    float64
}

// StopMeta tracks the last known protective stop per symbol. Revision is a
// strictly monotone per-symbol counter embedded into client order IDs.
type StopMeta struct {
	LastStopPrice decimal.Decimal
	LastUpdate    time.Time
	OrderID       string
	Revision      int64
}

// TradeRecord is a completed round trip.
type TradeRecord struct {
	Symbol      string
	Side        Side
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Size        decimal.Decimal
	Leverage    int
	GrossPnl    decimal.Decimal
	NetPnl      decimal.Decimal
	ROI         decimal.Decimal // percent, on margin
	TotalFees   decimal.Decimal
	FundingFees decimal.Decimal
	ExitReason  ExitReason
	OpenedAt    time.Time
	ClosedAt    time.Time

	VariantID    string
	Experimental bool
}

// ————————————————————————————————————————————————————————————————————————
// Client order IDs
// ————————————————————————————————————————————————————————————————————————
// Stop order client IDs are deterministic so a replacement is idempotent per
// revision and ownership can be recognized when enumerating open stops:
//
//	stop:<symbol>:<positionID>:<kind>:<revision>
//
// Emergency closes use a timestamped ID:
//
//	emergency_<symbol>_<epochMillis>

const (
	StopKindSL = "sl"
	StopKindTP = "tp"

	stopOIDPrefix = "stop:"
)

// StopClientOID builds the deterministic client order ID for a stop
// replacement.
func StopClientOID(symbol, positionID, kind string, revision int64) string {
	return fmt.Sprintf("stop:%s:%s:%s:%d", symbol, positionID, kind, revision)
}

// EmergencyClientOID builds the client order ID for an emergency market
// close. Uniqueness comes from the millisecond timestamp.
func EmergencyClientOID(symbol string, at time.Time) string {
	return fmt.Sprintf("emergency_%s_%d", symbol, at.UnixMilli())
}

// OwnsStopOID reports whether the given client order ID is a stop placed by
// this system for the given symbol.
func OwnsStopOID(oid, symbol string) bool {
	return strings.HasPrefix(oid, stopOIDPrefix+symbol+":")
}

// ParseStopOID splits a stop client order ID into its components.
// Returns ok=false if the ID is not in the canonical format.
func ParseStopOID(oid string) (symbol, positionID, kind string, revision int64, ok bool) {
	if !strings.HasPrefix(oid, stopOIDPrefix) {
		return "", "", "", 0, false
	}
	parts := strings.Split(strings.TrimPrefix(oid, stopOIDPrefix), ":")
	if len(parts) != 4 {
		return "", "", "", 0, false
	}
	rev, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", "", "", 0, false
	}
	return parts[0], parts[1], parts[2], rev, true
}

// ————————————————————————————————————————————————————————————————————————
// Wire payloads
// ————————————————————————————————————————————————————————————————————————
// Numeric fields are strings on the wire; the venue API preserves decimal
// precision that way. Sanitization in internal/exchange performs the
// decimal to string coercion.

// StopOrderPayload is the canonical stop order request body.
type StopOrderPayload struct {
	ClientOid     string `json:"clientOid"`
	Side          string `json:"side"` // "buy" or "sell", opposite to position
	Symbol        string `json:"symbol"`
	Type          string `json:"type"`          // always "market"
	Stop          string `json:"stop"`          // "up" or "down"
	StopPrice     string `json:"stopPrice"`     // trigger price
	StopPriceType string `json:"stopPriceType"` // always "MP" (mark price)
	Size          string `json:"size"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// ExitOrderPayload is the canonical reduce-only market order body used for
// emergency closes.
type ExitOrderPayload struct {
	ClientOid  string `json:"clientOid"`
	Side       string `json:"side"`
	Symbol     string `json:"symbol"`
	Type       string `json:"type"` // always "market"
	Size       string `json:"size"`
	ReduceOnly bool   `json:"reduceOnly"`
}

// OrderResponse is the venue's reply to a place call.
type OrderResponse struct {
	OrderID string `json:"orderId"`
	Price   string `json:"price,omitempty"`
}

// ExchangePosition is one entry of the venue's position list.
type ExchangePosition struct {
	Symbol     string  `json:"symbol"`
	CurrentQty float64 `json:"currentQty"` // signed: positive long, negative short
	AvgEntry   float64 `json:"avgEntryPrice"`
	Leverage   float64 `json:"realLeverage"`
}

// OpenStopOrder is one entry of the venue's open stop order list.
type OpenStopOrder struct {
	OrderID   string `json:"id"`
	ClientOid string `json:"clientOid"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	StopPrice string `json:"stopPrice"`
	Size      string `json:"size"`
	CreatedAt int64  `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Errors
// ————————————————————————————————————————————————————————————————————————

// InvalidInputError indicates an arithmetic or simulator precondition failed.
// It is fatal to the call: failure here is a programmer bug, not a market
// condition.
type InvalidInputError struct {
	Op     string // operation that rejected the input
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input in %s: %s", e.Op, e.Reason)
}

// ValidationError indicates an order payload failed shape validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}
