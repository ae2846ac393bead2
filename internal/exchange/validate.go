// validate.go holds the pure payload validators. Every outbound stop or
// exit order passes through here before it reaches the wire; a failure is a
// programmer bug, fatal to the call, never retried.
package exchange

import (
	"github.com/shopspring/decimal"

	"perp-orchestrator/pkg/types"
)

// ValidateStopOrder checks a stop payload against the invariants the venue
// and our own bookkeeping require. positionSide is the side of the position
// the stop protects; the order side must be opposite to it.
func ValidateStopOrder(p types.StopOrderPayload, positionSide types.Side) error {
	oidSymbol, _, kind, _, ok := types.ParseStopOID(p.ClientOid)
	if !ok {
		return &types.ValidationError{Field: "clientOid", Reason: "not in stop:<symbol>:<positionId>:<kind>:<revision> format"}
	}
	if oidSymbol != p.Symbol {
		return &types.ValidationError{Field: "clientOid", Reason: "symbol mismatch with payload"}
	}
	if kind != types.StopKindSL && kind != types.StopKindTP {
		return &types.ValidationError{Field: "clientOid", Reason: "unknown stop kind"}
	}
	if !positionSide.Valid() {
		return &types.ValidationError{Field: "side", Reason: "unknown position side"}
	}
	if p.Side != positionSide.CloseOrderSide() {
		return &types.ValidationError{Field: "side", Reason: "must be opposite to position side"}
	}
	if p.Type != "market" {
		return &types.ValidationError{Field: "type", Reason: `must be "market"`}
	}
	if p.Stop != positionSide.StopDirection() {
		return &types.ValidationError{Field: "stop", Reason: "direction does not match position side"}
	}
	if err := requirePositiveNumber("stopPrice", p.StopPrice); err != nil {
		return err
	}
	if p.StopPriceType != "MP" {
		return &types.ValidationError{Field: "stopPriceType", Reason: `must be "MP"`}
	}
	if err := requirePositiveNumber("size", p.Size); err != nil {
		return err
	}
	if !p.ReduceOnly {
		return &types.ValidationError{Field: "reduceOnly", Reason: "must be true"}
	}
	return nil
}

// ValidateExitOrder checks a reduce-only market exit payload.
func ValidateExitOrder(p types.ExitOrderPayload) error {
	if p.ClientOid == "" {
		return &types.ValidationError{Field: "clientOid", Reason: "required"}
	}
	if p.Side != "buy" && p.Side != "sell" {
		return &types.ValidationError{Field: "side", Reason: `must be "buy" or "sell"`}
	}
	if p.Symbol == "" {
		return &types.ValidationError{Field: "symbol", Reason: "required"}
	}
	if p.Type != "market" {
		return &types.ValidationError{Field: "type", Reason: `must be "market"`}
	}
	if err := requirePositiveNumber("size", p.Size); err != nil {
		return err
	}
	if !p.ReduceOnly {
		return &types.ValidationError{Field: "reduceOnly", Reason: "must be true"}
	}
	return nil
}

// SanitizeStopOrder renders a validated stop payload to the exact wire
// shape: numeric fields as strings, no extra keys.
func SanitizeStopOrder(p types.StopOrderPayload) map[string]interface{} {
	return map[string]interface{}{
		"clientOid":     p.ClientOid,
		"side":          p.Side,
		"symbol":        p.Symbol,
		"type":          p.Type,
		"stop":          p.Stop,
		"stopPrice":     p.StopPrice,
		"stopPriceType": p.StopPriceType,
		"size":          p.Size,
		"reduceOnly":    p.ReduceOnly,
	}
}

// SanitizeExitOrder renders a validated exit payload to the wire shape.
func SanitizeExitOrder(p types.ExitOrderPayload) map[string]interface{} {
	return map[string]interface{}{
		"clientOid":  p.ClientOid,
		"side":       p.Side,
		"symbol":     p.Symbol,
		"type":       p.Type,
		"size":       p.Size,
		"reduceOnly": p.ReduceOnly,
	}
}

func requirePositiveNumber(field, s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return &types.ValidationError{Field: field, Reason: "not a number"}
	}
	if d.Sign() <= 0 {
		return &types.ValidationError{Field: field, Reason: "must be > 0"}
	}
	return nil
}
