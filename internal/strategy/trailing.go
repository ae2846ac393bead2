// Package strategy holds the trading policies: the staircase trailing stop
// and the paper-trading variants the optimizer runs against live data.
package strategy

import (
	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/pricing"
	"perp-orchestrator/pkg/types"
)

// Reasons a NextStop call returns.
const (
	ReasonNoChange     = "no_change"
	ReasonBreakEven    = "break_even"
	ReasonTrailingStep = "trailing_step"
)

// TrailingPolicy is the staircase trailing-stop rule set. All percents are
// ROI percents except MovePercent, which is the fraction of progress given
// back (0.05 keeps 99.95% of the move).
type TrailingPolicy struct {
	BreakEvenBuffer decimal.Decimal // added to the fee-adjusted break-even ROI
	StepPercent     decimal.Decimal // staircase step size in ROI percent
	MovePercent     decimal.Decimal // retained-move discount in percent
}

// TrailingInputs is the state NextStop evaluates.
type TrailingInputs struct {
	Side           types.Side
	EntryPrice     decimal.Decimal
	CurrentStop    decimal.Decimal
	CurrentROI     decimal.Decimal // leveraged, percent
	LastROIStep    int
	Leverage       int
	FeeIn          decimal.Decimal
	FeeOut         decimal.Decimal
	BreakEvenArmed bool
}

// StopDecision is the outcome of one NextStop evaluation.
type StopDecision struct {
	NewStop        decimal.Decimal
	NewLastStep    int
	Reason         string
	BreakEvenArmed bool
}

// NextStop advances the trailing stop by at most one stage per call: arm
// break-even once ROI covers fees plus buffer, then tighten in discrete
// staircase steps. Long stops never decrease and short stops never
// increase; a rejected update keeps the old stop and reports no_change.
func (p TrailingPolicy) NextStop(in TrailingInputs) (StopDecision, error) {
	unchanged := StopDecision{
		NewStop:        in.CurrentStop,
		NewLastStep:    in.LastROIStep,
		Reason:         ReasonNoChange,
		BreakEvenArmed: in.BreakEvenArmed,
	}

	if !in.Side.Valid() {
		return unchanged, &types.InvalidInputError{Op: "NextStop", Reason: "unknown side"}
	}

	breakEvenROI, err := pricing.FeeAdjustedBreakEven(in.FeeIn, in.FeeOut, in.Leverage, p.BreakEvenBuffer)
	if err != nil {
		return unchanged, err
	}

	if !in.BreakEvenArmed {
		// Arming boundary is inclusive: ROI exactly at break-even arms.
		if in.CurrentROI.LessThan(breakEvenROI) {
			return unchanged, nil
		}
		move, err := pricing.PriceMoveFromROI(in.EntryPrice, p.BreakEvenBuffer, in.Leverage)
		if err != nil {
			return unchanged, err
		}
		target := applyMove(in.Side, in.EntryPrice, move)
		if !tightens(in.Side, in.CurrentStop, target) {
			return unchanged, nil
		}
		return StopDecision{
			NewStop:        target,
			NewLastStep:    in.LastROIStep,
			Reason:         ReasonBreakEven,
			BreakEvenArmed: true,
		}, nil
	}

	progress := in.CurrentROI.Sub(breakEvenROI)
	if progress.Sign() < 0 || p.StepPercent.Sign() <= 0 {
		return unchanged, nil
	}
	step := int(progress.Div(p.StepPercent).Floor().IntPart())
	if step <= in.LastROIStep {
		return unchanged, nil
	}

	move, err := pricing.PriceMoveFromROI(in.EntryPrice, in.CurrentROI, in.Leverage)
	if err != nil {
		return unchanged, err
	}
	retain := decimal.NewFromInt(1).Sub(p.MovePercent.Div(decimal.NewFromInt(100)))
	target := applyMove(in.Side, in.EntryPrice, move.Mul(retain))
	if !tightens(in.Side, in.CurrentStop, target) {
		return unchanged, nil
	}
	return StopDecision{
		NewStop:        target,
		NewLastStep:    step,
		Reason:         ReasonTrailingStep,
		BreakEvenArmed: true,
	}, nil
}

// InitialStop computes the first protective stop for a fresh position.
func InitialStop(side types.Side, entry, slRoiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	return pricing.StopLossPrice(side, entry, slRoiPercent, leverage)
}

// applyMove shifts the entry in the favorable direction for the side.
func applyMove(side types.Side, entry, move decimal.Decimal) decimal.Decimal {
	if side == types.Long {
		return entry.Add(move)
	}
	return entry.Sub(move)
}

// tightens reports whether the candidate stop is strictly closer to price
// than the current one: higher for longs, lower for shorts.
func tightens(side types.Side, current, candidate decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if side == types.Long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}
