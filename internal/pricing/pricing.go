// Package pricing implements fixed-precision price, fee and ROI arithmetic.
//
// All money math in the orchestrator goes through this package so that entry
// prices, stop levels and fee adjustments are exact instead of drifting with
// binary floats. ROI throughout is percent on margin, i.e. leveraged:
//
//	ROI% = priceMove × leverage / entry × 100
//
// Floats only enter through FromFloat, which rejects NaN and infinities;
// everything past that boundary is decimal.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"perp-orchestrator/pkg/types"
)

var (
	oneHundred = decimal.NewFromInt(100)
)

// FromFloat converts a float into a decimal, failing with InvalidInputError
// on non-finite values. op names the calling operation for the error message.
func FromFloat(op string, v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, &types.InvalidInputError{Op: op, Reason: "non-finite value"}
	}
	return decimal.NewFromFloat(v), nil
}

// PriceDiff returns the signed favorable price move for the given side:
// exit-entry for a long, entry-exit for a short.
func PriceDiff(side types.Side, entry, exit decimal.Decimal) decimal.Decimal {
	if side == types.Long {
		return exit.Sub(entry)
	}
	return entry.Sub(exit)
}

// UnrealizedPnl converts a price move into gross PnL.
func UnrealizedPnl(priceDiff, size, multiplier decimal.Decimal) decimal.Decimal {
	return priceDiff.Mul(size).Mul(multiplier)
}

// NetPnl deducts both legs' fees on notional and funding from gross PnL.
func NetPnl(gross, notional, feeIn, feeOut, funding decimal.Decimal) decimal.Decimal {
	return gross.Sub(notional.Mul(feeIn.Add(feeOut))).Sub(funding)
}

// LeveragedRoiPercent returns PnL as percent of margin.
func LeveragedRoiPercent(netPnl, margin decimal.Decimal) (decimal.Decimal, error) {
	if margin.Sign() <= 0 {
		return decimal.Zero, &types.InvalidInputError{Op: "LeveragedRoiPercent", Reason: "margin must be > 0"}
	}
	return netPnl.Div(margin).Mul(oneHundred), nil
}

// PriceMoveFromROI returns the absolute price distance that realizes the
// given ROI percent at the given leverage: entry × roi / leverage / 100.
// The move is inverse to leverage because ROI is measured on margin.
func PriceMoveFromROI(entry, roiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if err := checkPriceAndLeverage("PriceMoveFromROI", entry, leverage); err != nil {
		return decimal.Zero, err
	}
	return entry.Mul(roiPercent).Div(decimal.NewFromInt(int64(leverage))).Div(oneHundred), nil
}

// StopLossPrice returns the price at which the position realizes exactly
// -slRoiPercent at mark. Long stops sit below entry, short stops above.
func StopLossPrice(side types.Side, entry, slRoiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, &types.InvalidInputError{Op: "StopLossPrice", Reason: "unknown side"}
	}
	move, err := PriceMoveFromROI(entry, slRoiPercent, leverage)
	if err != nil {
		return decimal.Zero, err
	}
	if side == types.Long {
		return entry.Sub(move), nil
	}
	return entry.Add(move), nil
}

// TakeProfitPrice is symmetric to StopLossPrice on the favorable side.
func TakeProfitPrice(side types.Side, entry, tpRoiPercent decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, &types.InvalidInputError{Op: "TakeProfitPrice", Reason: "unknown side"}
	}
	move, err := PriceMoveFromROI(entry, tpRoiPercent, leverage)
	if err != nil {
		return decimal.Zero, err
	}
	if side == types.Long {
		return entry.Add(move), nil
	}
	return entry.Sub(move), nil
}

// FeeAdjustedBreakEven returns the ROI percent threshold that covers both
// entry and exit fees plus a safety buffer:
//
//	(feeIn + feeOut) × leverage × 100 + buffer
//
// Fees are rates (0.0006 = 6 bps); the result is leveraged ROI percent.
func FeeAdjustedBreakEven(feeIn, feeOut decimal.Decimal, leverage int, bufferPercent decimal.Decimal) (decimal.Decimal, error) {
	if leverage < 1 {
		return decimal.Zero, &types.InvalidInputError{Op: "FeeAdjustedBreakEven", Reason: "leverage must be >= 1"}
	}
	lev := decimal.NewFromInt(int64(leverage))
	return feeIn.Add(feeOut).Mul(lev).Mul(oneHundred).Add(bufferPercent), nil
}

// RoundToTickSize rounds a price half-away-from-zero to the nearest multiple
// of the tick size.
func RoundToTickSize(price, tick decimal.Decimal) (decimal.Decimal, error) {
	if tick.Sign() <= 0 {
		return decimal.Zero, &types.InvalidInputError{Op: "RoundToTickSize", Reason: "tick size must be > 0"}
	}
	return price.Div(tick).Round(0).Mul(tick), nil
}

// RoundToLotSize floors a size to a multiple of the lot size.
func RoundToLotSize(size, lot decimal.Decimal) (decimal.Decimal, error) {
	if lot.Sign() <= 0 {
		return decimal.Zero, &types.InvalidInputError{Op: "RoundToLotSize", Reason: "lot size must be > 0"}
	}
	return size.Div(lot).Floor().Mul(lot), nil
}

func checkPriceAndLeverage(op string, price decimal.Decimal, leverage int) error {
	if price.Sign() <= 0 {
		return &types.InvalidInputError{Op: op, Reason: "price must be > 0"}
	}
	if leverage < 1 {
		return &types.InvalidInputError{Op: op, Reason: "leverage must be >= 1"}
	}
	return nil
}
