// Package sim is the paper execution model: entries, mark-to-market and
// exits with fees and slippage, deterministic given seeded randomness. The
// optimizer's variants trade exclusively through it.
//
// Slippage convention: slippagePercent is in percent, so 0.02 means 0.02%
// and becomes the factor 0.0002. Entry slippage is adverse to the taker
// (long pays up, short receives less); exit slippage is adverse again (long
// receives less, short pays up).
package sim

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/pricing"
	"perp-orchestrator/pkg/types"
)

// FillModel selects how a simulated entry fills.
type FillModel int

const (
	// Taker crosses the spread immediately at the slipped mid, paying the
	// taker fee.
	Taker FillModel = iota
	// ProbabilisticLimit fills at the limit price with the configured
	// probability, paying the maker fee; otherwise it falls back to Taker.
	ProbabilisticLimit
)

// EntryState is an open simulated position.
type EntryState struct {
	Side           types.Side
	Leverage       int
	Margin         decimal.Decimal
	Notional       decimal.Decimal
	EntryFillPrice decimal.Decimal
	Size           decimal.Decimal
	EntryFee       decimal.Decimal
	FeeRateUsed    decimal.Decimal
	Multiplier     decimal.Decimal
	MakerFilled    bool
}

// MTMState is the unrealized view of an open simulated position.
type MTMState struct {
	UnrealizedGross decimal.Decimal
	UnrealizedNet   decimal.Decimal
	UnrealizedROI   decimal.Decimal
}

// ExitState is a closed simulated trade.
type ExitState struct {
	ExitFillPrice decimal.Decimal
	ExitFee       decimal.Decimal
	GrossRealized decimal.Decimal
	NetRealized   decimal.Decimal
	RealizedROI   decimal.Decimal
	ExitReason    types.ExitReason
}

// EntryParams collects the inputs of SimulateEntry.
type EntryParams struct {
	AccountBalance      decimal.Decimal
	PositionSizePercent decimal.Decimal
	Leverage            int
	Side                types.Side
	MidPrice            decimal.Decimal
	FillModel           FillModel
	LimitPrice          decimal.Decimal // required for ProbabilisticLimit
	MakerFee            decimal.Decimal
	TakerFee            decimal.Decimal
	SlippagePercent     decimal.Decimal
	FillProbability     float64
	Multiplier          decimal.Decimal // zero means 1
}

var oneHundred = decimal.NewFromInt(100)

// slippageFactor converts a percent value to a multiplicative factor:
// 0.02 (percent) → 0.0002.
func slippageFactor(slippagePercent decimal.Decimal) decimal.Decimal {
	return slippagePercent.Div(oneHundred)
}

// SimulateEntry opens a paper position. rng drives the probabilistic limit
// fill; pass a seeded source for reproducible runs.
func SimulateEntry(p EntryParams, rng *rand.Rand) (EntryState, error) {
	if err := validateEntryParams(p); err != nil {
		return EntryState{}, err
	}

	mult := p.Multiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}

	margin := p.AccountBalance.Mul(p.PositionSizePercent).Div(oneHundred)
	notional := margin.Mul(decimal.NewFromInt(int64(p.Leverage)))

	fillPrice, feeRate, makerFilled := fillEntry(p, rng)

	size := notional.Div(fillPrice.Mul(mult))
	entryFee := notional.Mul(feeRate)

	return EntryState{
		Side:           p.Side,
		Leverage:       p.Leverage,
		Margin:         margin,
		Notional:       notional,
		EntryFillPrice: fillPrice,
		Size:           size,
		EntryFee:       entryFee,
		FeeRateUsed:    feeRate,
		Multiplier:     mult,
		MakerFilled:    makerFilled,
	}, nil
}

func fillEntry(p EntryParams, rng *rand.Rand) (price, feeRate decimal.Decimal, maker bool) {
	if p.FillModel == ProbabilisticLimit && rng != nil && rng.Float64() < p.FillProbability {
		return p.LimitPrice, p.MakerFee, true
	}

	slip := slippageFactor(p.SlippagePercent)
	if p.Side == types.Long {
		price = p.MidPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = p.MidPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	return price, p.TakerFee, false
}

// MarkToMarket values an open position at the current price. Exit fee is
// not yet deducted; funding accrued so far is.
func MarkToMarket(entry EntryState, currentPrice, funding decimal.Decimal) (MTMState, error) {
	if currentPrice.Sign() <= 0 {
		return MTMState{}, &types.InvalidInputError{Op: "MarkToMarket", Reason: "current price must be > 0"}
	}

	gross := pricing.UnrealizedPnl(
		pricing.PriceDiff(entry.Side, entry.EntryFillPrice, currentPrice),
		entry.Size, entry.Multiplier)
	net := gross.Sub(entry.EntryFee).Sub(funding)
	roi, err := pricing.LeveragedRoiPercent(net, entry.Margin)
	if err != nil {
		return MTMState{}, err
	}
	return MTMState{
		UnrealizedGross: gross,
		UnrealizedNet:   net,
		UnrealizedROI:   roi,
	}, nil
}

// SimulateExit closes a paper position at the target price after adverse
// slippage, deducting both legs' fees and funding.
func SimulateExit(entry EntryState, targetExitPrice, takerFee, slippagePercent, funding decimal.Decimal, reason types.ExitReason) (ExitState, error) {
	if targetExitPrice.Sign() <= 0 {
		return ExitState{}, &types.InvalidInputError{Op: "SimulateExit", Reason: "exit price must be > 0"}
	}

	slip := slippageFactor(slippagePercent)
	var fillPrice decimal.Decimal
	if entry.Side == types.Long {
		fillPrice = targetExitPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	} else {
		fillPrice = targetExitPrice.Mul(decimal.NewFromInt(1).Add(slip))
	}

	exitFee := entry.Notional.Mul(takerFee)
	gross := pricing.UnrealizedPnl(
		pricing.PriceDiff(entry.Side, entry.EntryFillPrice, fillPrice),
		entry.Size, entry.Multiplier)
	net := gross.Sub(entry.EntryFee).Sub(exitFee).Sub(funding)
	roi, err := pricing.LeveragedRoiPercent(net, entry.Margin)
	if err != nil {
		return ExitState{}, err
	}
	return ExitState{
		ExitFillPrice: fillPrice,
		ExitFee:       exitFee,
		GrossRealized: gross,
		NetRealized:   net,
		RealizedROI:   roi,
		ExitReason:    reason,
	}, nil
}

// BreakEvenPrice returns the target exit price at which NetRealized is
// exactly zero, accounting for both fees and both slippages.
func BreakEvenPrice(entry EntryState, takerFee, slippagePercent decimal.Decimal) decimal.Decimal {
	exitFee := entry.Notional.Mul(takerFee)
	totalFees := entry.EntryFee.Add(exitFee)
	// The fill price that covers the fees, before exit slippage.
	move := totalFees.Div(entry.Size.Mul(entry.Multiplier))

	slip := slippageFactor(slippagePercent)
	if entry.Side == types.Long {
		fill := entry.EntryFillPrice.Add(move)
		return fill.Div(decimal.NewFromInt(1).Sub(slip))
	}
	fill := entry.EntryFillPrice.Sub(move)
	return fill.Div(decimal.NewFromInt(1).Add(slip))
}

func validateEntryParams(p EntryParams) error {
	switch {
	case p.AccountBalance.Sign() <= 0:
		return &types.InvalidInputError{Op: "SimulateEntry", Reason: "balance must be > 0"}
	case p.PositionSizePercent.Sign() <= 0 || p.PositionSizePercent.GreaterThan(oneHundred):
		return &types.InvalidInputError{Op: "SimulateEntry", Reason: "position size percent must be in (0, 100]"}
	case p.Leverage < 1 || p.Leverage > 100:
		return &types.InvalidInputError{Op: "SimulateEntry", Reason: "leverage must be in [1, 100]"}
	case !p.Side.Valid():
		return &types.InvalidInputError{Op: "SimulateEntry", Reason: "unknown side"}
	case p.MidPrice.Sign() <= 0:
		return &types.InvalidInputError{Op: "SimulateEntry", Reason: "mid price must be > 0"}
	case p.FillModel == ProbabilisticLimit && p.LimitPrice.Sign() <= 0:
		return &types.InvalidInputError{Op: "SimulateEntry", Reason: "limit price must be > 0 for probabilistic fills"}
	}
	return nil
}
