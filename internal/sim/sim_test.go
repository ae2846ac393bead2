package sim

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-orchestrator/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// baseParams mirrors the standard scenario: 10x leverage, 100 margin,
// taker fee 6 bps, slippage 0.02%.
func baseParams() EntryParams {
	return EntryParams{
		AccountBalance:      dec("20000"),
		PositionSizePercent: dec("0.5"),
		Leverage:            10,
		Side:                types.Long,
		MidPrice:            dec("50000"),
		FillModel:           Taker,
		MakerFee:            dec("0.0002"),
		TakerFee:            dec("0.0006"),
		SlippagePercent:     dec("0.02"),
	}
}

func TestSimulateEntryTakerFill(t *testing.T) {
	t.Parallel()
	entry, err := SimulateEntry(baseParams(), nil)
	require.NoError(t, err)

	assert.True(t, entry.Margin.Equal(dec("100")), "margin = %s", entry.Margin)
	assert.True(t, entry.Notional.Equal(dec("1000")), "notional = %s", entry.Notional)
	// mid × (1 + 0.0002) adverse to the long taker
	assert.True(t, entry.EntryFillPrice.Equal(dec("50010")), "fill = %s", entry.EntryFillPrice)
	// 1000 / 50010 ≈ 0.019996
	assert.InDelta(t, 0.019996, entry.Size.InexactFloat64(), 1e-6)
	assert.True(t, entry.EntryFee.Equal(dec("0.6")), "entry fee = %s", entry.EntryFee)
	assert.False(t, entry.MakerFilled)
}

func TestSimulateEntryShortReceivesLess(t *testing.T) {
	t.Parallel()
	p := baseParams()
	p.Side = types.Short
	entry, err := SimulateEntry(p, nil)
	require.NoError(t, err)
	assert.True(t, entry.EntryFillPrice.Equal(dec("49990")), "fill = %s", entry.EntryFillPrice)
}

func TestSimulateEntryProbabilisticLimit(t *testing.T) {
	t.Parallel()
	p := baseParams()
	p.FillModel = ProbabilisticLimit
	p.LimitPrice = dec("49995")
	p.FillProbability = 1.0

	entry, err := SimulateEntry(p, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.True(t, entry.MakerFilled)
	assert.True(t, entry.EntryFillPrice.Equal(dec("49995")))
	assert.True(t, entry.FeeRateUsed.Equal(dec("0.0002")), "maker fee expected")

	// Probability zero always falls back to the slipped taker fill.
	p.FillProbability = 0
	entry, err = SimulateEntry(p, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.False(t, entry.MakerFilled)
	assert.True(t, entry.EntryFillPrice.Equal(dec("50010")))
	assert.True(t, entry.FeeRateUsed.Equal(dec("0.0006")))
}

func TestMarkToMarketImmediatelyAfterEntryIsNegative(t *testing.T) {
	t.Parallel()
	entry, err := SimulateEntry(baseParams(), nil)
	require.NoError(t, err)

	mtm, err := MarkToMarket(entry, dec("50000"), decimal.Zero)
	require.NoError(t, err)
	// Entry slippage alone: gross = (50000 − 50010) × size < 0.
	assert.True(t, mtm.UnrealizedGross.Sign() < 0)
	assert.True(t, mtm.UnrealizedNet.LessThan(mtm.UnrealizedGross))
	assert.True(t, mtm.UnrealizedROI.Sign() < 0)
}

func TestSimulateExitAtTakeProfit(t *testing.T) {
	t.Parallel()
	entry, err := SimulateEntry(baseParams(), nil)
	require.NoError(t, err)

	// TP for entry 50010, 2% ROI at 10x: 50110.02. Exit fill after adverse
	// slippage ≈ 50100.00.
	exit, err := SimulateExit(entry, dec("50110.02"), dec("0.0006"), dec("0.02"), decimal.Zero, types.ExitTakeProfit)
	require.NoError(t, err)

	assert.InDelta(t, 50099.998, exit.ExitFillPrice.InexactFloat64(), 0.01)
	assert.True(t, exit.ExitFee.Equal(dec("0.6")))
	assert.True(t, exit.NetRealized.Sign() > 0, "net = %s", exit.NetRealized)
	// Fees eat into the 2% target: positive but well under it.
	assert.True(t, exit.RealizedROI.LessThan(dec("2")), "roi = %s", exit.RealizedROI)
	assert.Equal(t, types.ExitTakeProfit, exit.ExitReason)
}

func TestRoundTripIsPureFeeLoss(t *testing.T) {
	t.Parallel()
	for _, side := range []types.Side{types.Long, types.Short} {
		p := baseParams()
		p.Side = side
		entry, err := SimulateEntry(p, nil)
		require.NoError(t, err)

		// Exit at the entry fill with zero slippage and funding: the loss is
		// exactly both legs' fees.
		exit, err := SimulateExit(entry, entry.EntryFillPrice, dec("0.0006"), decimal.Zero, decimal.Zero, types.ExitManual)
		require.NoError(t, err)

		wantLoss := entry.EntryFee.Add(exit.ExitFee).Neg()
		assert.True(t, exit.NetRealized.Equal(wantLoss),
			"%s round trip net = %s, want %s", side, exit.NetRealized, wantLoss)
	}
}

func TestBreakEvenPriceZeroesNet(t *testing.T) {
	t.Parallel()
	for _, side := range []types.Side{types.Long, types.Short} {
		p := baseParams()
		p.Side = side
		entry, err := SimulateEntry(p, nil)
		require.NoError(t, err)

		be := BreakEvenPrice(entry, dec("0.0006"), dec("0.02"))
		exit, err := SimulateExit(entry, be, dec("0.0006"), dec("0.02"), decimal.Zero, types.ExitManual)
		require.NoError(t, err)

		assert.InDelta(t, 0, exit.NetRealized.InexactFloat64(), 1e-9,
			"%s net at break-even = %s", side, exit.NetRealized)
	}
}

func TestNetNeverExceedsGross(t *testing.T) {
	t.Parallel()
	entry, err := SimulateEntry(baseParams(), nil)
	require.NoError(t, err)

	for _, price := range []string{"49000", "50010", "51000", "60000"} {
		exit, err := SimulateExit(entry, dec(price), dec("0.0006"), dec("0.02"), dec("0.05"), types.ExitManual)
		require.NoError(t, err)
		assert.True(t, exit.NetRealized.LessThanOrEqual(exit.GrossRealized),
			"net %s > gross %s at %s", exit.NetRealized, exit.GrossRealized, price)
	}
}

func TestSimulateEntryValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*EntryParams)
	}{
		{"zero balance", func(p *EntryParams) { p.AccountBalance = decimal.Zero }},
		{"size percent over 100", func(p *EntryParams) { p.PositionSizePercent = dec("101") }},
		{"zero size percent", func(p *EntryParams) { p.PositionSizePercent = decimal.Zero }},
		{"zero leverage", func(p *EntryParams) { p.Leverage = 0 }},
		{"leverage over 100", func(p *EntryParams) { p.Leverage = 101 }},
		{"bad side", func(p *EntryParams) { p.Side = types.Side("sideways") }},
		{"zero mid", func(p *EntryParams) { p.MidPrice = decimal.Zero }},
		{"probabilistic without limit", func(p *EntryParams) {
			p.FillModel = ProbabilisticLimit
			p.LimitPrice = decimal.Zero
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := baseParams()
			tc.mutate(&p)
			_, err := SimulateEntry(p, nil)
			var invalid *types.InvalidInputError
			require.ErrorAs(t, err, &invalid)
		})
	}
}
