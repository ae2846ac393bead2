package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"perp-orchestrator/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func defaultPolicy() TrailingPolicy {
	return TrailingPolicy{
		BreakEvenBuffer: dec("0.1"),
		StepPercent:     dec("0.15"),
		MovePercent:     dec("0.05"),
	}
}

func longInputs() TrailingInputs {
	return TrailingInputs{
		Side:        types.Long,
		EntryPrice:  dec("50000"),
		CurrentStop: dec("49975"), // initial SL for 0.5% ROI at 10x
		Leverage:    10,
		FeeIn:       dec("0.0006"),
		FeeOut:      dec("0.0006"),
	}
}

func TestBreakEvenArmsAtExactBoundary(t *testing.T) {
	t.Parallel()
	in := longInputs()
	// breakEvenROI = (0.0006+0.0006)×10×100 + 0.1 = 1.3
	in.CurrentROI = dec("1.3")

	got, err := defaultPolicy().NextStop(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonBreakEven {
		t.Fatalf("reason = %q, want break_even", got.Reason)
	}
	if !got.NewStop.Equal(dec("50005")) {
		t.Errorf("stop = %s, want 50005", got.NewStop)
	}
	if !got.BreakEvenArmed {
		t.Error("not armed after break-even")
	}
}

func TestBreakEvenBelowBoundaryIsNoChange(t *testing.T) {
	t.Parallel()
	in := longInputs()
	in.CurrentROI = dec("1.29")

	got, err := defaultPolicy().NextStop(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonNoChange {
		t.Errorf("reason = %q, want no_change", got.Reason)
	}
	if got.BreakEvenArmed {
		t.Error("armed below the boundary")
	}
	if !got.NewStop.Equal(in.CurrentStop) {
		t.Errorf("stop moved to %s", got.NewStop)
	}
}

func TestStaircaseStepTightens(t *testing.T) {
	t.Parallel()
	in := longInputs()
	in.CurrentStop = dec("50005")
	in.BreakEvenArmed = true
	// progress = 1.60 − 1.3 = 0.30, step = floor(0.30/0.15) = 2
	in.CurrentROI = dec("1.60")

	got, err := defaultPolicy().NextStop(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonTrailingStep {
		t.Fatalf("reason = %q, want trailing_step", got.Reason)
	}
	if got.NewLastStep != 2 {
		t.Errorf("step = %d, want 2", got.NewLastStep)
	}
	// 50000 × (1 + 0.0016 × 0.9995) = 50079.96
	if !got.NewStop.Equal(dec("50079.96")) {
		t.Errorf("stop = %s, want 50079.96", got.NewStop)
	}
}

func TestStaircaseRetreatIsNoChange(t *testing.T) {
	t.Parallel()
	in := longInputs()
	in.CurrentStop = dec("50079.96")
	in.BreakEvenArmed = true
	in.LastROIStep = 2
	// ROI pulled back below the step-2 level: stop must hold.
	in.CurrentROI = dec("1.59")

	got, err := defaultPolicy().NextStop(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonNoChange {
		t.Errorf("reason = %q, want no_change", got.Reason)
	}
	if !got.NewStop.Equal(dec("50079.96")) {
		t.Errorf("stop = %s, want unchanged", got.NewStop)
	}
	if got.NewLastStep != 2 {
		t.Errorf("step = %d, want 2", got.NewLastStep)
	}
}

func TestStaircaseSameStepIsNoChange(t *testing.T) {
	t.Parallel()
	in := longInputs()
	in.CurrentStop = dec("50005")
	in.BreakEvenArmed = true
	in.LastROIStep = 1
	// progress = 0.29, still step 1
	in.CurrentROI = dec("1.59")

	got, err := defaultPolicy().NextStop(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonNoChange {
		t.Errorf("reason = %q, want no_change", got.Reason)
	}
}

func TestMonotonicInvariantLongAndShort(t *testing.T) {
	t.Parallel()
	policy := defaultPolicy()

	rois := []string{"0.5", "1.3", "2.1", "1.4", "3.0", "0.2", "4.5"}
	for _, side := range []types.Side{types.Long, types.Short} {
		in := longInputs()
		in.Side = side
		if side == types.Short {
			in.CurrentStop = dec("50025")
		}
		prev := in.CurrentStop

		for _, roi := range rois {
			in.CurrentROI = dec(roi)
			got, err := policy.NextStop(in)
			if err != nil {
				t.Fatal(err)
			}
			if side == types.Long && got.NewStop.LessThan(prev) {
				t.Fatalf("long stop decreased: %s -> %s at roi %s", prev, got.NewStop, roi)
			}
			if side == types.Short && got.NewStop.GreaterThan(prev) {
				t.Fatalf("short stop increased: %s -> %s at roi %s", prev, got.NewStop, roi)
			}
			prev = got.NewStop
			in.CurrentStop = got.NewStop
			in.LastROIStep = got.NewLastStep
			in.BreakEvenArmed = got.BreakEvenArmed
		}
	}
}

func TestShortBreakEvenMovesBelowEntry(t *testing.T) {
	t.Parallel()
	in := longInputs()
	in.Side = types.Short
	in.CurrentStop = dec("50025")
	in.CurrentROI = dec("1.3")

	got, err := defaultPolicy().NextStop(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonBreakEven {
		t.Fatalf("reason = %q", got.Reason)
	}
	if !got.NewStop.Equal(dec("49995")) {
		t.Errorf("short break-even stop = %s, want 49995", got.NewStop)
	}
}

func TestInitialStopDelegates(t *testing.T) {
	t.Parallel()
	stop, err := InitialStop(types.Long, dec("50010"), dec("0.5"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if !stop.Equal(dec("49984.995")) {
		t.Errorf("initial stop = %s, want 49984.995", stop)
	}
}
