package util

import (
	"math"
	"testing"
)

type tickCase struct {
	name string
	x    float64
	tick float64
	want float64
}

func checkTicks(t *testing.T, fn string, f func(x, tick float64) float64, tests []tickCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f(tt.x, tt.tick); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("%s(%v, %v) = %v, want %v", fn, tt.x, tt.tick, got, tt.want)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	checkTicks(t, "RoundToTick", RoundToTick, []tickCase{
		{name: "stop rounds up", x: 56.43, tick: OptionTick, want: 56.45},
		{name: "stop rounds down", x: 53.52, tick: OptionTick, want: 53.50},
		{name: "tie rounds away from zero", x: 100.025, tick: OptionTick, want: 100.05},
		{name: "negative tie rounds away from zero", x: -100.025, tick: OptionTick, want: -100.05},
		{name: "exact tick", x: 175, tick: OptionTick, want: 175},
		{name: "float noise from sl factor", x: 100 * 1.75, tick: OptionTick, want: 175},
		{name: "trigger below stop", x: 56.45 - 0.5, tick: OptionTick, want: 55.95},
	})
}

func TestFloorToTick(t *testing.T) {
	checkTicks(t, "FloorToTick", FloorToTick, []tickCase{
		{name: "exact tick", x: 1.30, tick: OptionTick, want: 1.30},
		// Values within float noise of a grid point snap onto it first.
		{name: "noise below a tick snaps to it", x: 1.2999999999999, tick: OptionTick, want: 1.30},
		{name: "noise above a tick snaps to it", x: 1.2500000000001, tick: OptionTick, want: 1.25},
		{name: "between ticks", x: 56.43, tick: OptionTick, want: 56.40},
		{name: "negative between ticks", x: -56.43, tick: OptionTick, want: -56.45},
		{name: "strike step", x: 20049, tick: 50, want: 20000},
	})
}

func TestCeilToTick(t *testing.T) {
	checkTicks(t, "CeilToTick", CeilToTick, []tickCase{
		{name: "exact tick", x: 1.30, tick: OptionTick, want: 1.30},
		{name: "noise above a tick snaps to it", x: 1.2500000000001, tick: OptionTick, want: 1.25},
		{name: "noise below a tick snaps to it", x: 1.2999999999999, tick: OptionTick, want: 1.30},
		{name: "between ticks", x: 56.41, tick: OptionTick, want: 56.45},
		{name: "negative between ticks", x: -56.43, tick: OptionTick, want: -56.40},
		{name: "strike step", x: 20001, tick: 50, want: 20050},
	})
}

func TestTickRoundingEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		input := 56.43
		for name, f := range map[string]func(float64, float64) float64{
			"RoundToTick": RoundToTick, "FloorToTick": FloorToTick, "CeilToTick": CeilToTick,
		} {
			if got := f(input, 0); got != input {
				t.Errorf("%s(%v, 0) = %v, want %v", name, input, got, input)
			}
		}
	})

	t.Run("NaN and Inf return unchanged", func(t *testing.T) {
		if got := RoundToTick(math.NaN(), OptionTick); !math.IsNaN(got) {
			t.Errorf("RoundToTick(NaN) = %v", got)
		}
		if got := FloorToTick(math.Inf(1), OptionTick); !math.IsInf(got, 1) {
			t.Errorf("FloorToTick(+Inf) = %v", got)
		}
		if got := CeilToTick(math.Inf(-1), OptionTick); !math.IsInf(got, -1) {
			t.Errorf("CeilToTick(-Inf) = %v", got)
		}
	})

	t.Run("negative tick uses absolute value", func(t *testing.T) {
		if got := RoundToTick(56.43, -OptionTick); math.Abs(got-56.45) > 1e-9 {
			t.Errorf("RoundToTick(56.43, -0.05) = %v, want 56.45", got)
		}
	})
}

func TestBelowBand(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		anchor float64
		want   bool
	}{
		{name: "first band from entry", price: 94, anchor: 100, want: true},
		{name: "exact edge does not fire", price: 95, anchor: 100, want: false},
		{name: "inside band", price: 93, anchor: 94, want: false},
		{name: "decimal edge 89.3 does not fire", price: 89.3, anchor: 94, want: false},
		{name: "just past decimal edge", price: 89.2, anchor: 94, want: true},
		{name: "price above anchor", price: 120, anchor: 100, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BelowBand(tt.price, tt.anchor, 0.05); got != tt.want {
				t.Errorf("BelowBand(%v, %v, 0.05) = %v, want %v", tt.price, tt.anchor, got, tt.want)
			}
		})
	}
}

func TestAboveBand(t *testing.T) {
	if AboveBand(105, 100, 0.05) {
		t.Error("AboveBand(105, 100) should not fire on the edge")
	}
	if !AboveBand(105.05, 100, 0.05) {
		t.Error("AboveBand(105.05, 100) should fire")
	}
}

func TestMul(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{0.6, 94, 56.4},
		{0.6, 89.2, 53.52},
		{1.75, 100, 175},
	}
	for _, tt := range tests {
		if got := Mul(tt.a, tt.b); got != tt.want {
			t.Errorf("Mul(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRoundStrike(t *testing.T) {
	tests := []struct {
		level, step, want float64
	}{
		{20012, 50, 20000},
		{20025, 50, 20050},
		{44849, 100, 44800},
		{20200, 50, 20200},
	}
	for _, tt := range tests {
		if got := RoundStrike(tt.level, tt.step); got != tt.want {
			t.Errorf("RoundStrike(%v, %v) = %v, want %v", tt.level, tt.step, got, tt.want)
		}
	}
}
