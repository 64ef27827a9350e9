package strategy

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

func newShortLeg(entry float64) *models.Leg {
	return &models.Leg{
		Side:         models.SideShort,
		Role:         models.RoleEntry,
		Quantity:     50,
		EntryPremium: entry,
		PeakPremium:  entry,
		StopPrice:    entry * 1.75,
		Status:       models.LegOpen,
	}
}

func TestTrail(t *testing.T) {
	tests := []struct {
		name          string
		peak, stop    float64
		price         float64
		wantFired     bool
		wantTightened bool
		wantStop      float64
		wantPeak      float64
	}{
		{"above band", 100, 175, 96, false, false, 175, 100},
		{"on band edge", 100, 175, 95, false, false, 175, 100},
		{"below band", 100, 175, 94, true, true, 56.4, 94},
		{"fires without tightening", 100, 50, 90, true, false, 50, 90},
		{"zero price ignored", 100, 175, 0, false, false, 175, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg := newShortLeg(100)
			leg.PeakPremium, leg.StopPrice = tt.peak, tt.stop
			fired, tightened := trail(leg, tt.price, 0.05, 0.60)
			if fired != tt.wantFired || tightened != tt.wantTightened {
				t.Errorf("trail = %v, %v; want %v, %v", fired, tightened, tt.wantFired, tt.wantTightened)
			}
			if leg.StopPrice != tt.wantStop {
				t.Errorf("stop = %v, want %v", leg.StopPrice, tt.wantStop)
			}
			if leg.PeakPremium != tt.wantPeak {
				t.Errorf("peak = %v, want %v", leg.PeakPremium, tt.wantPeak)
			}
		})
	}
}

func TestProperty_TrailedStopNeverLoosens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("stop of a short leg never increases", prop.ForAll(
		func(entry float64, prices []float64) bool {
			leg := newShortLeg(entry)
			prev := leg.StopPrice
			for _, p := range prices {
				trail(leg, p, 0.05, 0.60)
				if leg.StopPrice > prev {
					return false
				}
				prev = leg.StopPrice
			}
			return true
		},
		gen.Float64Range(5, 500),
		gen.SliceOf(gen.Float64Range(0.05, 800)),
	))

	properties.Property("anchor only moves down", prop.ForAll(
		func(entry float64, prices []float64) bool {
			leg := newShortLeg(entry)
			prev := leg.PeakPremium
			for _, p := range prices {
				trail(leg, p, 0.05, 0.60)
				if leg.PeakPremium > prev {
					return false
				}
				prev = leg.PeakPremium
			}
			return true
		},
		gen.Float64Range(5, 500),
		gen.SliceOf(gen.Float64Range(0.05, 800)),
	))

	properties.TestingRun(t)
}
