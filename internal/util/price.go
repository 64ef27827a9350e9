// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// OptionTick is the minimum price increment for index options on NSE/BSE.
const OptionTick = 0.05

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 56.43 becomes 56.45. Ties round away from zero.
func RoundToTick(x, tick float64) float64 {
	return toTick(x, tick, decimal.Decimal.Round)
}

// FloorToTick rounds x down to a tick multiple.
func FloorToTick(x, tick float64) float64 {
	return toTick(x, tick, func(d decimal.Decimal, _ int32) decimal.Decimal { return d.Floor() })
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick float64) float64 {
	return toTick(x, tick, func(d decimal.Decimal, _ int32) decimal.Decimal { return d.Ceil() })
}

func toTick(x, tick float64, round func(decimal.Decimal, int32) decimal.Decimal) float64 {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	t := decimal.NewFromFloat(math.Abs(tick))
	// Snap float noise (1.2999999999999) onto the tick grid before rounding.
	steps := decimal.NewFromFloat(x).Div(t).Round(8)
	f, _ := round(steps, 0).Mul(t).Float64()
	return f
}

// RoundStrike rounds an underlying level to the nearest listed strike.
func RoundStrike(level, step float64) float64 {
	return RoundToTick(level, step)
}

// Mul returns a*b computed exactly, then rounded to 8 decimals.
func Mul(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(8).Float64()
	return f
}

// BelowBand reports whether price sits strictly below anchor*(1-band).
// The threshold is computed in decimal so that 94*0.95 is exactly 89.3.
func BelowBand(price, anchor, band float64) bool {
	threshold := decimal.NewFromFloat(anchor).Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(band)))
	return decimal.NewFromFloat(price).LessThan(threshold)
}

// AboveBand reports whether price sits strictly above anchor*(1+band).
func AboveBand(price, anchor, band float64) bool {
	threshold := decimal.NewFromFloat(anchor).Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(band)))
	return decimal.NewFromFloat(price).GreaterThan(threshold)
}
