// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// A non-positive tick returns x unchanged.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// FloorToTick rounds x down to a tick multiple. Used for credit limits so a
// working order never asks for more than was quoted.
func FloorToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Ceil().Mul(tick)
}
