package condor

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Gate is the volatility-regime filter in front of every entry.
type Gate struct {
	VIXMin decimal.Decimal
	IVRMin decimal.Decimal
}

// NewGate builds a gate from engine parameters.
func NewGate(p Params) Gate {
	return Gate{VIXMin: p.VIXMin, IVRMin: p.IVRMin}
}

// Evaluate returns nil when new risk may be taken. An undefined rank keeps
// the gate closed.
func (g Gate) Evaluate(vix decimal.Decimal, ivr decimal.NullDecimal) error {
	if vix.LessThan(g.VIXMin) {
		return fmt.Errorf("%w: vix %s < %s", ErrGateClosed, vix.StringFixed(2), g.VIXMin.StringFixed(2))
	}
	if !ivr.Valid {
		return fmt.Errorf("%w: volatility rank undefined", ErrGateClosed)
	}
	if ivr.Decimal.LessThan(g.IVRMin) {
		return fmt.Errorf("%w: ivr %s < %s", ErrGateClosed, ivr.Decimal.StringFixed(2), g.IVRMin.StringFixed(2))
	}
	return nil
}

// VolatilityRank computes (current - min) / (max - min) over the lookback
// history, clamped to [0, 1]. It is undefined for an empty history or a flat
// one.
func VolatilityRank(current decimal.Decimal, history []decimal.Decimal) decimal.NullDecimal {
	if len(history) == 0 {
		return decimal.NullDecimal{}
	}
	lo, hi := decimal.Min(history[0], history[1:]...), decimal.Max(history[0], history[1:]...)
	if !hi.GreaterThan(lo) {
		return decimal.NullDecimal{}
	}
	rank := current.Sub(lo).Div(hi.Sub(lo))
	rank = decimal.Max(decimal.Zero, decimal.Min(rank, decimal.NewFromInt(1)))
	return decimal.NewNullDecimal(rank)
}
