package condor

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// Evaluation is the state a single position is judged on within one cycle.
type Evaluation struct {
	Position       models.Position
	Unwind         decimal.Decimal
	DaysToExpiry   int
	ShortPutDelta  decimal.NullDecimal
	ShortCallDelta decimal.NullDecimal
}

type exitRule struct {
	reason models.CloseReason
	match  func(p Params, e Evaluation) bool
}

// exitRules are checked top to bottom; the first match closes the position.
var exitRules = []exitRule{
	{models.CloseReasonProfitTarget, func(p Params, e Evaluation) bool {
		return e.Unwind.LessThanOrEqual(e.Position.EntryCredit.Mul(p.ProfitTargetPct))
	}},
	{models.CloseReasonStopLoss, func(p Params, e Evaluation) bool {
		return e.Unwind.GreaterThanOrEqual(e.Position.EntryCredit.Mul(p.LossStopMult))
	}},
	{models.CloseReasonTimeExit, func(p Params, e Evaluation) bool {
		return e.DaysToExpiry <= p.TimeExitDays
	}},
	{models.CloseReasonDeltaRoll, func(p Params, e Evaluation) bool {
		return deltaBreached(e.ShortPutDelta, p.DeltaRollTrigger) ||
			deltaBreached(e.ShortCallDelta, p.DeltaRollTrigger)
	}},
}

func deltaBreached(delta decimal.NullDecimal, trigger decimal.Decimal) bool {
	return delta.Valid && delta.Decimal.Abs().GreaterThan(trigger)
}

// Decide applies the exit rules in order and returns the first matching
// reason, or CloseReasonNone when the position stays open.
func Decide(p Params, e Evaluation) models.CloseReason {
	for _, r := range exitRules {
		if r.match(p, e) {
			return r.reason
		}
	}
	return models.CloseReasonNone
}

// Evaluate prices one open position against the cycle snapshot and decides
// whether it should close. ErrQuoteUnavailable means the position is skipped
// this cycle.
func Evaluate(p Params, pos models.Position, idx QuoteIndex, today time.Time) (models.CloseReason, decimal.Decimal, error) {
	unwind, err := UnwindCost(pos.Spec, idx)
	if err != nil {
		return models.CloseReasonNone, decimal.Zero, err
	}
	e := Evaluation{
		Position:     pos,
		Unwind:       unwind,
		DaysToExpiry: pos.DaysToExpiry(today),
	}
	if q, ok := idx.Lookup(pos.Spec.ShortPut); ok {
		e.ShortPutDelta = q.Delta
	}
	if q, ok := idx.Lookup(pos.Spec.ShortCall); ok {
		e.ShortCallDelta = q.Delta
	}
	return Decide(p, e), unwind, nil
}
