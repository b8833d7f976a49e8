package condor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// legQuotes resolves all four legs or reports the first missing one.
func legQuotes(spec models.CondorSpec, idx QuoteIndex) ([4]models.ChainQuote, error) {
	var out [4]models.ChainQuote
	for i, leg := range spec.Legs() {
		q, ok := idx.Lookup(leg)
		if !ok {
			return out, fmt.Errorf("%w: no quote for %s", ErrQuoteUnavailable, leg)
		}
		out[i] = q
	}
	return out, nil
}

// EntryCredit prices opening the condor at the seller's worst case: shorts at
// the bid, wings at the ask. Non-positive prices are replaced by the tick.
func EntryCredit(spec models.CondorSpec, idx QuoteIndex, tick decimal.Decimal) (decimal.Decimal, error) {
	q, err := legQuotes(spec, idx)
	if err != nil {
		return decimal.Zero, err
	}
	sp, wp, sc, wc := q[0], q[1], q[2], q[3]
	return floorTick(sp.Bid, tick).
		Add(floorTick(sc.Bid, tick)).
		Sub(floorTick(wp.Ask, tick)).
		Sub(floorTick(wc.Ask, tick)), nil
}

// UnwindCost is the debit paid to close the condor: shorts bought back at the
// ask, wings sold at the bid. A falling value means profit for the seller.
// Short asks must be positive for the quote to be usable.
func UnwindCost(spec models.CondorSpec, idx QuoteIndex) (decimal.Decimal, error) {
	q, err := legQuotes(spec, idx)
	if err != nil {
		return decimal.Zero, err
	}
	sp, wp, sc, wc := q[0], q[1], q[2], q[3]
	if !sp.Ask.IsPositive() || !sc.Ask.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: short leg has no ask", ErrQuoteUnavailable)
	}
	if wp.Bid.IsNegative() || wc.Bid.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: wing has negative bid", ErrQuoteUnavailable)
	}
	return sp.Ask.Add(sc.Ask).Sub(wp.Bid).Sub(wc.Bid), nil
}

// CheckCredit rejects structures that collect less than the target share of
// the wing width. A credit of zero or less never passes, whatever the target.
func CheckCredit(credit decimal.Decimal, p Params) error {
	target := p.WingWidth.Mul(p.CreditTargetFraction)
	if !credit.IsPositive() || credit.LessThan(target) {
		return fmt.Errorf("%w: credit %s < target %s", ErrCreditBelowTarget, credit.StringFixed(2), target.StringFixed(2))
	}
	return nil
}

// RiskPerUnit is max(0.01, W - credit) x multiplier.
func RiskPerUnit(credit decimal.Decimal, p Params) decimal.Decimal {
	return decimal.Max(p.tick(), p.WingWidth.Sub(credit)).Mul(p.multiplier())
}

// RiskReserved is quantity x max(0, W - credit) x multiplier.
func RiskReserved(quantity int, credit decimal.Decimal, p Params) decimal.Decimal {
	return decimal.Max(decimal.Zero, p.WingWidth.Sub(credit)).
		Mul(p.multiplier()).
		Mul(decimal.NewFromInt(int64(quantity)))
}

// Size returns floor(room / riskPerUnit), at least 1 while room is positive
// and never above maxContracts when that is set.
func Size(room, riskPerUnit decimal.Decimal, maxContracts int) int {
	if !room.IsPositive() || !riskPerUnit.IsPositive() {
		return 0
	}
	qty := int(room.Div(riskPerUnit).Floor().IntPart())
	if qty < 1 {
		qty = 1
	}
	if maxContracts > 0 && qty > maxContracts {
		qty = maxContracts
	}
	return qty
}

func floorTick(price, tick decimal.Decimal) decimal.Decimal {
	if price.IsPositive() {
		return price
	}
	return tick
}
