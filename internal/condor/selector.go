package condor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// QuoteIndex looks quotes up by (strike, right, expiry).
type QuoteIndex map[string]models.ChainQuote

// NewQuoteIndex indexes a snapshot. When the snapshot carries duplicate
// contracts the first one wins.
func NewQuoteIndex(quotes []models.ChainQuote) QuoteIndex {
	idx := make(QuoteIndex, len(quotes))
	for _, q := range quotes {
		k := q.Key()
		if _, ok := idx[k]; !ok {
			idx[k] = q
		}
	}
	return idx
}

// Lookup returns the quote for one leg.
func (idx QuoteIndex) Lookup(leg models.LegRef) (models.ChainQuote, bool) {
	q, ok := idx[leg.Key()]
	return q, ok
}

// SelectLegs picks the condor for the nearest expiry in quotes: the put and
// call nearest the target delta, plus wings exactly WingWidth further out.
func SelectLegs(quotes []models.ChainQuote, p Params) (models.CondorSpec, error) {
	if len(quotes) == 0 {
		return models.CondorSpec{}, fmt.Errorf("%w: empty chain", ErrNoShortLegFound)
	}

	expiry := quotes[0].Expiry
	for _, q := range quotes[1:] {
		if q.Expiry.Before(expiry) {
			expiry = q.Expiry
		}
	}

	candidates := make([]models.ChainQuote, 0, len(quotes))
	for _, q := range quotes {
		if q.Expiry.Equal(expiry) && q.Delta.Valid {
			candidates = append(candidates, q)
		}
	}

	putTarget := p.ShortDelta.Neg()
	shortPut, okPut := nearestDelta(candidates, models.RightPut, putTarget)
	shortCall, okCall := nearestDelta(candidates, models.RightCall, p.ShortDelta)
	if !okPut || !okCall {
		return models.CondorSpec{}, fmt.Errorf("%w: no %s-delta %s on %s",
			ErrNoShortLegFound, p.ShortDelta, missingSide(okPut, okCall), expiry.Format(models.ExpiryLayout))
	}

	idx := NewQuoteIndex(candidates)
	wingPutRef := models.LegRef{Strike: shortPut.Strike.Sub(p.WingWidth), Right: models.RightPut, Expiry: expiry}
	wingCallRef := models.LegRef{Strike: shortCall.Strike.Add(p.WingWidth), Right: models.RightCall, Expiry: expiry}
	wingPut, ok := idx.Lookup(wingPutRef)
	if !ok {
		return models.CondorSpec{}, fmt.Errorf("%w: %s", ErrMissingWing, wingPutRef)
	}
	wingCall, ok := idx.Lookup(wingCallRef)
	if !ok {
		return models.CondorSpec{}, fmt.Errorf("%w: %s", ErrMissingWing, wingCallRef)
	}

	spec := models.CondorSpec{
		ShortPut:  shortPut.Ref(),
		WingPut:   wingPut.Ref(),
		ShortCall: shortCall.Ref(),
		WingCall:  wingCall.Ref(),
	}
	if err := spec.Validate(p.WingWidth); err != nil {
		// Only reachable when the put and call shorts cross.
		return models.CondorSpec{}, fmt.Errorf("%w: %v", ErrNoShortLegFound, err)
	}
	return spec, nil
}

func nearestDelta(quotes []models.ChainQuote, right models.OptionRight, target decimal.Decimal) (models.ChainQuote, bool) {
	var (
		best     models.ChainQuote
		bestDist decimal.Decimal
		found    bool
	)
	for _, q := range quotes {
		if q.Right != right {
			continue
		}
		dist := q.Delta.Decimal.Sub(target).Abs()
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = q, dist, true
		}
	}
	return best, found
}

func missingSide(okPut, okCall bool) string {
	switch {
	case !okPut && !okCall:
		return "put or call"
	case !okPut:
		return "put"
	default:
		return "call"
	}
}
