package condor

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

var (
	nearExpiry = time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	farExpiry  = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// quote builds a chain quote; an empty delta means greeks are absent.
func quote(strike string, right models.OptionRight, exp time.Time, bid, ask, delta string) models.ChainQuote {
	q := models.ChainQuote{
		Symbol: "SPY",
		Strike: dec(strike),
		Right:  right,
		Expiry: exp,
		Bid:    dec(bid),
		Ask:    dec(ask),
	}
	if delta != "" {
		q.Delta = decimal.NewNullDecimal(dec(delta))
	}
	return q
}

// testChain prices to an entry credit of 1.60 on the 440/435 put and 460/465
// call spreads for the near expiry.
func testChain() []models.ChainQuote {
	put, call := models.RightPut, models.RightCall
	return []models.ChainQuote{
		quote("430", put, nearExpiry, "0.10", "0.15", "-0.05"),
		quote("435", put, nearExpiry, "0.35", "0.40", "-0.11"),
		quote("440", put, nearExpiry, "1.20", "1.25", "-0.19"),
		quote("445", put, nearExpiry, "1.90", "1.95", "-0.31"),
		quote("455", call, nearExpiry, "1.90", "1.95", "0.32"),
		quote("460", call, nearExpiry, "1.20", "1.25", "0.22"),
		quote("465", call, nearExpiry, "0.35", "0.40", "0.10"),
		quote("470", call, nearExpiry, "0.10", "0.15", "0.04"),
		// later expiry must be ignored even though its deltas match exactly
		quote("440", put, farExpiry, "2.00", "2.05", "-0.20"),
		quote("435", put, farExpiry, "1.00", "1.05", "-0.14"),
		quote("460", call, farExpiry, "2.00", "2.05", "0.20"),
		quote("465", call, farExpiry, "1.00", "1.05", "0.14"),
	}
}

func testParams() Params {
	return DefaultParams()
}

func TestGate_Evaluate(t *testing.T) {
	g := NewGate(testParams())
	ivr := decimal.NewNullDecimal(dec("0.55"))

	tests := []struct {
		name string
		vix  string
		ivr  decimal.NullDecimal
		open bool
	}{
		{"vix below min closes regardless of ivr", "17.9", decimal.NewNullDecimal(dec("0.99")), false},
		{"vix at min with ivr", "18.0", ivr, true},
		{"undefined ivr fails safe", "25", decimal.NullDecimal{}, false},
		{"ivr below min", "25", decimal.NewNullDecimal(dec("0.39")), false},
		{"ivr at min", "25", decimal.NewNullDecimal(dec("0.40")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Evaluate(dec(tt.vix), tt.ivr)
			if tt.open {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrGateClosed)
			}
		})
	}
}

func TestVolatilityRank(t *testing.T) {
	hist := []decimal.Decimal{dec("12"), dec("30"), dec("20"), dec("15")}

	r := VolatilityRank(dec("21"), hist)
	require.True(t, r.Valid)
	assert.True(t, r.Decimal.Equal(dec("0.5")), "got %s", r.Decimal)

	assert.False(t, VolatilityRank(dec("21"), nil).Valid)
	assert.False(t, VolatilityRank(dec("21"), []decimal.Decimal{dec("20"), dec("20")}).Valid)

	high := VolatilityRank(dec("40"), hist)
	require.True(t, high.Valid)
	assert.True(t, high.Decimal.Equal(dec("1")))
}

func TestSelectLegs_NearestExpiryAndDelta(t *testing.T) {
	spec, err := SelectLegs(testChain(), testParams())
	require.NoError(t, err)

	assert.True(t, spec.ShortPut.Strike.Equal(dec("440")))
	assert.True(t, spec.WingPut.Strike.Equal(dec("435")))
	assert.True(t, spec.ShortCall.Strike.Equal(dec("460")))
	assert.True(t, spec.WingCall.Strike.Equal(dec("465")))
	for _, leg := range spec.Legs() {
		assert.True(t, leg.Expiry.Equal(nearExpiry), "leg %s on wrong expiry", leg)
	}
	assert.NoError(t, spec.Validate(dec("5")))
}

func TestSelectLegs_WingInvariantAcrossChains(t *testing.T) {
	w := dec("5")
	p := testParams()
	// Shift the whole chain through several strike levels; every accepted
	// spec must have wings exactly W away.
	for shift := 0; shift < 50; shift += 5 {
		var chain []models.ChainQuote
		for _, q := range testChain() {
			q.Strike = q.Strike.Add(decimal.NewFromInt(int64(shift)))
			chain = append(chain, q)
		}
		spec, err := SelectLegs(chain, p)
		require.NoError(t, err)
		assert.True(t, spec.WingPut.Strike.Equal(spec.ShortPut.Strike.Sub(w)))
		assert.True(t, spec.WingCall.Strike.Equal(spec.ShortCall.Strike.Add(w)))
	}
}

func TestSelectLegs_Failures(t *testing.T) {
	p := testParams()

	t.Run("empty chain", func(t *testing.T) {
		_, err := SelectLegs(nil, p)
		assert.ErrorIs(t, err, ErrNoShortLegFound)
	})

	t.Run("no deltas yet", func(t *testing.T) {
		chain := testChain()
		for i := range chain {
			chain[i].Delta = decimal.NullDecimal{}
		}
		_, err := SelectLegs(chain, p)
		assert.ErrorIs(t, err, ErrNoShortLegFound)
	})

	t.Run("no calls on nearest expiry", func(t *testing.T) {
		var chain []models.ChainQuote
		for _, q := range testChain() {
			if q.Right == models.RightPut || q.Expiry.Equal(farExpiry) {
				chain = append(chain, q)
			}
		}
		_, err := SelectLegs(chain, p)
		assert.ErrorIs(t, err, ErrNoShortLegFound)
	})

	t.Run("missing put wing", func(t *testing.T) {
		var chain []models.ChainQuote
		for _, q := range testChain() {
			if q.Right == models.RightPut && q.Strike.Equal(dec("435")) && q.Expiry.Equal(nearExpiry) {
				continue
			}
			chain = append(chain, q)
		}
		_, err := SelectLegs(chain, p)
		assert.ErrorIs(t, err, ErrMissingWing)
	})

	t.Run("wing only on another expiry", func(t *testing.T) {
		var chain []models.ChainQuote
		for _, q := range testChain() {
			if q.Right == models.RightCall && q.Strike.Equal(dec("465")) && q.Expiry.Equal(nearExpiry) {
				continue
			}
			chain = append(chain, q)
		}
		_, err := SelectLegs(chain, p)
		assert.ErrorIs(t, err, ErrMissingWing)
	})

	t.Run("no approximate wing", func(t *testing.T) {
		chain := testChain()
		for i := range chain {
			if chain[i].Right == models.RightCall && chain[i].Strike.Equal(dec("465")) {
				chain[i].Strike = dec("466")
			}
		}
		_, err := SelectLegs(chain, p)
		assert.ErrorIs(t, err, ErrMissingWing)
	})
}

func TestSelectLegs_TieBreakFirstEncountered(t *testing.T) {
	put, call := models.RightPut, models.RightCall
	chain := []models.ChainQuote{
		quote("440", put, nearExpiry, "1", "1.1", "-0.22"),
		quote("441", put, nearExpiry, "1", "1.1", "-0.18"),
		quote("435", put, nearExpiry, "1", "1.1", "-0.10"),
		quote("436", put, nearExpiry, "1", "1.1", "-0.10"),
		quote("460", call, nearExpiry, "1", "1.1", "0.20"),
		quote("465", call, nearExpiry, "1", "1.1", "0.10"),
	}
	spec, err := SelectLegs(chain, testParams())
	require.NoError(t, err)
	assert.True(t, spec.ShortPut.Strike.Equal(dec("440")), "first of equal distance should win")
}

func TestSelectLegs_IgnoresWingWithoutDelta(t *testing.T) {
	chain := testChain()
	for i := range chain {
		if chain[i].Strike.Equal(dec("435")) && chain[i].Expiry.Equal(nearExpiry) {
			chain[i].Delta = decimal.NullDecimal{}
		}
	}
	_, err := SelectLegs(chain, testParams())
	assert.ErrorIs(t, err, ErrMissingWing)
}

func TestEntryCredit(t *testing.T) {
	chain := testChain()
	spec, err := SelectLegs(chain, testParams())
	require.NoError(t, err)

	credit, err := EntryCredit(spec, NewQuoteIndex(chain), dec("0.01"))
	require.NoError(t, err)
	// 1.20 + 1.20 - 0.40 - 0.40
	assert.True(t, credit.Equal(dec("1.60")), "got %s", credit)

	// A zero-priced wing is charged one tick rather than treated as free.
	for i := range chain {
		if chain[i].Strike.Equal(dec("435")) && chain[i].Expiry.Equal(nearExpiry) {
			chain[i].Ask = decimal.Zero
		}
	}
	credit, err = EntryCredit(spec, NewQuoteIndex(chain), dec("0.01"))
	require.NoError(t, err)
	assert.True(t, credit.Equal(dec("1.99")), "got %s", credit)
}

func TestCheckCredit(t *testing.T) {
	p := testParams()
	// W x 0.30 = 1.50
	assert.ErrorIs(t, CheckCredit(dec("1.20"), p), ErrCreditBelowTarget)
	assert.ErrorIs(t, CheckCredit(dec("1.49"), p), ErrCreditBelowTarget)
	assert.NoError(t, CheckCredit(dec("1.50"), p))
	assert.NoError(t, CheckCredit(dec("1.60"), p))

	p.CreditTargetFraction = decimal.Zero
	assert.ErrorIs(t, CheckCredit(decimal.Zero, p), ErrCreditBelowTarget)
	assert.ErrorIs(t, CheckCredit(dec("-0.05"), p), ErrCreditBelowTarget)
	assert.NoError(t, CheckCredit(dec("0.01"), p))
}

func TestRiskPerUnitAndReserved(t *testing.T) {
	p := testParams()
	assert.True(t, RiskPerUnit(dec("1.60"), p).Equal(dec("340")))
	// credit wider than the wings still risks one tick per unit
	assert.True(t, RiskPerUnit(dec("5.20"), p).Equal(dec("1")))

	assert.True(t, RiskReserved(3, dec("1.60"), p).Equal(dec("1020")))
	assert.True(t, RiskReserved(2, dec("5.20"), p).IsZero())
}

func TestSize(t *testing.T) {
	tests := []struct {
		name string
		room string
		rpu  string
		max  int
		want int
	}{
		{"floor", "450", "340", 0, 1},
		{"several", "3500", "340", 0, 10},
		{"minimum one", "100", "340", 0, 1},
		{"no room", "0", "340", 0, 0},
		{"negative room", "-10", "340", 0, 0},
		{"capped", "3500", "340", 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Size(dec(tt.room), dec(tt.rpu), tt.max))
		})
	}
}

func openPosition(id, credit string, qty int, p Params) models.Position {
	spec := models.CondorSpec{
		ShortPut:  models.LegRef{Strike: dec("440"), Right: models.RightPut, Expiry: nearExpiry},
		WingPut:   models.LegRef{Strike: dec("435"), Right: models.RightPut, Expiry: nearExpiry},
		ShortCall: models.LegRef{Strike: dec("460"), Right: models.RightCall, Expiry: nearExpiry},
		WingCall:  models.LegRef{Strike: dec("465"), Right: models.RightCall, Expiry: nearExpiry},
	}
	c := dec(credit)
	return *models.NewPosition(id, "SPY", spec, qty, c, RiskReserved(qty, c, p),
		time.Date(2024, 3, 1, 15, 40, 0, 0, time.UTC))
}

func TestLedger_Admit(t *testing.T) {
	p := testParams()
	p.MinUnitRisk = dec("340")
	l := Ledger{CapFraction: dec("0.5")}

	// budget 900, nothing open: room 900
	room, err := l.Admit(dec("1800"), nil, p.EffectiveMinUnitRisk())
	require.NoError(t, err)
	assert.True(t, room.Equal(dec("900")))

	// budget 1130, one position reserving 680: room 450, sized to one unit
	open := []models.Position{openPosition("a", "1.60", 2, p)}
	room, err = l.Admit(dec("2260"), open, p.EffectiveMinUnitRisk())
	require.NoError(t, err)
	assert.True(t, room.Equal(dec("450")))
	assert.Equal(t, 1, Size(room, RiskPerUnit(dec("1.60"), p), 0))

	// room 300 < 340
	_, err = l.Admit(dec("1960"), open, p.EffectiveMinUnitRisk())
	assert.ErrorIs(t, err, ErrCapExceeded)

	// closed positions do not count
	closed := openPosition("b", "1.60", 5, p)
	require.NoError(t, closed.Close(models.CloseReasonStopLoss, dec("2.40"), "", time.Now()))
	assert.True(t, RiskInUse(append(open, closed)).Equal(dec("680")))
}

func TestEffectiveMinUnitRisk(t *testing.T) {
	p := testParams()
	assert.True(t, p.EffectiveMinUnitRisk().Equal(dec("500")))
	p.MinUnitRisk = dec("250")
	assert.True(t, p.EffectiveMinUnitRisk().Equal(dec("250")))
}

func TestDecide_Precedence(t *testing.T) {
	p := testParams()
	pos := openPosition("a", "1.60", 1, p)
	calm := decimal.NewNullDecimal(dec("0.15"))

	tests := []struct {
		name   string
		unwind string
		dte    int
		sp, sc decimal.NullDecimal
		want   models.CloseReason
	}{
		{"profit target at 0.79", "0.79", 5, calm, calm, models.CloseReasonProfitTarget},
		{"open at 0.81", "0.81", 5, calm, calm, models.CloseReasonNone},
		{"profit target exactly at threshold", "0.80", 5, calm, calm, models.CloseReasonProfitTarget},
		{"profit target beats time exit", "0.50", 1, calm, calm, models.CloseReasonProfitTarget},
		{"stop loss at threshold", "2.40", 5, calm, calm, models.CloseReasonStopLoss},
		{"stop loss beats time exit and delta", "2.50", 0, decimal.NewNullDecimal(dec("-0.45")), calm, models.CloseReasonStopLoss},
		{"time exit at two days", "1.20", 2, calm, calm, models.CloseReasonTimeExit},
		{"time exit beats delta roll", "1.20", 2, decimal.NewNullDecimal(dec("-0.45")), calm, models.CloseReasonTimeExit},
		{"delta roll on put", "1.20", 4, decimal.NewNullDecimal(dec("-0.31")), calm, models.CloseReasonDeltaRoll},
		{"delta roll on call", "1.20", 4, calm, decimal.NewNullDecimal(dec("0.35")), models.CloseReasonDeltaRoll},
		{"delta at trigger is not a breach", "1.20", 4, decimal.NewNullDecimal(dec("-0.30")), calm, models.CloseReasonNone},
		{"absent delta never rolls", "1.20", 4, decimal.NullDecimal{}, decimal.NullDecimal{}, models.CloseReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(p, Evaluation{
				Position:       pos,
				Unwind:         dec(tt.unwind),
				DaysToExpiry:   tt.dte,
				ShortPutDelta:  tt.sp,
				ShortCallDelta: tt.sc,
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

// markChain quotes the test position's four legs so that the unwind cost is
// shortPutAsk + shortCallAsk - 0.20 - 0.20.
func markChain(shortPutAsk, shortCallAsk, putDelta, callDelta string) []models.ChainQuote {
	put, call := models.RightPut, models.RightCall
	return []models.ChainQuote{
		quote("435", put, nearExpiry, "0.20", "0.25", "-0.08"),
		quote("440", put, nearExpiry, "0.55", shortPutAsk, putDelta),
		quote("460", call, nearExpiry, "0.55", shortCallAsk, callDelta),
		quote("465", call, nearExpiry, "0.20", "0.25", "0.07"),
	}
}

func TestEvaluate(t *testing.T) {
	p := testParams()
	pos := openPosition("a", "1.60", 1, p)
	monday := time.Date(2024, 3, 4, 15, 50, 0, 0, time.UTC)

	reason, unwind, err := Evaluate(p, pos, NewQuoteIndex(markChain("0.60", "0.59", "-0.10", "0.10")), monday)
	require.NoError(t, err)
	assert.True(t, unwind.Equal(dec("0.79")), "got %s", unwind)
	assert.Equal(t, models.CloseReasonProfitTarget, reason)

	reason, unwind, err = Evaluate(p, pos, NewQuoteIndex(markChain("0.60", "0.61", "-0.10", "0.10")), monday)
	require.NoError(t, err)
	assert.True(t, unwind.Equal(dec("0.81")))
	assert.Equal(t, models.CloseReasonNone, reason)

	// Greeks missing on the shorts do not block evaluation.
	reason, _, err = Evaluate(p, pos, NewQuoteIndex(markChain("0.70", "0.70", "", "")), monday)
	require.NoError(t, err)
	assert.Equal(t, models.CloseReasonNone, reason)

	// Thursday before a Friday expiry: one day left.
	thursday := time.Date(2024, 3, 7, 15, 50, 0, 0, time.UTC)
	reason, _, err = Evaluate(p, pos, NewQuoteIndex(markChain("0.70", "0.70", "-0.10", "0.10")), thursday)
	require.NoError(t, err)
	assert.Equal(t, models.CloseReasonTimeExit, reason)
}

func TestEvaluate_QuoteUnavailable(t *testing.T) {
	p := testParams()
	pos := openPosition("a", "1.60", 1, p)
	today := time.Date(2024, 3, 4, 15, 50, 0, 0, time.UTC)

	missingWing := markChain("0.60", "0.59", "-0.10", "0.10")[1:]
	_, _, err := Evaluate(p, pos, NewQuoteIndex(missingWing), today)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	noAsk := markChain("0", "0.59", "-0.10", "0.10")
	_, _, err = Evaluate(p, pos, NewQuoteIndex(noAsk), today)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestParams_Validate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"no underlying", func(p *Params) { p.Underlying = "" }},
		{"cap above one", func(p *Params) { p.RiskCapFraction = dec("1.5") }},
		{"zero wing", func(p *Params) { p.WingWidth = decimal.Zero }},
		{"inverted dte", func(p *Params) { p.DTEMin, p.DTEMax = 8, 6 }},
		{"roll trigger below short delta", func(p *Params) { p.DeltaRollTrigger = dec("0.10") }},
		{"loss stop not above one", func(p *Params) { p.LossStopMult = dec("1") }},
		{"time exit inside entry window", func(p *Params) { p.TimeExitDays = 6 }},
		{"zero multiplier", func(p *Params) { p.Multiplier = 0 }},
		{"no lookback", func(p *Params) { p.IVRLookbackDays = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestIsSkip(t *testing.T) {
	assert.True(t, IsSkip(ErrCapExceeded))
	assert.True(t, IsSkip(errors.Join(errors.New("ctx"), ErrMissingWing)))
	assert.False(t, IsSkip(errors.New("disk full")))
	assert.Equal(t, "credit_below_target", SkipReason(CheckCredit(dec("1.2"), testParams())))
	assert.Equal(t, "error", SkipReason(errors.New("other")))
}
