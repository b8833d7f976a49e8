package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExpiryLayout is the date format used for option expirations.
const ExpiryLayout = "2006-01-02"

// OptionRight identifies an option as a put or a call.
type OptionRight string

const (
	// RightPut represents a put option contract
	RightPut OptionRight = "put"
	// RightCall represents a call option contract
	RightCall OptionRight = "call"
)

// Valid returns true if the OptionRight is one of the defined constants
func (r OptionRight) Valid() bool {
	return r == RightPut || r == RightCall
}

// ChainQuote is one option quote from a chain snapshot.
// Delta is absent (Valid=false) until greeks are populated for the contract.
type ChainQuote struct {
	Symbol string              `json:"symbol"`
	Strike decimal.Decimal     `json:"strike"`
	Right  OptionRight         `json:"right"`
	Expiry time.Time           `json:"expiry"`
	Bid    decimal.Decimal     `json:"bid"`
	Ask    decimal.Decimal     `json:"ask"`
	Delta  decimal.NullDecimal `json:"delta"`
}

// Ref returns the leg reference identifying this quote.
func (q ChainQuote) Ref() LegRef {
	return LegRef{Symbol: q.Symbol, Strike: q.Strike, Right: q.Right, Expiry: q.Expiry}
}

// Key returns the lookup key of this quote; see LegRef.Key.
func (q ChainQuote) Key() string {
	return q.Ref().Key()
}

// LegRef references a single contract by (strike, right, expiry).
type LegRef struct {
	Symbol string          `json:"symbol,omitempty"`
	Strike decimal.Decimal `json:"strike"`
	Right  OptionRight     `json:"right"`
	Expiry time.Time       `json:"expiry"`
}

// Key returns a canonical string for map lookups. Strikes compare by value,
// so 450 and 450.00 produce the same key.
func (l LegRef) Key() string {
	return fmt.Sprintf("%s|%s|%s", l.Right, l.Strike.String(), l.Expiry.Format(ExpiryLayout))
}

func (l LegRef) String() string {
	return fmt.Sprintf("%s %s %s", l.Expiry.Format(ExpiryLayout), l.Strike.StringFixed(2), l.Right)
}

// CondorSpec holds the four legs of one iron condor.
type CondorSpec struct {
	ShortPut  LegRef `json:"short_put"`
	WingPut   LegRef `json:"wing_put"`
	ShortCall LegRef `json:"short_call"`
	WingCall  LegRef `json:"wing_call"`
}

// Legs returns the legs in order: short put, wing put, short call, wing call.
func (c CondorSpec) Legs() [4]LegRef {
	return [4]LegRef{c.ShortPut, c.WingPut, c.ShortCall, c.WingCall}
}

// Expiry returns the shared expiration of the structure.
func (c CondorSpec) Expiry() time.Time {
	return c.ShortPut.Expiry
}

// Validate checks the wing-width, shared-expiry and strike-order invariants
// for wing width w.
func (c CondorSpec) Validate(w decimal.Decimal) error {
	if c.ShortPut.Right != RightPut || c.WingPut.Right != RightPut {
		return fmt.Errorf("put legs must have right %q", RightPut)
	}
	if c.ShortCall.Right != RightCall || c.WingCall.Right != RightCall {
		return fmt.Errorf("call legs must have right %q", RightCall)
	}
	if !c.WingPut.Strike.Equal(c.ShortPut.Strike.Sub(w)) {
		return fmt.Errorf("wing put strike %s must equal short put strike %s - %s",
			c.WingPut.Strike, c.ShortPut.Strike, w)
	}
	if !c.WingCall.Strike.Equal(c.ShortCall.Strike.Add(w)) {
		return fmt.Errorf("wing call strike %s must equal short call strike %s + %s",
			c.WingCall.Strike, c.ShortCall.Strike, w)
	}
	exp := c.Expiry()
	for _, leg := range c.Legs() {
		if !leg.Expiry.Equal(exp) {
			return fmt.Errorf("leg %s does not share expiry %s", leg, exp.Format(ExpiryLayout))
		}
	}
	if !c.ShortPut.Strike.LessThan(c.ShortCall.Strike) {
		return fmt.Errorf("short put strike %s must be below short call strike %s",
			c.ShortPut.Strike, c.ShortCall.Strike)
	}
	return nil
}

func (c CondorSpec) String() string {
	return fmt.Sprintf("%s %s/%sP %s/%sC",
		c.Expiry().Format(ExpiryLayout),
		c.WingPut.Strike.StringFixed(2), c.ShortPut.Strike.StringFixed(2),
		c.ShortCall.Strike.StringFixed(2), c.WingCall.Strike.StringFixed(2))
}

// Direction tells the executor whether to open or close a structure.
type Direction string

const (
	// DirectionOpen sells the shorts and buys the wings
	DirectionOpen Direction = "open"
	// DirectionClose buys back the shorts and sells the wings
	DirectionClose Direction = "close"
)

// IntentStatus is the outcome of an order intent.
type IntentStatus string

const (
	IntentAccepted IntentStatus = "accepted"
	IntentRejected IntentStatus = "rejected"
)

// OrderIntentResult is what the broker adapter reports back for one intent.
type OrderIntentResult struct {
	Status  IntentStatus `json:"status"`
	OrderID string       `json:"order_id,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Accepted reports whether the intent was executed.
func (r OrderIntentResult) Accepted() bool {
	return r.Status == IntentAccepted
}

// DaysToExpiry returns the calendar days from today's date to the expiry date.
// Both values are reduced to their civil dates first; the result is negative
// once the expiry has passed.
func DaysToExpiry(today, expiry time.Time) int {
	ty, tm, td := today.Date()
	ey, em, ed := expiry.Date()
	from := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	to := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
