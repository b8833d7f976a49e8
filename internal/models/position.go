package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMultiplier is the contract multiplier for equity options.
const DefaultMultiplier = 100

// Position is one entered condor. EntryCredit, RiskReserved and Spec are fixed
// at entry and never change while the position is Open.
type Position struct {
	StateMachine *StateMachine   `json:"-"`     // Runtime only, excluded from JSON
	State        PositionState   `json:"state"` // Canonical persisted state
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Spec         CondorSpec      `json:"spec"`
	EntryCredit  decimal.Decimal `json:"entry_credit"`
	RiskReserved decimal.Decimal `json:"risk_reserved"`
	ExitCost     decimal.Decimal `json:"exit_cost"`
	Expiry       time.Time       `json:"expiry"`
	EntryDate    time.Time       `json:"entry_date"`
	ExitDate     time.Time       `json:"exit_date,omitempty"`
	ExitReason   CloseReason     `json:"exit_reason,omitempty"`
	EntryOrderID string          `json:"entry_order_id,omitempty"`
	ExitOrderID  string          `json:"exit_order_id,omitempty"`
	Quantity     int             `json:"quantity"`
}

// NewPosition creates an Open position from a filled entry.
func NewPosition(id, symbol string, spec CondorSpec, quantity int,
	credit, riskReserved decimal.Decimal, entryDate time.Time) *Position {
	return &Position{
		ID:           id,
		Symbol:       symbol,
		Spec:         spec,
		Quantity:     quantity,
		EntryCredit:  credit,
		RiskReserved: riskReserved,
		Expiry:       spec.Expiry(),
		EntryDate:    entryDate,
		StateMachine: NewStateMachine(),
		State:        StateOpen,
	}
}

// ensureMachine ensures the StateMachine is initialized from persisted state
func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// IsOpen reports whether the position still counts against the risk cap.
func (p *Position) IsOpen() bool {
	return p.State == StateOpen
}

// Close records the unwind and moves the position to Closed.
func (p *Position) Close(reason CloseReason, exitCost decimal.Decimal, orderID string, at time.Time) error {
	if err := p.ensureMachine().Transition(StateClosed, reason); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}
	p.State = StateClosed
	p.ExitReason = reason
	p.ExitCost = exitCost
	p.ExitOrderID = orderID
	p.ExitDate = at
	return nil
}

// RealizedPnL returns the dollar result of a closed position:
// (entry credit - exit cost) x quantity x multiplier.
func (p *Position) RealizedPnL(multiplier int) decimal.Decimal {
	if p.State != StateClosed {
		return decimal.Zero
	}
	return p.EntryCredit.Sub(p.ExitCost).
		Mul(decimal.NewFromInt(int64(p.Quantity))).
		Mul(decimal.NewFromInt(int64(multiplier)))
}

// DaysToExpiry returns calendar days from today until the position expires.
func (p *Position) DaysToExpiry(today time.Time) int {
	return DaysToExpiry(today, p.Expiry)
}

// GetStateDescription returns a human-readable state description
func (p *Position) GetStateDescription() string {
	return p.ensureMachine().GetStateDescription()
}

// Clone returns a copy safe to hand to callers outside the store.
func (p *Position) Clone() Position {
	c := *p
	c.StateMachine = p.StateMachine.Copy()
	return c
}

// ValidateState ensures the position data is consistent with its state.
func (p *Position) ValidateState() error {
	if p.ID == "" {
		return fmt.Errorf("position has empty id")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s in state %s: Quantity must be > 0 (current: %d)",
			p.ID, p.State, p.Quantity)
	}
	if p.EntryCredit.Sign() < 0 {
		return fmt.Errorf("position %s in state %s: EntryCredit cannot be negative (current: %s)",
			p.ID, p.State, p.EntryCredit)
	}
	if p.RiskReserved.Sign() < 0 {
		return fmt.Errorf("position %s in state %s: RiskReserved cannot be negative (current: %s)",
			p.ID, p.State, p.RiskReserved)
	}
	if p.EntryDate.IsZero() {
		return fmt.Errorf("position %s in state %s: EntryDate must be set", p.ID, p.State)
	}

	switch p.State {
	case StateOpen:
		if !p.ExitDate.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitDate must be zero for open positions (current: %v)",
				p.ID, p.State, p.ExitDate)
		}
		if p.ExitReason != CloseReasonNone {
			return fmt.Errorf("position %s in state %s: ExitReason must be empty for open positions (current: %s)",
				p.ID, p.State, p.ExitReason)
		}
	case StateClosed:
		if p.ExitDate.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitDate must be set for closed positions",
				p.ID, p.State)
		}
		if !p.ExitReason.Valid() {
			return fmt.Errorf("position %s in state %s: ExitReason %q is not a close reason",
				p.ID, p.State, p.ExitReason)
		}
		if p.ExitDate.Before(p.EntryDate) {
			return fmt.Errorf("position %s in state %s: EntryDate (%v) must not be after ExitDate (%v)",
				p.ID, p.State, p.EntryDate, p.ExitDate)
		}
	default:
		return fmt.Errorf("position %s: unknown state %q", p.ID, p.State)
	}
	return nil
}
