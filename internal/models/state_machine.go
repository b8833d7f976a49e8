// Package models provides data structures and state management for condor positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current state of a position
type PositionState string

const (
	StateOpen   PositionState = "open"   // Entered and under management
	StateClosed PositionState = "closed" // Unwound; lives only in history
)

// CloseReason tags why a position left the Open state.
type CloseReason string

const (
	CloseReasonNone         CloseReason = ""
	CloseReasonProfitTarget CloseReason = "profit_target"
	CloseReasonStopLoss     CloseReason = "stop_loss"
	CloseReasonTimeExit     CloseReason = "time_exit"
	CloseReasonDeltaRoll    CloseReason = "delta_roll"
)

// Valid returns true for the four close reasons; CloseReasonNone is not valid.
func (r CloseReason) Valid() bool {
	switch r {
	case CloseReasonProfitTarget, CloseReasonStopLoss, CloseReasonTimeExit, CloseReasonDeltaRoll:
		return true
	default:
		return false
	}
}

// StateTransition defines valid state transitions
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   CloseReason
	Description string
}

// ValidTransitions lists every allowed transition. A position is created Open
// and only ever moves to Closed.
var ValidTransitions = []StateTransition{
	{StateOpen, StateClosed, CloseReasonProfitTarget, "Unwind cost at or below the profit target"},
	{StateOpen, StateClosed, CloseReasonStopLoss, "Unwind cost at or above the loss stop"},
	{StateOpen, StateClosed, CloseReasonTimeExit, "Too close to expiration"},
	{StateOpen, StateClosed, CloseReasonDeltaRoll, "Short leg delta breached the roll trigger"},
}

// StateMachine manages position state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	currentState    PositionState
	previousState   PositionState
}

// NewStateMachine creates a state machine for a freshly opened position.
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StateOpen)
}

// NewStateMachineFromState rebuilds a machine for a persisted state.
func NewStateMachineFromState(state PositionState) *StateMachine {
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened.
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to PositionState, condition CloseReason) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to PositionState, condition CloseReason) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times we've entered a state
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// IsTerminal reports whether no further transitions are possible.
func (sm *StateMachine) IsTerminal() bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState {
			return false
		}
	}
	return true
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateOpen:
		return "Condor open, evaluated on every management cycle"
	case StateClosed:
		return "Condor closed, risk released"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	newSM.transitionCount = make(map[PositionState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
