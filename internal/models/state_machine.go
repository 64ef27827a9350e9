// Package models provides data structures and state management for straddle instances.
package models

import (
	"fmt"
	"time"
)

// StrategyStatus represents the lifecycle state of a strategy instance.
type StrategyStatus string

const (
	StatusInitiating StrategyStatus = "INITIATING" // Entry orders being placed
	StatusActive     StrategyStatus = "ACTIVE"     // Both entry legs filled, stops working
	StatusConverted  StrategyStatus = "CONVERTED"  // One side stopped and hedged (iron fly)
	StatusExiting    StrategyStatus = "EXITING"    // Square-off in progress
	StatusDone       StrategyStatus = "DONE"       // Flat, final snapshot persisted
	StatusFailed     StrategyStatus = "FAILED"     // Needs manual intervention or entry rejected
)

// Transition conditions.
const (
	ConditionEntryFilled   = "entry_filled"
	ConditionEntryRejected = "entry_rejected"
	ConditionLegStopped    = "leg_stopped"
	ConditionExitSignal    = "exit_signal"
	ConditionSquaredOff    = "squared_off"
	ConditionIrrecoverable = "irrecoverable"
)

// Terminal reports whether the status ends the instance.
func (s StrategyStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// StateTransition defines valid state transitions
type StateTransition struct {
	From        StrategyStatus
	To          StrategyStatus
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal strategy transition.
var ValidTransitions = []StateTransition{
	{StatusInitiating, StatusActive, ConditionEntryFilled, "Both entry legs filled"},
	{StatusInitiating, StatusFailed, ConditionEntryRejected, "An entry leg was rejected"},
	{StatusInitiating, StatusExiting, ConditionExitSignal, "Exit requested before activation"},
	{StatusActive, StatusConverted, ConditionLegStopped, "One leg stopped, protective wing bought"},
	{StatusActive, StatusExiting, ConditionExitSignal, "Target, book profit, cutoff or stop signal"},
	{StatusConverted, StatusExiting, ConditionExitSignal, "Target, book profit, cutoff or stop signal"},
	{StatusExiting, StatusDone, ConditionSquaredOff, "All legs flat"},

	{StatusInitiating, StatusFailed, ConditionIrrecoverable, "Broker state lost"},
	{StatusActive, StatusFailed, ConditionIrrecoverable, "Broker state lost"},
	{StatusConverted, StatusFailed, ConditionIrrecoverable, "Broker state lost"},
	{StatusExiting, StatusFailed, ConditionIrrecoverable, "Square-off could not complete"},
}

// StateMachine manages strategy state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[StrategyStatus]int
	currentState    StrategyStatus
	previousState   StrategyStatus
	maxConversions  int
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatusInitiating)
}

// NewStateMachineFromState rebuilds a machine for a persisted status.
// Restored CONVERTED machines count the conversion so it cannot repeat.
func NewStateMachineFromState(state StrategyStatus) *StateMachine {
	sm := &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[StrategyStatus]int),
		maxConversions:  1,
	}
	if state == StatusConverted {
		sm.transitionCount[StatusConverted] = 1
	}
	return sm
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() StrategyStatus {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() StrategyStatus {
	return sm.previousState
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to StrategyStatus, condition string) error {
	if !sm.isTransitionDefined(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
			sm.currentState, to, condition)
	}
	return sm.validateTransitionLimits(to)
}

func (sm *StateMachine) isTransitionDefined(to StrategyStatus, condition string) bool {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return true
		}
	}
	return false
}

func (sm *StateMachine) validateTransitionLimits(to StrategyStatus) error {
	if to == StatusConverted && sm.transitionCount[StatusConverted] >= sm.maxConversions {
		return fmt.Errorf("maximum conversions (%d) exceeded", sm.maxConversions)
	}
	return nil
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to StrategyStatus, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times we've been in a state
func (sm *StateMachine) GetTransitionCount(state StrategyStatus) int {
	return sm.transitionCount[state]
}

// CanConvert returns true while the iron-fly conversion has not been used
func (sm *StateMachine) CanConvert() bool {
	return sm.currentState == StatusActive && sm.transitionCount[StatusConverted] < sm.maxConversions
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatusInitiating:
		return "Placing entry legs, waiting for fills"
	case StatusActive:
		return "Straddle open, trailing stops and watching targets"
	case StatusConverted:
		return "One side stopped out and hedged, watching targets"
	case StatusExiting:
		return "Cancelling working orders and squaring off"
	case StatusDone:
		return "Flat, final snapshot retained for audit"
	case StatusFailed:
		return "Failed - manual reconciliation required"
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
		maxConversions: sm.maxConversions,
	}
	newSM.transitionCount = make(map[StrategyStatus]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
