package models

import (
	"testing"
	"time"
)

func TestNewStateMachineFromState_RestoredConverted(t *testing.T) {
	sm := NewStateMachineFromState(StatusConverted)

	if sm.GetCurrentState() != StatusConverted {
		t.Errorf("Expected state to be CONVERTED, got %s", sm.GetCurrentState())
	}
	if sm.GetTransitionCount(StatusConverted) != 1 {
		t.Error("A restored conversion must count against the limit")
	}
	if err := sm.Transition(StatusExiting, ConditionExitSignal); err != nil {
		t.Errorf("Failed to exit from restored CONVERTED: %v", err)
	}
}

func TestNewStateMachineFromState_RestoredActive(t *testing.T) {
	sm := NewStateMachineFromState(StatusActive)
	if !sm.CanConvert() {
		t.Error("A restored ACTIVE instance should still be able to convert")
	}
}

func TestStrategy_MachineFollowsPersistedStatus(t *testing.T) {
	// Snapshots decode without a machine; the status alone drives it.
	s := &Strategy{InstanceID: "straddle_restored", Index: IndexNifty, Quantity: 50, Status: StatusConverted}
	if s.CanConvert() {
		t.Error("A restored CONVERTED instance must not convert again")
	}
	if err := s.TransitionState(StatusExiting, ConditionExitSignal); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if s.Status != StatusExiting {
		t.Errorf("Expected EXITING, got %s", s.Status)
	}
}

func TestStrategy_ValidateRestoredSnapshot(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	entry := func(t OptionType) Leg {
		return Leg{Role: RoleEntry, Side: SideShort, OptionType: t, Status: LegOpen, Quantity: 50, EntryPremium: 100}
	}

	tests := []struct {
		name    string
		mutate  func(s *Strategy)
		wantErr bool
	}{
		{"initiating ok", func(s *Strategy) {}, false},
		{"initiating with premium", func(s *Strategy) { s.CollectedPremium = 200 }, true},
		{"active ok", func(s *Strategy) {
			s.Status = StatusActive
			s.CollectedPremium = 200
			s.Legs = []Leg{entry(OptionCall), entry(OptionPut)}
		}, false},
		{"active one leg", func(s *Strategy) {
			s.Status = StatusActive
			s.CollectedPremium = 200
			s.Legs = []Leg{entry(OptionCall)}
		}, true},
		{"active no premium", func(s *Strategy) {
			s.Status = StatusActive
			s.Legs = []Leg{entry(OptionCall), entry(OptionPut)}
		}, true},
		{"converted without hedge", func(s *Strategy) {
			s.Status = StatusConverted
			s.CollectedPremium = 200
			s.Legs = []Leg{entry(OptionCall), entry(OptionPut)}
		}, true},
		{"done with open leg", func(s *Strategy) {
			s.Status = StatusDone
			s.Legs = []Leg{entry(OptionCall)}
		}, true},
		{"bad index", func(s *Strategy) { s.Index = "DOW" }, true},
		{"no quantity", func(s *Strategy) { s.Quantity = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStrategy("straddle_v", IndexNifty, 50, now)
			tt.mutate(s)
			err := s.ValidateState()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateState() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
