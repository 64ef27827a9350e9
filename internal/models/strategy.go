package models

import (
	"fmt"
	"time"
)

// Strategy is one straddle instance and its persisted snapshot.
type Strategy struct {
	StateMachine *StateMachine `json:"-"` // Runtime only, rebuilt from Status

	InstanceID string         `json:"instance_id"`
	Index      Index          `json:"index"`
	Quantity   int            `json:"quantity"`
	Legs       []Leg          `json:"legs"`
	Status     StrategyStatus `json:"status"`

	UnderlyingPrice float64 `json:"underlying_price"`
	ATMStrike       float64 `json:"atm_strike"`
	CallHedgeStrike float64 `json:"call_hedge_strike"`
	PutHedgeStrike  float64 `json:"put_hedge_strike"`
	// CollectedPremium is CE + PE entry premium per unit, fixed once both entry legs fill.
	CollectedPremium float64 `json:"collected_premium"`

	// Target is the fraction of premium used to derive TargetMTM at activation.
	Target     float64 `json:"target"`
	TargetMTM  float64 `json:"target_mtm"`
	TargetLoss float64 `json:"target_loss"`
	BookProfit float64 `json:"book_profit"`
	SLFactor   float64 `json:"sl_factor"`

	PnL           PnLSnapshot `json:"pnl_snapshot"`
	ExitReason    string      `json:"exit_reason,omitempty"`
	ExitRequested bool        `json:"exit_requested,omitempty"`
	ExitAttempts  int         `json:"exit_attempts,omitempty"`
	FailureCause  string      `json:"failure_cause,omitempty"`

	// Version is the compare-and-set counter maintained by the store.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStrategy creates an instance in INITIATING state.
func NewStrategy(instanceID string, index Index, qty int, now time.Time) *Strategy {
	return &Strategy{
		InstanceID:   instanceID,
		Index:        index,
		Quantity:     qty,
		Legs:         make([]Leg, 0, 4),
		Status:       StatusInitiating,
		StateMachine: NewStateMachine(),
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// TransitionState moves the strategy to a new status.
func (s *Strategy) TransitionState(to StrategyStatus, condition string) error {
	if err := s.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("instance %s state transition failed: %w", s.InstanceID, err)
	}
	s.Status = to
	return nil
}

// CanConvert reports whether the one-time iron-fly conversion is still available.
func (s *Strategy) CanConvert() bool {
	return s.ensureMachine().CanConvert() && s.HedgeLeg() == nil
}

func (s *Strategy) ensureMachine() *StateMachine {
	if s.StateMachine == nil || s.StateMachine.GetCurrentState() != s.Status {
		s.StateMachine = NewStateMachineFromState(s.Status)
	}
	return s.StateMachine
}

// EntryLegs returns pointers to the straddle legs.
func (s *Strategy) EntryLegs() []*Leg {
	out := make([]*Leg, 0, 2)
	for i := range s.Legs {
		if s.Legs[i].Role == RoleEntry {
			out = append(out, &s.Legs[i])
		}
	}
	return out
}

// HedgeLeg returns the protective wing if one was bought.
func (s *Strategy) HedgeLeg() *Leg {
	for i := range s.Legs {
		if s.Legs[i].Role == RoleHedge {
			return &s.Legs[i]
		}
	}
	return nil
}

// Leg returns the leg with the given remarks tag.
func (s *Strategy) Leg(remarks string) *Leg {
	for i := range s.Legs {
		if s.Legs[i].Remarks == remarks {
			return &s.Legs[i]
		}
	}
	return nil
}

// OpenLegs returns every leg with live exposure.
func (s *Strategy) OpenLegs() []*Leg {
	out := make([]*Leg, 0, len(s.Legs))
	for i := range s.Legs {
		if s.Legs[i].IsOpen() {
			out = append(out, &s.Legs[i])
		}
	}
	return out
}

// CountEntry returns how many entry legs are in status.
func (s *Strategy) CountEntry(status LegStatus) int {
	n := 0
	for _, l := range s.EntryLegs() {
		if l.Status == status {
			n++
		}
	}
	return n
}

// MarkToMarket recomputes the PnL snapshot from the legs' last prices.
func (s *Strategy) MarkToMarket(now time.Time) PnLSnapshot {
	var realized, unrealized float64
	for i := range s.Legs {
		l := &s.Legs[i]
		switch {
		case l.Status == LegOpen && l.LastPrice > 0:
			unrealized += l.PnLAt(l.LastPrice)
		case l.Status == LegStopped || l.Status == LegBooked:
			realized += l.RealizedPnL
		}
	}
	s.PnL = PnLSnapshot{
		Timestamp:        now.UTC(),
		Realized:         realized,
		Unrealized:       unrealized,
		CollectedPremium: s.CollectedPremium,
	}
	return s.PnL
}

// Copy returns a deep copy safe to mutate independently.
func (s *Strategy) Copy() *Strategy {
	if s == nil {
		return nil
	}
	c := *s
	c.Legs = make([]Leg, len(s.Legs))
	copy(c.Legs, s.Legs)
	c.StateMachine = s.StateMachine.Copy()
	return &c
}

// ValidateState checks per-status invariants of a restored snapshot.
func (s *Strategy) ValidateState() error {
	if s.InstanceID == "" {
		return fmt.Errorf("strategy has no instance id")
	}
	if !s.Index.Valid() {
		return fmt.Errorf("instance %s: unsupported index %q", s.InstanceID, s.Index)
	}
	entries := s.EntryLegs()
	switch s.Status {
	case StatusInitiating:
		if s.CollectedPremium != 0 {
			return fmt.Errorf("instance %s in state %s: CollectedPremium must be zero before both legs fill (current: %.2f)",
				s.InstanceID, s.Status, s.CollectedPremium)
		}
	case StatusActive, StatusConverted, StatusExiting:
		if len(entries) != 2 {
			return fmt.Errorf("instance %s in state %s: expected 2 entry legs, got %d",
				s.InstanceID, s.Status, len(entries))
		}
		if s.CollectedPremium <= 0 && s.Status != StatusExiting {
			return fmt.Errorf("instance %s in state %s: CollectedPremium must be positive (current: %.2f)",
				s.InstanceID, s.Status, s.CollectedPremium)
		}
		if s.Status == StatusConverted && s.HedgeLeg() == nil {
			return fmt.Errorf("instance %s in state %s: converted instance has no hedge leg",
				s.InstanceID, s.Status)
		}
	case StatusDone:
		if n := len(s.OpenLegs()); n > 0 {
			return fmt.Errorf("instance %s in state %s: %d legs still open", s.InstanceID, s.Status, n)
		}
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("instance %s in state %s: Quantity must be > 0 (current: %d)",
			s.InstanceID, s.Status, s.Quantity)
	}
	return nil
}

// GetStateDescription returns a human-readable state description
func (s *Strategy) GetStateDescription() string {
	return s.ensureMachine().GetStateDescription()
}
