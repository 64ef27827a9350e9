package models

import "fmt"

// OptionType is CE (call) or PE (put).
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Side is the direction of the position held on a leg.
type Side string

const (
	SideShort Side = "SHORT"
	SideLong  Side = "LONG"
)

// OpeningAction is the broker transaction that opens a leg on this side.
func (s Side) OpeningAction() string {
	if s == SideLong {
		return "BUY"
	}
	return "SELL"
}

// ClosingAction is the broker transaction that closes a leg on this side.
func (s Side) ClosingAction() string {
	if s == SideLong {
		return "SELL"
	}
	return "BUY"
}

// LegRole separates the straddle legs from protective wings.
type LegRole string

const (
	RoleEntry LegRole = "ENTRY"
	RoleHedge LegRole = "HEDGE"
)

// LegStatus is the lifecycle state of a single leg.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegOpen      LegStatus = "OPEN"
	LegStopped   LegStatus = "STOPPED"
	LegBooked    LegStatus = "BOOKED"
	LegCancelled LegStatus = "CANCELLED"
)

var legTransitions = map[LegStatus][]LegStatus{
	LegPending: {LegOpen, LegCancelled},
	LegOpen:    {LegStopped, LegBooked},
}

// Terminal reports whether no further transition is possible.
func (s LegStatus) Terminal() bool {
	return s == LegStopped || s == LegBooked || s == LegCancelled
}

// Leg is one option position of a strategy instance.
type Leg struct {
	InstrumentID string     `json:"instrument_id"`
	Exchange     string     `json:"exchange"`
	Side         Side       `json:"side"`
	Role         LegRole    `json:"role"`
	Strike       float64    `json:"strike"`
	OptionType   OptionType `json:"option_type"`
	Quantity     int        `json:"quantity"`
	EntryPremium float64    `json:"entry_premium"`
	StopPrice    float64    `json:"stop_price"`
	// PeakPremium is the premium at which trailing last fired. It starts at the
	// entry premium and anchors the next 5% band.
	PeakPremium  float64   `json:"peak_premium"`
	LastPrice    float64   `json:"last_price,omitempty"`
	ExitPrice    float64   `json:"exit_price,omitempty"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Status       LegStatus `json:"status"`
	Remarks      string    `json:"remarks"`
	EntryOrderID string    `json:"entry_order_id,omitempty"`
	StopOrderID  string    `json:"stop_order_id,omitempty"`
	ExitOrderID  string    `json:"exit_order_id,omitempty"`
	// StopPending marks a persisted stop intent whose broker order is not yet acknowledged.
	StopPending bool `json:"stop_pending,omitempty"`
	// ExitPending marks a persisted square-off intent.
	ExitPending bool `json:"exit_pending,omitempty"`
}

// Transition moves the leg to a new status.
func (l *Leg) Transition(to LegStatus) error {
	for _, allowed := range legTransitions[l.Status] {
		if allowed == to {
			l.Status = to
			return nil
		}
	}
	return fmt.Errorf("leg %s: invalid transition from %s to %s", l.Remarks, l.Status, to)
}

// IsOpen reports whether the leg currently carries market exposure.
func (l *Leg) IsOpen() bool {
	return l.Status == LegOpen
}

// Close records the exit fill and classifies the leg as booked or stopped.
// A short leg closed below its entry premium made money and is BOOKED; at or
// above entry it is STOPPED. Long legs mirror this.
func (l *Leg) Close(fillPrice float64) error {
	profitable := fillPrice < l.EntryPremium
	if l.Side == SideLong {
		profitable = fillPrice > l.EntryPremium
	}
	to := LegStopped
	if profitable {
		to = LegBooked
	}
	if err := l.Transition(to); err != nil {
		return err
	}
	l.ExitPrice = fillPrice
	l.RealizedPnL = l.PnLAt(fillPrice)
	l.LastPrice = fillPrice
	return nil
}

// PnLAt returns the leg PnL if marked at price.
func (l *Leg) PnLAt(price float64) float64 {
	diff := l.EntryPremium - price
	if l.Side == SideLong {
		diff = price - l.EntryPremium
	}
	return diff * float64(l.Quantity)
}

// Tightens reports whether candidate is strictly more protective than the
// current stop. A leg without a stop accepts any positive candidate.
func (l *Leg) Tightens(candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if l.StopPrice == 0 {
		return true
	}
	if l.Side == SideLong {
		return candidate > l.StopPrice
	}
	return candidate < l.StopPrice
}
