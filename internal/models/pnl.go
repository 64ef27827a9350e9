package models

import "time"

// PnLSnapshot is the mark-to-market view of an instance at a point in time.
type PnLSnapshot struct {
	Timestamp        time.Time `json:"ts"`
	Realized         float64   `json:"realized"`
	Unrealized       float64   `json:"unrealized"`
	CollectedPremium float64   `json:"collected_premium"`
}

// Total returns realized plus unrealized PnL.
func (p PnLSnapshot) Total() float64 {
	return p.Realized + p.Unrealized
}
