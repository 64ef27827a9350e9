package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// Request defaults.
const (
	DefaultSLFactor           = 0.75
	DefaultTarget             = 0.35
	DefaultBookProfit         = 0.60
	DefaultPremiumTolerance   = 0.25
	DefaultPnLDisplayInterval = 15 * time.Second
	DefaultMaxStrikeSteps     = 3
	// TargetMTMDerive asks for target_mtm to be derived from the premium.
	TargetMTMDerive = -1
)

// Request describes one straddle to open.
type Request struct {
	InstanceID string
	Index      models.Index
	Quantity   int
	// SLFactor sets the initial stop at entry*(1+SLFactor).
	SLFactor float64
	// Target is the fraction of collected premium to take as profit.
	Target float64
	// TargetMTM is an absolute profit target; TargetMTMDerive or 0 derives it.
	TargetMTM  float64
	BookProfit float64
	// SamePremium walks nearby strikes until CE and PE premiums match within PremiumTolerance.
	SamePremium        bool
	PremiumTolerance   float64
	MaxStrikeSteps     int
	PnLDisplayInterval time.Duration
	CredentialsFile    string
}

// NewRequest fills defaults and validates r.
func NewRequest(r Request) (Request, error) {
	if r.SLFactor == 0 {
		r.SLFactor = DefaultSLFactor
	}
	if r.Target == 0 {
		r.Target = DefaultTarget
	}
	if r.TargetMTM == 0 {
		r.TargetMTM = TargetMTMDerive
	}
	if r.BookProfit == 0 {
		r.BookProfit = DefaultBookProfit
	}
	if r.PremiumTolerance == 0 {
		r.PremiumTolerance = DefaultPremiumTolerance
	}
	if r.MaxStrikeSteps == 0 {
		r.MaxStrikeSteps = DefaultMaxStrikeSteps
	}
	if r.PnLDisplayInterval == 0 {
		r.PnLDisplayInterval = DefaultPnLDisplayInterval
	}
	r.InstanceID = strings.TrimSpace(r.InstanceID)
	if r.InstanceID == "" {
		r.InstanceID = NewInstanceID()
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// NewInstanceID generates a fresh instance id.
func NewInstanceID() string {
	return "straddle_" + uuid.NewString()
}

// Validate checks every field is in range.
func (r Request) Validate() error {
	if r.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if strings.ContainsAny(r.InstanceID, "|") {
		return fmt.Errorf("instance_id %q must not contain '|'", r.InstanceID)
	}
	if err := r.Index.ValidateQuantity(r.Quantity); err != nil {
		return err
	}
	if r.SLFactor <= 0 || r.SLFactor > 5 {
		return fmt.Errorf("sl_factor must be in (0, 5], got %.2f", r.SLFactor)
	}
	if r.Target <= 0 || r.Target > 1 {
		return fmt.Errorf("target must be in (0, 1], got %.2f", r.Target)
	}
	if r.TargetMTM != TargetMTMDerive && r.TargetMTM <= 0 {
		return fmt.Errorf("target_mtm must be positive or %d, got %.2f", TargetMTMDerive, r.TargetMTM)
	}
	if r.BookProfit <= 0 || r.BookProfit >= 1 {
		return fmt.Errorf("book_profit must be in (0, 1), got %.2f", r.BookProfit)
	}
	if r.PremiumTolerance <= 0 || r.PremiumTolerance > 1 {
		return fmt.Errorf("premium_tolerance must be in (0, 1], got %.2f", r.PremiumTolerance)
	}
	if r.MaxStrikeSteps < 0 || r.MaxStrikeSteps > 10 {
		return fmt.Errorf("max_strike_steps must be in [0, 10], got %d", r.MaxStrikeSteps)
	}
	if r.PnLDisplayInterval < time.Second {
		return fmt.Errorf("pnl_display_interval must be at least 1s, got %v", r.PnLDisplayInterval)
	}
	return nil
}
