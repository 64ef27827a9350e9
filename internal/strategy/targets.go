package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
)

// LossMultiple scales target_mtm into the stop-out loss.
const LossMultiple = 1.33

// DeriveTargets returns target_mtm and target_loss for a position that
// collected premium (in money). An explicit targetMTM wins unless target was
// changed from its default, in which case the smaller of the two is used.
func DeriveTargets(premium, target, targetMTM float64) (mtm, loss float64) {
	switch {
	case targetMTM <= 0:
		mtm = premium * target
	case target != DefaultTarget:
		mtm = math.Min(premium*target, targetMTM)
	default:
		mtm = targetMTM
	}
	return mtm, -LossMultiple * mtm
}

// MaxLoss estimates the worst case of the iron fly: the premium kept after
// both wings are paid for at sl_factor, less the widest wing width.
func MaxLoss(p *StrikePlan, qty int, slFactor float64) float64 {
	q := float64(qty)
	premium := q * (p.CELTP + p.PELTP)
	premiumLost := q * slFactor * (p.CallHedgeLTP + p.PutHedgeLTP)
	return (premium - premiumLost) - p.MaxStrikeDiff()*q
}

// SetTarget overrides target_mtm of a live instance through a CAS update.
func SetTarget(ctx context.Context, store storage.Interface, instanceID string, targetMTM float64) (*models.Strategy, error) {
	if targetMTM <= 0 {
		return nil, fmt.Errorf("target_mtm must be positive, got %.2f", targetMTM)
	}
	return store.Update(ctx, instanceID, func(s *models.Strategy) error {
		s.TargetMTM = targetMTM
		s.TargetLoss = -LossMultiple * targetMTM
		return nil
	})
}

// RequestExit persists an exit request that the monitor honours on its next tick.
func RequestExit(ctx context.Context, store storage.Interface, instanceID string) (*models.Strategy, error) {
	return store.Update(ctx, instanceID, func(s *models.Strategy) error {
		s.ExitRequested = true
		return nil
	})
}
