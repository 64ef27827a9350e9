package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/util"
)

// trail applies the band rule to a short leg at price. The band fires when
// price is strictly below PeakPremium*(1-band); the anchor then moves to
// price and the stop becomes bookProfit*price if that is tighter.
func trail(leg *models.Leg, price, band, bookProfit float64) (fired, tightened bool) {
	anchor := leg.PeakPremium
	if anchor <= 0 {
		anchor = leg.EntryPremium
	}
	if price <= 0 || anchor <= 0 || !util.BelowBand(price, anchor, band) {
		return false, false
	}
	leg.PeakPremium = price
	candidate := util.Mul(bookProfit, price)
	if leg.Tightens(candidate) {
		leg.StopPrice = candidate
		return true, true
	}
	return true, false
}

// TrailStop runs the band rule for the entry leg identified by remarks. The
// new stop is persisted before the broker order is modified. It reports
// whether the stop moved.
func (e *Engine) TrailStop(ctx context.Context, remarks string, price float64) (bool, error) {
	leg := e.state.Leg(remarks)
	if leg == nil {
		return false, fmt.Errorf("no leg %q", remarks)
	}
	if leg.Role != models.RoleEntry || leg.Side != models.SideShort || !leg.IsOpen() || leg.StopPrice == 0 {
		return false, nil
	}
	prevStop, prevPeak := leg.StopPrice, leg.PeakPremium
	fired, tightened := trail(leg, price, e.cfg.Band, e.state.BookProfit)
	if !fired {
		return false, nil
	}
	if err := e.persist(ctx); err != nil {
		leg.StopPrice, leg.PeakPremium = prevStop, prevPeak
		return false, err
	}

	log := e.legLogger(leg)
	log.Info().Float64("price", price).Float64("anchor", leg.PeakPremium).
		Float64("stop", leg.StopPrice).Bool("tightened", tightened).Msg("trailing band crossed")
	if !tightened || leg.StopOrderID == "" {
		return tightened, nil
	}

	err := e.retry.Run(ctx, "modify_stop", func(ctx context.Context) error {
		return e.gateway.ModifyStop(ctx, leg.StopOrderID, leg.StopPrice)
	})
	if errors.Is(err, broker.ErrOrderNotFound) {
		// Filled or rejected since the last sync; the next sync settles it.
		log.Warn().Str("order_id", leg.StopOrderID).Msg("stop order no longer working")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("modify stop %s: %w", leg.StopOrderID, err)
	}
	return true, nil
}

// TrailAll runs TrailStop for every open short entry leg at its last price,
// skipping legs listed in faults.
func (e *Engine) TrailAll(ctx context.Context, faults map[string]error) error {
	var errs []error
	for _, leg := range e.state.EntryLegs() {
		if !leg.IsOpen() || leg.LastPrice <= 0 {
			continue
		}
		if ferr, ok := faults[leg.Remarks]; ok {
			e.legLogger(leg).Debug().Err(ferr).Msg("skipping trailing this tick")
			continue
		}
		if _, err := e.TrailStop(ctx, leg.Remarks, leg.LastPrice); err != nil {
			if errors.Is(err, ErrPersistence) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
