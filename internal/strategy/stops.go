package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/util"
)

// PlaceProtectiveStops submits a stop for every open entry leg that has none.
// The first stop sits at entry*(1+sl_factor); a leg whose stop was rejected
// is re-submitted at its current (possibly trailed) stop price. The intent is
// persisted before the order call.
func (e *Engine) PlaceProtectiveStops(ctx context.Context, legs []*models.Leg) error {
	for _, leg := range legs {
		if leg.Role != models.RoleEntry || !leg.IsOpen() || leg.StopOrderID != "" {
			continue
		}
		log := e.legLogger(leg)
		if leg.StopPrice == 0 {
			leg.StopPrice = util.Mul(leg.EntryPremium, 1+e.state.SLFactor)
		}
		leg.StopPending = true
		if err := e.persist(ctx); err != nil {
			return err
		}

		price := util.RoundToTick(leg.StopPrice, util.OptionTick)
		orderType, trigger := broker.StopOrder(price, leg.LastPrice)
		id, err := e.placeTagged(ctx, StopRemarks(leg.Remarks), broker.OrderRequest{
			InstrumentID:    leg.InstrumentID,
			TransactionType: leg.Side.ClosingAction(),
			OrderType:       orderType,
			Quantity:        leg.Quantity,
			Price:           price,
			TriggerPrice:    trigger,
		})
		var rejected *broker.RejectedError
		switch {
		case errors.As(err, &rejected):
			log.Warn().Str("reason", rejected.Reason).Float64("stop", price).Msg("stop order rejected, will resubmit")
			continue
		case err != nil:
			return fmt.Errorf("stop for %s: %w", leg.Remarks, err)
		}

		leg.StopOrderID = id
		leg.StopPending = false
		if err := e.persist(ctx); err != nil {
			return err
		}
		log.Info().Str("order_id", id).Float64("stop", price).Float64("trigger", trigger).
			Str("type", string(orderType)).Msg("protective stop placed")
	}
	return nil
}

// SyncOrders reconciles the legs with their stop orders: a filled stop
// closes the leg, a rejected or cancelled one is re-submitted.
func (e *Engine) SyncOrders(ctx context.Context) error {
	st := e.state
	if st.Status != models.StatusActive && st.Status != models.StatusConverted {
		return nil
	}
	for _, leg := range st.EntryLegs() {
		if !leg.IsOpen() || leg.StopOrderID == "" {
			continue
		}
		closed, err := e.syncStop(ctx, leg)
		if err != nil {
			if errors.Is(err, ErrIrrecoverableState) {
				return e.fail(ctx, err)
			}
			e.legLogger(leg).Debug().Err(err).Msg("stop status unavailable")
			continue
		}
		if !closed && leg.StopOrderID == "" {
			if err := e.persist(ctx); err != nil {
				return err
			}
		}
	}
	return e.PlaceProtectiveStops(ctx, st.EntryLegs())
}

// syncStop checks one stop order. It reports whether the leg was closed and
// clears StopOrderID when the order died without filling.
func (e *Engine) syncStop(ctx context.Context, leg *models.Leg) (bool, error) {
	log := e.legLogger(leg)
	u, err := e.orders.Status(ctx, leg.StopOrderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return false, fmt.Errorf("%w: stop order %s of %s not found", ErrIrrecoverableState, leg.StopOrderID, leg.Remarks)
	}
	if err != nil {
		return false, err
	}
	switch {
	case orders.IsOrderCompletelyFilled(u):
		if err := leg.Close(u.AveragePrice); err != nil {
			return false, err
		}
		leg.ExitOrderID = leg.StopOrderID
		if err := e.persist(ctx); err != nil {
			return false, err
		}
		log.Info().Float64("fill", u.AveragePrice).Float64("entry", leg.EntryPremium).
			Float64("realized", leg.RealizedPnL).Str("status", string(leg.Status)).Msg("stop order filled")
		return true, nil
	case u.IsDead():
		log.Warn().Str("order_id", leg.StopOrderID).Str("status", string(u.Status)).Str("reason", u.Message).
			Msg("stop order ended without fill, resubmitting")
		leg.StopOrderID = ""
		leg.StopPending = true
	}
	return false, nil
}

// cancel cancels an order, treating an unknown order as already gone.
func (e *Engine) cancel(ctx context.Context, orderID string) error {
	err := e.retry.Run(ctx, "cancel_order", func(ctx context.Context) error {
		return e.gateway.CancelOrder(ctx, orderID)
	})
	if errors.Is(err, broker.ErrOrderNotFound) {
		e.logger.Debug().Str("order_id", orderID).Msg("cancel: order not found")
		return nil
	}
	return err
}
