package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
)

// ReasonLegsClosed means no entry leg is left open.
const ReasonLegsClosed = "legs_closed"

// ConvertToIronFly buys the protective wing on the side whose entry leg was
// stopped while the other entry leg is still open. It converts at most once
// and returns false when there is nothing to do.
func (e *Engine) ConvertToIronFly(ctx context.Context) (bool, error) {
	st := e.state
	if st.Status != models.StatusActive {
		return false, nil
	}

	hedge := st.HedgeLeg()
	if hedge == nil {
		if !st.CanConvert() || st.CountEntry(models.LegStopped) != 1 || st.CountEntry(models.LegOpen) != 1 {
			return false, nil
		}
		var stopped *models.Leg
		for _, l := range st.EntryLegs() {
			if l.Status == models.LegStopped {
				stopped = l
			}
		}
		strike := st.CallHedgeStrike
		if stopped.OptionType == models.OptionPut {
			strike = st.PutHedgeStrike
		}
		if strike <= 0 {
			return false, fmt.Errorf("no hedge strike for %s", stopped.OptionType)
		}
		inst, err := e.gateway.ResolveOption(ctx, st.Index, strike, stopped.OptionType)
		if err != nil {
			return false, fmt.Errorf("resolve hedge: %w", err)
		}
		st.Legs = append(st.Legs, models.Leg{
			InstrumentID: inst.ID,
			Exchange:     inst.Exchange,
			Side:         models.SideLong,
			Role:         models.RoleHedge,
			Strike:       strike,
			OptionType:   stopped.OptionType,
			Quantity:     st.Quantity,
			Status:       models.LegPending,
			Remarks:      HedgeRemarks(st.InstanceID, stopped.OptionType),
		})
		if err := e.persist(ctx); err != nil {
			st.Legs = st.Legs[:len(st.Legs)-1]
			return false, err
		}
		hedge = st.HedgeLeg()
		e.legLogger(hedge).Info().Float64("strike", strike).Str("stopped", stopped.Remarks).
			Msg("converting to iron fly")
	} else if hedge.Status != models.LegPending {
		return false, nil
	}

	log := e.legLogger(hedge)
	if hedge.EntryOrderID == "" {
		id, err := e.placeTagged(ctx, hedge.Remarks, broker.OrderRequest{
			InstrumentID:    hedge.InstrumentID,
			TransactionType: hedge.Side.OpeningAction(),
			OrderType:       broker.OrderMarket,
			Quantity:        hedge.Quantity,
		})
		var rejected *broker.RejectedError
		switch {
		case errors.As(err, &rejected):
			log.Warn().Str("reason", rejected.Reason).Msg("hedge order rejected, staying a straddle")
			if err := hedge.Transition(models.LegCancelled); err != nil {
				return false, err
			}
			return false, e.persist(ctx)
		case err != nil:
			return false, err
		}
		hedge.EntryOrderID = id
		if err := e.persist(ctx); err != nil {
			return false, err
		}
	}

	u, err := e.orders.AwaitFill(ctx, hedge.EntryOrderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return false, e.fail(ctx, fmt.Errorf("%w: hedge order %s not found", ErrIrrecoverableState, hedge.EntryOrderID))
	}
	if err != nil {
		return false, err
	}
	if !orders.IsOrderCompletelyFilled(u) {
		log.Warn().Str("status", string(u.Status)).Str("reason", u.Message).Msg("hedge not filled, staying a straddle")
		if err := hedge.Transition(models.LegCancelled); err != nil {
			return false, err
		}
		return false, e.persist(ctx)
	}

	hedge.EntryPremium = u.AveragePrice
	hedge.PeakPremium = u.AveragePrice
	hedge.LastPrice = u.AveragePrice
	if err := hedge.Transition(models.LegOpen); err != nil {
		return false, err
	}
	if err := st.TransitionState(models.StatusConverted, models.ConditionLegStopped); err != nil {
		return false, err
	}
	if err := e.persist(ctx); err != nil {
		return false, err
	}
	log.Info().Float64("premium", u.AveragePrice).Msg("converted to iron fly")
	return true, nil
}

// EvaluateExit runs the conversion check, then reports whether the instance
// should exit and why.
func (e *Engine) EvaluateExit(ctx context.Context) (bool, string, error) {
	st := e.state
	switch st.Status {
	case models.StatusFailed:
		return st.ExitReason == ReasonEntryRejected, st.ExitReason, nil
	case models.StatusDone:
		return false, "", nil
	case models.StatusExiting:
		return true, st.ExitReason, nil
	}

	if _, err := e.ConvertToIronFly(ctx); err != nil {
		return false, "", err
	}
	st = e.state
	if st.Status.Terminal() {
		return false, "", nil
	}

	now := e.clock.Now()
	if e.ExitRequested() {
		return true, ReasonExitRequested, nil
	}
	if e.afterCutoff(now) {
		return true, ReasonCutoff, nil
	}
	if st.Status == models.StatusInitiating {
		return false, "", nil
	}

	pnl := st.MarkToMarket(now).Total()
	switch {
	case st.TargetMTM > 0 && pnl >= st.TargetMTM:
		return true, ReasonTargetMTM, nil
	case st.TargetLoss < 0 && pnl <= st.TargetLoss:
		return true, ReasonTargetLoss, nil
	case st.CountEntry(models.LegBooked) == 2:
		return true, ReasonBookProfit, nil
	case st.CountEntry(models.LegOpen) == 0:
		return true, ReasonLegsClosed, nil
	}
	return false, "", nil
}

// Exit cancels every working order of the instance, squares the open legs
// at market and finalizes the instance as DONE. An attempt that leaves legs
// open returns ErrExitIncomplete; after MaxExitAttempts the instance is
// FAILED with ErrGatewayFault. Exit on a finished instance is a no-op.
func (e *Engine) Exit(ctx context.Context, reason string) error {
	if e.state == nil {
		return fmt.Errorf("engine has no instance")
	}
	st := e.state
	if st.Status.Terminal() {
		return nil
	}
	if st.Status != models.StatusExiting {
		if st.ExitReason == "" {
			st.ExitReason = reason
		}
		if err := st.TransitionState(models.StatusExiting, models.ConditionExitSignal); err != nil {
			return err
		}
		e.logger.Info().Str("reason", st.ExitReason).Msg("exiting")
	}
	st.ExitAttempts++
	if err := e.persist(ctx); err != nil {
		return err
	}

	var errs []error
	working, err := e.orders.WorkingWithPrefix(ctx, InstanceTag(st.InstanceID))
	if err != nil {
		errs = append(errs, fmt.Errorf("order book: %w", err))
	}
	for _, o := range working {
		if err := e.cancel(ctx, o.OrderID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.OrderID, err))
			continue
		}
		e.logger.Info().Str("order_id", o.OrderID).Str("tag", o.Tag).Msg("order cancelled")
	}

	// A stop may have filled before its cancel landed.
	for _, leg := range st.EntryLegs() {
		if !leg.IsOpen() || leg.StopOrderID == "" {
			continue
		}
		if _, err := e.syncStop(ctx, leg); err != nil && !errors.Is(err, ErrIrrecoverableState) {
			errs = append(errs, err)
		}
	}

	for i := range st.Legs {
		leg := &st.Legs[i]
		if leg.Status != models.LegPending {
			continue
		}
		if err := e.settlePending(ctx, leg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.persist(ctx); err != nil {
		return err
	}

	for _, leg := range st.OpenLegs() {
		if err := e.squareOff(ctx, leg); err != nil {
			if errors.Is(err, ErrPersistence) {
				return err
			}
			errs = append(errs, err)
		}
	}

	if len(st.OpenLegs()) == 0 && !hasPending(st) {
		snap := st.MarkToMarket(e.clock.Now())
		if err := st.TransitionState(models.StatusDone, models.ConditionSquaredOff); err != nil {
			return err
		}
		if err := e.finalize(ctx); err != nil {
			return err
		}
		e.logger.Info().Str("reason", st.ExitReason).Float64("realized", snap.Realized).
			Int("attempts", st.ExitAttempts).Msg("instance squared off")
		return nil
	}

	incomplete := fmt.Errorf("%w: %d legs open after attempt %d", ErrExitIncomplete, len(st.OpenLegs()), st.ExitAttempts)
	if st.ExitAttempts >= e.cfg.MaxExitAttempts {
		return e.fail(ctx, errors.Join(fmt.Errorf("%w: giving up square-off", ErrGatewayFault), incomplete, errors.Join(errs...)))
	}
	return errors.Join(append([]error{incomplete}, errs...)...)
}

func hasPending(st *models.Strategy) bool {
	for _, l := range st.Legs {
		if l.Status == models.LegPending {
			return true
		}
	}
	return false
}

// settlePending resolves a leg whose opening order never completed.
func (e *Engine) settlePending(ctx context.Context, leg *models.Leg) error {
	if leg.EntryOrderID == "" {
		return leg.Transition(models.LegCancelled)
	}
	u, err := e.orders.Status(ctx, leg.EntryOrderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return leg.Transition(models.LegCancelled)
	}
	if err != nil {
		return err
	}
	switch {
	case orders.IsOrderCompletelyFilled(u):
		leg.EntryPremium = u.AveragePrice
		leg.PeakPremium = u.AveragePrice
		leg.LastPrice = u.AveragePrice
		return leg.Transition(models.LegOpen)
	case u.IsDead():
		return leg.Transition(models.LegCancelled)
	}
	return fmt.Errorf("opening order %s of %s still %s", leg.EntryOrderID, leg.Remarks, u.Status)
}

// squareOff closes an open leg with an opposite market order. The intent is
// persisted first; a restart finds the order again by its tag.
func (e *Engine) squareOff(ctx context.Context, leg *models.Leg) error {
	log := e.legLogger(leg)
	if leg.ExitOrderID == "" {
		leg.ExitPending = true
		if err := e.persist(ctx); err != nil {
			return err
		}
		id, err := e.placeTagged(ctx, SquareOffRemarks(leg.Remarks), broker.OrderRequest{
			InstrumentID:    leg.InstrumentID,
			TransactionType: leg.Side.ClosingAction(),
			OrderType:       broker.OrderMarket,
			Quantity:        leg.Quantity,
		})
		if err != nil {
			return fmt.Errorf("square off %s: %w", leg.Remarks, err)
		}
		leg.ExitOrderID = id
		if err := e.persist(ctx); err != nil {
			return err
		}
	}

	u, err := e.orders.AwaitFill(ctx, leg.ExitOrderID)
	if err != nil && !errors.Is(err, orders.ErrFillTimeout) {
		if errors.Is(err, broker.ErrOrderNotFound) {
			leg.ExitOrderID = ""
		}
		return fmt.Errorf("square off %s: %w", leg.Remarks, err)
	}
	if u == nil || !orders.IsOrderCompletelyFilled(u) {
		status := "unknown"
		if u != nil {
			status = string(u.Status)
		}
		if u != nil && u.IsDead() {
			leg.ExitOrderID = ""
			leg.ExitPending = false
		}
		if perr := e.persist(ctx); perr != nil {
			return perr
		}
		return fmt.Errorf("square off %s not filled (%s)", leg.Remarks, status)
	}

	if err := leg.Close(u.AveragePrice); err != nil {
		return err
	}
	leg.ExitPending = false
	if err := e.persist(ctx); err != nil {
		return err
	}
	log.Info().Float64("fill", u.AveragePrice).Float64("realized", leg.RealizedPnL).Msg("leg squared off")
	return nil
}

// fail marks the instance FAILED for cause and finalizes it.
func (e *Engine) fail(ctx context.Context, cause error) error {
	st := e.state
	st.FailureCause = cause.Error()
	st.MarkToMarket(e.clock.Now())
	if err := st.TransitionState(models.StatusFailed, models.ConditionIrrecoverable); err != nil {
		return errors.Join(cause, err)
	}
	if err := e.finalize(ctx); err != nil {
		return errors.Join(cause, err)
	}
	e.logger.Error().Err(cause).Msg("instance failed, manual reconciliation required")
	return cause
}
