package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
)

// Initiate plans strikes, writes the INITIATING snapshot, sells both legs
// and waits for fills. When either leg is rejected the counterpart is
// cancelled or squared, the instance is FAILED and ErrEntryRejected is
// returned. On success the instance is ACTIVE with protective stops placed.
func (e *Engine) Initiate(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if e.state != nil {
		return fmt.Errorf("engine already attached to %s", e.state.InstanceID)
	}
	e.logger = e.logger.With().Str("instance", req.InstanceID).Str("index", string(req.Index)).Logger()

	plan, err := e.PlanStrikes(ctx, req)
	if err != nil {
		return err
	}
	e.plan = plan

	st := models.NewStrategy(req.InstanceID, req.Index, req.Quantity, e.clock.Now())
	st.UnderlyingPrice = plan.Underlying
	st.ATMStrike = plan.ATM
	st.CallHedgeStrike = plan.CallHedge.Strike
	st.PutHedgeStrike = plan.PutHedge.Strike
	st.SLFactor = req.SLFactor
	st.BookProfit = req.BookProfit
	st.Target = req.Target
	st.TargetMTM = req.TargetMTM
	for _, leg := range []struct {
		inst broker.Instrument
		t    models.OptionType
	}{{plan.CE, models.OptionCall}, {plan.PE, models.OptionPut}} {
		st.Legs = append(st.Legs, models.Leg{
			InstrumentID: leg.inst.ID,
			Exchange:     leg.inst.Exchange,
			Side:         models.SideShort,
			Role:         models.RoleEntry,
			Strike:       leg.inst.Strike,
			OptionType:   leg.t,
			Quantity:     req.Quantity,
			Status:       models.LegPending,
			Remarks:      EntryRemarks(req.InstanceID, leg.t),
		})
	}

	if err := e.store.Create(ctx, st); err != nil {
		if errors.Is(err, storage.ErrAlreadyActive) || errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.attach(st)

	e.logger.Info().
		Float64("underlying", plan.Underlying).
		Float64("atm", plan.ATM).
		Str("ce", plan.CE.ID).Float64("ce_ltp", plan.CELTP).
		Str("pe", plan.PE.ID).Float64("pe_ltp", plan.PELTP).
		Float64("call_hedge", plan.CallHedge.Strike).Float64("put_hedge", plan.PutHedge.Strike).
		Float64("max_loss", MaxLoss(plan, req.Quantity, req.SLFactor)).
		Msg("placing straddle")

	return e.completeEntry(ctx)
}

// completeEntry places any entry order not yet placed, waits for both legs
// and settles the instance. It is also the restart path for INITIATING.
func (e *Engine) completeEntry(ctx context.Context) error {
	for _, leg := range e.state.EntryLegs() {
		if e.state.CountEntry(models.LegCancelled) > 0 {
			break
		}
		if leg.Status != models.LegPending || leg.EntryOrderID != "" {
			continue
		}
		if err := e.placeEntry(ctx, leg); err != nil {
			return err
		}
	}

	for _, leg := range e.state.EntryLegs() {
		if leg.Status != models.LegPending {
			continue
		}
		if e.state.CountEntry(models.LegCancelled) > 0 && leg.EntryOrderID != "" {
			e.legLogger(leg).Warn().Str("order_id", leg.EntryOrderID).Msg("counterpart rejected, cancelling entry order")
			if err := e.cancel(ctx, leg.EntryOrderID); err != nil {
				return err
			}
		}
		if err := e.settleEntry(ctx, leg); err != nil {
			if errors.Is(err, ErrIrrecoverableState) {
				return e.fail(ctx, err)
			}
			return err
		}
	}
	if err := e.persist(ctx); err != nil {
		return err
	}

	if e.state.CountEntry(models.LegOpen) == 2 {
		return e.activate(ctx)
	}
	return e.failEntry(ctx)
}

// ResumeEntry finishes an entry interrupted by a restart. Legs whose order
// is already known are only awaited, never re-sent.
func (e *Engine) ResumeEntry(ctx context.Context) error {
	if e.state == nil || e.state.Status != models.StatusInitiating {
		return fmt.Errorf("resume entry: instance is not initiating")
	}
	return e.completeEntry(ctx)
}

// placeEntry sends the SELL order of an entry leg, reusing an order already
// carrying the leg's tag.
func (e *Engine) placeEntry(ctx context.Context, leg *models.Leg) error {
	id, err := e.placeTagged(ctx, leg.Remarks, broker.OrderRequest{
		InstrumentID:    leg.InstrumentID,
		TransactionType: leg.Side.OpeningAction(),
		OrderType:       broker.OrderMarket,
		Quantity:        leg.Quantity,
	})
	var rejected *broker.RejectedError
	switch {
	case errors.As(err, &rejected):
		e.legLogger(leg).Warn().Str("reason", rejected.Reason).Msg("entry order rejected")
		if err := leg.Transition(models.LegCancelled); err != nil {
			return err
		}
		return e.persist(ctx)
	case err != nil:
		return err
	}
	leg.EntryOrderID = id
	return e.persist(ctx)
}

// placeTagged places req tagged for remarks unless the broker already has a
// live or filled order with that tag.
func (e *Engine) placeTagged(ctx context.Context, remarks string, req broker.OrderRequest) (string, error) {
	tag := BrokerTag(remarks)
	existing, err := e.orders.FindByTag(ctx, tag)
	if err != nil {
		return "", fmt.Errorf("order lookup %s: %w", tag, err)
	}
	if existing != nil && !existing.IsDead() {
		e.logger.Info().Str("tag", tag).Str("order_id", existing.OrderID).Msg("reusing existing order")
		return existing.OrderID, nil
	}
	req.Tag = tag
	id, err := e.gateway.PlaceOrder(ctx, req)
	if err == nil {
		return id, nil
	}
	if broker.IsRejected(err) || !broker.IsTransient(err) {
		return "", err
	}
	// The order may have reached the broker before the error; look again.
	existing, lookupErr := e.orders.FindByTag(ctx, tag)
	if lookupErr == nil && existing != nil && !existing.IsDead() {
		return existing.OrderID, nil
	}
	return "", fmt.Errorf("place %s: %w", tag, err)
}

// settleEntry waits for an entry order to finish and records the outcome.
func (e *Engine) settleEntry(ctx context.Context, leg *models.Leg) error {
	log := e.legLogger(leg)
	if leg.EntryOrderID == "" {
		return leg.Transition(models.LegCancelled)
	}
	u, err := e.orders.AwaitFill(ctx, leg.EntryOrderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		return fmt.Errorf("%w: entry order %s of %s not found", ErrIrrecoverableState, leg.EntryOrderID, leg.Remarks)
	case errors.Is(err, orders.ErrFillTimeout):
		log.Warn().Str("order_id", leg.EntryOrderID).Msg("entry fill timed out, cancelling")
		if cerr := e.cancel(ctx, leg.EntryOrderID); cerr != nil {
			return cerr
		}
		if u, err = e.orders.Status(ctx, leg.EntryOrderID); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if orders.IsOrderCompletelyFilled(u) {
		leg.EntryPremium = u.AveragePrice
		leg.PeakPremium = u.AveragePrice
		leg.LastPrice = u.AveragePrice
		log.Info().Float64("premium", u.AveragePrice).Msg("entry leg filled")
		return leg.Transition(models.LegOpen)
	}
	log.Warn().Str("status", string(u.Status)).Str("reason", u.Message).Msg("entry leg not filled")
	return leg.Transition(models.LegCancelled)
}

// activate fixes the collected premium and targets, then protects both legs.
func (e *Engine) activate(ctx context.Context) error {
	st := e.state
	legs := st.EntryLegs()
	st.CollectedPremium = legs[0].EntryPremium + legs[1].EntryPremium

	spec, err := st.Index.Spec()
	if err != nil {
		return err
	}
	if call, put := HedgeStrikes(st.ATMStrike, st.CollectedPremium, spec.StrikeStep); call != st.ATMStrike && put != st.ATMStrike {
		st.CallHedgeStrike, st.PutHedgeStrike = call, put
	}
	if st.Target <= 0 {
		st.Target = DefaultTarget
	}
	premium := st.CollectedPremium * float64(st.Quantity)
	st.TargetMTM, st.TargetLoss = DeriveTargets(premium, st.Target, st.TargetMTM)
	st.MarkToMarket(e.clock.Now())

	if err := st.TransitionState(models.StatusActive, models.ConditionEntryFilled); err != nil {
		return err
	}
	if err := e.persist(ctx); err != nil {
		return err
	}

	be := e.ComputeBreakeven()
	e.logger.Info().
		Float64("collected_premium", st.CollectedPremium).
		Float64("target_mtm", st.TargetMTM).
		Float64("target_loss", st.TargetLoss).
		Float64("breakeven_call", be.Call).
		Float64("breakeven_put", be.Put).
		Msg("straddle active")

	return e.PlaceProtectiveStops(ctx, legs)
}

// failEntry unwinds a partially filled entry and closes the instance.
func (e *Engine) failEntry(ctx context.Context) error {
	for _, leg := range e.state.EntryLegs() {
		if leg.Status != models.LegOpen {
			continue
		}
		e.legLogger(leg).Warn().Msg("counterpart rejected, squaring filled leg")
		if err := e.squareOff(ctx, leg); err != nil {
			return err
		}
	}
	if n := len(e.state.OpenLegs()); n > 0 {
		return fmt.Errorf("%w: %d entry legs still open after rejection", ErrExitIncomplete, n)
	}

	e.state.ExitReason = ReasonEntryRejected
	e.state.FailureCause = ErrEntryRejected.Error()
	e.state.MarkToMarket(e.clock.Now())
	if err := e.state.TransitionState(models.StatusFailed, models.ConditionEntryRejected); err != nil {
		return err
	}
	if err := e.finalize(ctx); err != nil {
		return err
	}
	e.logger.Error().Msg("entry rejected, instance failed")
	return ErrEntryRejected
}
