package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// RefreshQuotes updates LastPrice of every open leg. Legs whose quote could
// not be fetched after retries, or came back stale, are returned as faults
// keyed by remarks; they are excluded from trailing this tick.
func (e *Engine) RefreshQuotes(ctx context.Context) map[string]error {
	faults := make(map[string]error)
	for _, leg := range e.state.OpenLegs() {
		q, stale, err := e.quote(ctx, leg.InstrumentID)
		if err != nil {
			e.legLogger(leg).Debug().Err(err).Msg("quote failed")
			faults[leg.Remarks] = err
			continue
		}
		leg.LastPrice = q.LTP
		if stale {
			faults[leg.Remarks] = broker.ErrQuoteStale
		}
	}
	return faults
}

// MarkToMarket recomputes and persists the PnL snapshot.
func (e *Engine) MarkToMarket(ctx context.Context) (models.PnLSnapshot, error) {
	snap := e.state.MarkToMarket(e.clock.Now())
	if err := e.persist(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// CheckBreakeven compares the underlying with the breakevens. It returns
// "CE" or "PE" when the spot is beyond that side's breakeven, else "".
func (e *Engine) CheckBreakeven(ctx context.Context) (side string, spot float64, err error) {
	st := e.state
	if st.CollectedPremium <= 0 {
		return "", 0, nil
	}
	under, err := e.gateway.Underlying(ctx, st.Index)
	if err != nil {
		return "", 0, err
	}
	spot, err = e.ltp(ctx, under.ID)
	if err != nil {
		if errors.Is(err, broker.ErrQuoteStale) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("underlying quote: %w", err)
	}
	be := e.ComputeBreakeven()
	switch {
	case spot > be.Call:
		return string(models.OptionCall), spot, nil
	case spot < be.Put:
		return string(models.OptionPut), spot, nil
	}
	return "", spot, nil
}
