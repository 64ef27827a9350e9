package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/util"
)

// StrikePlan is the set of contracts chosen for an instance before any order.
type StrikePlan struct {
	Index      models.Index
	Underlying float64
	ATM        float64
	StrikeStep float64

	CE, PE       broker.Instrument
	CELTP, PELTP float64

	CallHedge, PutHedge       broker.Instrument
	CallHedgeLTP, PutHedgeLTP float64
}

// Premium is the per-unit premium of the planned straddle.
func (p *StrikePlan) Premium() float64 { return p.CELTP + p.PELTP }

// PremiumGap is |ce-pe| as a fraction of the cheaper leg.
func (p *StrikePlan) PremiumGap() float64 {
	return premiumGap(p.CELTP, p.PELTP)
}

// MaxStrikeDiff is the widest distance between a straddle leg and its wing.
func (p *StrikePlan) MaxStrikeDiff() float64 {
	return math.Max(math.Abs(p.CE.Strike-p.CallHedge.Strike), math.Abs(p.PE.Strike-p.PutHedge.Strike))
}

func premiumGap(ce, pe float64) float64 {
	low := math.Min(ce, pe)
	if low <= 0 {
		return math.Inf(1)
	}
	return math.Abs(ce-pe) / low
}

// HedgeStrikes rounds the breakevens of a straddle to listed strikes.
func HedgeStrikes(atm, premium, step float64) (call, put float64) {
	be := ComputeBreakeven(atm, premium)
	return util.RoundStrike(be.Call, step), util.RoundStrike(be.Put, step)
}

type optionQuote struct {
	inst broker.Instrument
	ltp  float64
}

// PlanStrikes picks the straddle and wing contracts for req from live quotes.
func (e *Engine) PlanStrikes(ctx context.Context, req Request) (*StrikePlan, error) {
	spec, err := req.Index.Spec()
	if err != nil {
		return nil, err
	}
	under, err := e.gateway.Underlying(ctx, req.Index)
	if err != nil {
		return nil, fmt.Errorf("underlying for %s: %w", req.Index, err)
	}
	spot, err := e.ltp(ctx, under.ID)
	if err != nil {
		return nil, fmt.Errorf("underlying quote %s: %w", under.ID, err)
	}
	atm := util.RoundStrike(spot, spec.StrikeStep)
	plan := &StrikePlan{Index: req.Index, Underlying: spot, ATM: atm, StrikeStep: spec.StrikeStep}

	ce, err := e.optionQuote(ctx, req.Index, atm, models.OptionCall)
	if err != nil {
		return nil, err
	}
	pe, err := e.optionQuote(ctx, req.Index, atm, models.OptionPut)
	if err != nil {
		return nil, err
	}

	if req.SamePremium && premiumGap(ce.ltp, pe.ltp) > req.PremiumTolerance {
		e.logger.Info().Float64("ce_ltp", ce.ltp).Float64("pe_ltp", pe.ltp).
			Float64("gap", premiumGap(ce.ltp, pe.ltp)).Msg("premium gap above tolerance, searching nearby strikes")
		ce, pe, err = e.matchPremiums(ctx, req, atm, spec.StrikeStep, ce, pe)
		if err != nil {
			return nil, err
		}
	}
	plan.CE, plan.CELTP = ce.inst, ce.ltp
	plan.PE, plan.PELTP = pe.inst, pe.ltp

	callStrike, putStrike := HedgeStrikes(atm, plan.Premium(), spec.StrikeStep)
	if callStrike <= plan.CE.Strike || putStrike >= plan.PE.Strike {
		return nil, fmt.Errorf("%w: hedges %.0f/%.0f vs straddle %.0f/%.0f",
			ErrInvalidStrikes, callStrike, putStrike, plan.CE.Strike, plan.PE.Strike)
	}
	ch, err := e.optionQuote(ctx, req.Index, callStrike, models.OptionCall)
	if err != nil {
		return nil, err
	}
	ph, err := e.optionQuote(ctx, req.Index, putStrike, models.OptionPut)
	if err != nil {
		return nil, err
	}
	plan.CallHedge, plan.CallHedgeLTP = ch.inst, ch.ltp
	plan.PutHedge, plan.PutHedgeLTP = ph.inst, ph.ltp
	return plan, nil
}

func (e *Engine) optionQuote(ctx context.Context, index models.Index, strike float64, t models.OptionType) (optionQuote, error) {
	inst, err := e.gateway.ResolveOption(ctx, index, strike, t)
	if err != nil {
		return optionQuote{}, fmt.Errorf("resolve %s %.0f %s: %w", index, strike, t, err)
	}
	ltp, err := e.ltp(ctx, inst.ID)
	if err != nil {
		return optionQuote{}, fmt.Errorf("quote %s: %w", inst.ID, err)
	}
	return optionQuote{inst: inst, ltp: ltp}, nil
}

// matchPremiums searches CE and PE strikes within MaxStrikeSteps of atm for
// the pair with the smallest premium gap inside tolerance. Ties go to the
// pair closest to atm.
func (e *Engine) matchPremiums(ctx context.Context, req Request, atm, step float64,
	atmCE, atmPE optionQuote) (optionQuote, optionQuote, error) {
	k := req.MaxStrikeSteps
	ces := map[int]optionQuote{0: atmCE}
	pes := map[int]optionQuote{0: atmPE}
	for i := -k; i <= k; i++ {
		if i == 0 {
			continue
		}
		strike := atm + float64(i)*step
		if strike <= 0 {
			continue
		}
		if q, err := e.optionQuote(ctx, req.Index, strike, models.OptionCall); err == nil {
			ces[i] = q
		} else {
			e.logger.Debug().Err(err).Float64("strike", strike).Msg("skipping CE strike")
		}
		if q, err := e.optionQuote(ctx, req.Index, strike, models.OptionPut); err == nil {
			pes[i] = q
		} else {
			e.logger.Debug().Err(err).Float64("strike", strike).Msg("skipping PE strike")
		}
	}

	bestGap := math.Inf(1)
	bestDist := math.MaxInt
	var bestCE, bestPE optionQuote
	for i := -k; i <= k; i++ {
		ce, ok := ces[i]
		if !ok {
			continue
		}
		for j := -k; j <= k; j++ {
			pe, ok := pes[j]
			if !ok {
				continue
			}
			gap := premiumGap(ce.ltp, pe.ltp)
			dist := abs(i) + abs(j)
			if gap < bestGap || (gap == bestGap && dist < bestDist) {
				bestGap, bestDist, bestCE, bestPE = gap, dist, ce, pe
			}
		}
	}
	if bestGap > req.PremiumTolerance {
		return optionQuote{}, optionQuote{}, fmt.Errorf("%w: best gap %.1f%% exceeds %.1f%%",
			ErrPremiumMismatch, bestGap*100, req.PremiumTolerance*100)
	}
	e.logger.Info().Float64("ce_strike", bestCE.inst.Strike).Float64("pe_strike", bestPE.inst.Strike).
		Float64("gap", bestGap).Msg("matched premiums")
	return bestCE, bestPE, nil
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
