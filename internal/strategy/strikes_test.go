package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
)

func instrumentAt(strike float64) broker.Instrument {
	return broker.Instrument{Strike: strike}
}

func TestComputeBreakeven(t *testing.T) {
	be := ComputeBreakeven(20000, 200)
	if be.Call != 20200 || be.Put != 19800 {
		t.Errorf("breakeven = %+v, want 20200/19800", be)
	}
}

func TestHedgeStrikes(t *testing.T) {
	tests := []struct {
		atm, premium, step float64
		call, put          float64
	}{
		{20000, 200, 50, 20200, 19800},
		{20000, 130, 50, 20150, 19850},
		{44000, 512.35, 100, 44500, 43500},
		{20000, 20, 50, 20000, 20000},
	}
	for _, tt := range tests {
		call, put := HedgeStrikes(tt.atm, tt.premium, tt.step)
		if call != tt.call || put != tt.put {
			t.Errorf("HedgeStrikes(%v, %v, %v) = %v/%v, want %v/%v",
				tt.atm, tt.premium, tt.step, call, put, tt.call, tt.put)
		}
	}
}

func TestPlanStrikes(t *testing.T) {
	h := newHarness(t)
	plan, err := h.engine.PlanStrikes(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("PlanStrikes: %v", err)
	}
	if plan.ATM != 20000 || plan.Underlying != 20010 {
		t.Errorf("ATM/underlying = %v/%v", plan.ATM, plan.Underlying)
	}
	if plan.CE.ID != ceID || plan.PE.ID != peID {
		t.Errorf("straddle = %s/%s", plan.CE.ID, plan.PE.ID)
	}
	if plan.CallHedge.ID != callHedgeID || plan.PutHedge.ID != putHedgeID {
		t.Errorf("wings = %s/%s", plan.CallHedge.ID, plan.PutHedge.ID)
	}
	if plan.Premium() != 200 || plan.MaxStrikeDiff() != 200 {
		t.Errorf("premium/width = %v/%v", plan.Premium(), plan.MaxStrikeDiff())
	}
}

func TestPlanStrikesSamePremium(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(peID, 60)
	h.gw.SetPrice("NFO:NIFTY20050CE", 70)
	h.gw.SetPrice("NFO:NIFTY20150CE", 20)
	h.gw.SetPrice("NFO:NIFTY19850PE", 20)

	req := testRequest(t)
	req.SamePremium = true
	req.MaxStrikeSteps = 1
	plan, err := h.engine.PlanStrikes(context.Background(), req)
	if err != nil {
		t.Fatalf("PlanStrikes: %v", err)
	}
	if plan.CE.Strike != 20050 || plan.PE.Strike != 20000 {
		t.Errorf("matched strikes = %v/%v, want 20050/20000", plan.CE.Strike, plan.PE.Strike)
	}
	if plan.CallHedge.Strike != 20150 || plan.PutHedge.Strike != 19850 {
		t.Errorf("wings = %v/%v, want 20150/19850", plan.CallHedge.Strike, plan.PutHedge.Strike)
	}
}

func TestInitiatePremiumMismatchPlacesNothing(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(peID, 40)

	req := testRequest(t)
	req.SamePremium = true
	req.MaxStrikeSteps = 1
	err := h.engine.Initiate(context.Background(), req)
	if !errors.Is(err, ErrPremiumMismatch) {
		t.Fatalf("Initiate error = %v, want ErrPremiumMismatch", err)
	}
	if n := h.gw.Calls("PlaceOrder"); n != 0 {
		t.Errorf("PlaceOrder calls = %d, want 0", n)
	}
	if _, err := h.store.Load(context.Background(), req.InstanceID); err == nil {
		t.Error("instance persisted despite mismatch")
	}
}

func TestInitiateInvalidStrikes(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(ceID, 10)
	h.gw.SetPrice(peID, 10)

	err := h.engine.Initiate(context.Background(), testRequest(t))
	if !errors.Is(err, ErrInvalidStrikes) {
		t.Fatalf("Initiate error = %v, want ErrInvalidStrikes", err)
	}
	if n := h.gw.Calls("PlaceOrder"); n != 0 {
		t.Errorf("PlaceOrder calls = %d, want 0", n)
	}
	if h.engine.Status() != "" {
		t.Errorf("engine attached to an instance: %s", h.engine.Status())
	}
}
