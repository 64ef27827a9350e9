package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

const testCE = "NFO:NIFTY20000CE"

func newPaper(t *testing.T) *PaperGateway {
	t.Helper()
	p := NewPaperGateway(nil, clockwork.NewFakeClock())
	p.SetPrice(testCE, 100)
	return p
}

func mustStatus(t *testing.T, p *PaperGateway, id string) *OrderUpdate {
	t.Helper()
	u, err := p.OrderStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("OrderStatus(%s): %v", id, err)
	}
	return u
}

func TestPaperGateway_MarketOrderFillsAtLast(t *testing.T) {
	p := newPaper(t)
	id, err := p.PlaceOrder(context.Background(), OrderRequest{
		InstrumentID: testCE, TransactionType: Sell, OrderType: OrderMarket, Quantity: 50, Tag: "x|ce_straddle",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	u := mustStatus(t, p, id)
	if !u.IsFilled() || u.AveragePrice != 100 || u.FilledQuantity != 50 {
		t.Errorf("unexpected fill: %+v", u)
	}
}

func TestPaperGateway_StopTriggersAboveMarket(t *testing.T) {
	p := newPaper(t)
	id, err := p.PlaceOrder(context.Background(), OrderRequest{
		InstrumentID: testCE, TransactionType: Buy, OrderType: OrderStopLimit,
		Quantity: 50, Price: 175, TriggerPrice: 174.5,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if u := mustStatus(t, p, id); u.Status != StatusTriggerPending {
		t.Fatalf("stop should be trigger pending, got %s", u.Status)
	}

	p.SetPrice(testCE, 170)
	if u := mustStatus(t, p, id); u.IsFilled() {
		t.Fatal("stop filled below trigger")
	}
	p.SetPrice(testCE, 174.5)
	if u := mustStatus(t, p, id); !u.IsFilled() || u.AveragePrice != 174.5 {
		t.Errorf("stop should fill at trigger, got %+v", u)
	}
}

func TestPaperGateway_ModifyStopBelowMarketBecomesLimit(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	id, _ := p.PlaceOrder(ctx, OrderRequest{
		InstrumentID: testCE, TransactionType: Buy, OrderType: OrderStopLimit,
		Quantity: 50, Price: 175, TriggerPrice: 174.5,
	})

	p.SetPrice(testCE, 94)
	if err := p.ModifyStop(ctx, id, 56.4); err != nil {
		t.Fatalf("ModifyStop: %v", err)
	}
	u := mustStatus(t, p, id)
	if u.OrderType != OrderLimit || u.Status != StatusOpen {
		t.Fatalf("trailed stop should rest as a limit, got %s/%s", u.OrderType, u.Status)
	}

	p.SetPrice(testCE, 56)
	u = mustStatus(t, p, id)
	if !u.IsFilled() || u.AveragePrice != 56.4 {
		t.Errorf("limit should fill at 56.4, got %+v", u)
	}
}

func TestPaperGateway_RejectTagged(t *testing.T) {
	p := newPaper(t)
	p.RejectTagged("pe_straddle", "margin exceeded")
	id, err := p.PlaceOrder(context.Background(), OrderRequest{
		InstrumentID: testCE, TransactionType: Sell, OrderType: OrderMarket, Quantity: 50, Tag: "abc|pe_straddle",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	u := mustStatus(t, p, id)
	if u.Status != StatusRejected || u.Message != "margin exceeded" {
		t.Errorf("expected rejection, got %+v", u)
	}
}

func TestPaperGateway_CancelIsIdempotent(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	id, _ := p.PlaceOrder(ctx, OrderRequest{
		InstrumentID: testCE, TransactionType: Buy, OrderType: OrderStopLimit,
		Quantity: 50, Price: 175, TriggerPrice: 174.5,
	})
	for i := 0; i < 2; i++ {
		if err := p.CancelOrder(ctx, id); err != nil {
			t.Fatalf("CancelOrder #%d: %v", i+1, err)
		}
	}
	if u := mustStatus(t, p, id); u.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", u.Status)
	}
	if err := p.ModifyStop(ctx, id, 150); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("modifying a cancelled order should fail with ErrOrderNotFound, got %v", err)
	}
}

func TestPaperGateway_FailNext(t *testing.T) {
	p := newPaper(t)
	p.FailNext("GetQuote", ErrUnavailable)
	if _, err := p.GetQuote(context.Background(), testCE); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := p.GetQuote(context.Background(), testCE); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
	if got := p.Calls("GetQuote"); got != 2 {
		t.Errorf("Calls(GetQuote) = %d, want 2", got)
	}
}

func TestPaperGateway_ResolveOption(t *testing.T) {
	p := newPaper(t)
	inst, err := p.ResolveOption(context.Background(), models.IndexBankNifty, 44800, models.OptionPut)
	if err != nil {
		t.Fatalf("ResolveOption: %v", err)
	}
	if inst.ID != "NFO:BANKNIFTY44800PE" || inst.LotSize != 15 {
		t.Errorf("unexpected instrument %+v", inst)
	}

	und, err := p.Underlying(context.Background(), models.IndexSensex)
	if err != nil {
		t.Fatalf("Underlying: %v", err)
	}
	if und.ID != "BSE:SENSEX" {
		t.Errorf("Underlying = %s, want BSE:SENSEX", und.ID)
	}
}
