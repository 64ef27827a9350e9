package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
)

const instrument = "NFO:NIFTY20000CE"

func newTestManager(t *testing.T, cfg Config) (*Manager, *broker.PaperGateway) {
	t.Helper()
	clock := clockwork.NewRealClock()
	gw := broker.NewPaperGateway(nil, clock)
	gw.SetPrice(instrument, 100)
	r := retry.NewClient(zerolog.Nop(), clock, retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second})
	return NewManager(gw, r, clock, zerolog.Nop(), cfg), gw
}

func place(t *testing.T, gw *broker.PaperGateway, req broker.OrderRequest) string {
	t.Helper()
	if req.InstrumentID == "" {
		req.InstrumentID = instrument
	}
	if req.Quantity == 0 {
		req.Quantity = 50
	}
	id, err := gw.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return id
}

func TestNewManager_DefaultConfig(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if m.config != DefaultConfig {
		t.Errorf("config = %+v, want defaults %+v", m.config, DefaultConfig)
	}
}

func TestNewManager_NilGatewayPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil gateway")
		}
	}()
	NewManager(nil, nil, nil, zerolog.Nop())
}

func TestManager_AwaitFill_Filled(t *testing.T) {
	m, gw := newTestManager(t, Config{PollInterval: time.Millisecond, Timeout: time.Second})
	id := place(t, gw, broker.OrderRequest{TransactionType: broker.Sell, OrderType: broker.OrderMarket})

	u, err := m.AwaitFill(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitFill: %v", err)
	}
	if !IsOrderCompletelyFilled(u) || u.AveragePrice != 100 {
		t.Errorf("unexpected update %+v", u)
	}
}

func TestManager_AwaitFill_Rejected(t *testing.T) {
	m, gw := newTestManager(t, Config{PollInterval: time.Millisecond, Timeout: time.Second})
	gw.RejectTagged("pe", "RMS: margin exceeds")
	id := place(t, gw, broker.OrderRequest{TransactionType: broker.Sell, OrderType: broker.OrderMarket, Tag: "abc_pe"})

	u, err := m.AwaitFill(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitFill: %v", err)
	}
	if u.Status != broker.StatusRejected {
		t.Errorf("expected rejected, got %s", u.Status)
	}
}

func TestManager_AwaitFill_Timeout(t *testing.T) {
	m, gw := newTestManager(t, Config{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond})
	id := place(t, gw, broker.OrderRequest{TransactionType: broker.Buy, OrderType: broker.OrderLimit, Price: 50})

	u, err := m.AwaitFill(context.Background(), id)
	if !errors.Is(err, ErrFillTimeout) {
		t.Fatalf("expected ErrFillTimeout, got %v", err)
	}
	if u == nil || u.Status != broker.StatusOpen {
		t.Errorf("expected last update to be returned, got %+v", u)
	}
}

func TestManager_AwaitFill_FillsWhilePolling(t *testing.T) {
	m, gw := newTestManager(t, Config{PollInterval: time.Millisecond, Timeout: time.Second})
	id := place(t, gw, broker.OrderRequest{TransactionType: broker.Buy, OrderType: broker.OrderLimit, Price: 50})

	go func() {
		time.Sleep(5 * time.Millisecond)
		gw.SetPrice(instrument, 49)
	}()
	u, err := m.AwaitFill(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitFill: %v", err)
	}
	if !u.IsFilled() || u.AveragePrice != 50 {
		t.Errorf("unexpected update %+v", u)
	}
}

func TestManager_AwaitFill_UnknownOrder(t *testing.T) {
	m, _ := newTestManager(t, Config{PollInterval: time.Millisecond, Timeout: time.Second})
	if _, err := m.AwaitFill(context.Background(), "nope"); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestManager_FindByTag(t *testing.T) {
	m, gw := newTestManager(t, Config{})
	gw.RejectTagged("first", "rejected")
	place(t, gw, broker.OrderRequest{TransactionType: broker.Sell, OrderType: broker.OrderMarket, Tag: "tag_first"})
	good := place(t, gw, broker.OrderRequest{TransactionType: broker.Sell, OrderType: broker.OrderMarket, Tag: "tag_second"})

	found, err := m.FindByTag(context.Background(), "tag_second")
	if err != nil {
		t.Fatalf("FindByTag: %v", err)
	}
	if found == nil || found.OrderID != good {
		t.Errorf("FindByTag returned %+v, want %s", found, good)
	}

	missing, err := m.FindByTag(context.Background(), "other")
	if err != nil || missing != nil {
		t.Errorf("expected no match, got %+v, %v", missing, err)
	}
}

func TestManager_WorkingWithPrefix(t *testing.T) {
	m, gw := newTestManager(t, Config{})
	place(t, gw, broker.OrderRequest{TransactionType: broker.Sell, OrderType: broker.OrderMarket, Tag: "abcCES"})
	stop := place(t, gw, broker.OrderRequest{TransactionType: broker.Buy, OrderType: broker.OrderStopLimit, Price: 175, TriggerPrice: 174.5, Tag: "abcCESSL"})
	place(t, gw, broker.OrderRequest{TransactionType: broker.Buy, OrderType: broker.OrderStopLimit, Price: 175, TriggerPrice: 174.5, Tag: "zzzCESSL"})

	working, err := m.WorkingWithPrefix(context.Background(), "abc")
	if err != nil {
		t.Fatalf("WorkingWithPrefix: %v", err)
	}
	if len(working) != 1 || working[0].OrderID != stop {
		t.Errorf("WorkingWithPrefix = %+v, want only %s", working, stop)
	}
}

func TestManager_IsOrderTerminal(t *testing.T) {
	m, gw := newTestManager(t, Config{})
	filled := place(t, gw, broker.OrderRequest{TransactionType: broker.Sell, OrderType: broker.OrderMarket})
	working := place(t, gw, broker.OrderRequest{TransactionType: broker.Buy, OrderType: broker.OrderLimit, Price: 10})

	if done, err := m.IsOrderTerminal(context.Background(), filled); err != nil || !done {
		t.Errorf("filled order: done=%v err=%v", done, err)
	}
	if done, err := m.IsOrderTerminal(context.Background(), working); err != nil || done {
		t.Errorf("working order: done=%v err=%v", done, err)
	}
}

func TestIsOrderCompletelyFilled(t *testing.T) {
	tests := []struct {
		name string
		u    *broker.OrderUpdate
		want bool
	}{
		{"nil", nil, false},
		{"complete", &broker.OrderUpdate{Status: broker.StatusComplete}, true},
		{"full qty reported open", &broker.OrderUpdate{Status: broker.StatusOpen, Quantity: 50, FilledQuantity: 50}, true},
		{"partial", &broker.OrderUpdate{Status: broker.StatusOpen, Quantity: 50, FilledQuantity: 25}, false},
		{"rejected", &broker.OrderUpdate{Status: broker.StatusRejected, Quantity: 50, FilledQuantity: 50}, false},
		{"zero qty", &broker.OrderUpdate{Status: broker.StatusOpen}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOrderCompletelyFilled(tt.u); got != tt.want {
				t.Errorf("IsOrderCompletelyFilled() = %v, want %v", got, tt.want)
			}
		})
	}
}
