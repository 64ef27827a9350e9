package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
)

const (
	testInstance = "straddle_test"
	spotID       = "NSE:NIFTY"
	ceID         = "NFO:NIFTY20000CE"
	peID         = "NFO:NIFTY20000PE"
	callHedgeID  = "NFO:NIFTY20200CE"
	putHedgeID   = "NFO:NIFTY19800PE"
)

type harness struct {
	gw     *broker.PaperGateway
	store  *storage.MockStorage
	clock  *clockwork.FakeClock
	engine *Engine
}

// newHarness prices a NIFTY straddle at 20000 collecting 100+100 with wings
// at 20200/19800. Orders and retries run on a real clock with millisecond
// waits; the engine clock is fake and starts at 10:00 IST.
func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultConfig()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 10, 0, 0, 0, cfg.Location))
	gw := broker.NewPaperGateway(nil, clock)
	gw.SetPrice(spotID, 20010)
	gw.SetPrice(ceID, 100)
	gw.SetPrice(peID, 100)
	gw.SetPrice(callHedgeID, 30)
	gw.SetPrice(putHedgeID, 30)

	wall := clockwork.NewRealClock()
	logger := zerolog.Nop()
	rc := retry.NewClient(logger, wall, retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	om := orders.NewManager(gw, rc, wall, logger, orders.Config{
		PollInterval: time.Millisecond,
		Timeout:      100 * time.Millisecond,
		CallTimeout:  time.Second,
	})
	store := storage.NewMockStorageWithClock(clock)
	e := NewEngine(Deps{
		Gateway: gw,
		Orders:  om,
		Store:   store,
		Retry:   rc,
		Clock:   clock,
		Logger:  logger,
		Config:  cfg,
	})
	return &harness{gw: gw, store: store, clock: clock, engine: e}
}

func testRequest(t *testing.T) Request {
	t.Helper()
	req, err := NewRequest(Request{InstanceID: testInstance, Index: models.IndexNifty, Quantity: 50})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

// initiate opens the default straddle and fails the test unless it is ACTIVE.
func (h *harness) initiate(t *testing.T) {
	t.Helper()
	if err := h.engine.Initiate(context.Background(), testRequest(t)); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := h.engine.Status(); got != models.StatusActive {
		t.Fatalf("status after initiate = %s, want ACTIVE", got)
	}
}

func (h *harness) ordersOfType(t *testing.T, ot broker.OrderType) []broker.OrderUpdate {
	t.Helper()
	book, err := h.gw.Orders(context.Background())
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	var out []broker.OrderUpdate
	for _, o := range book {
		if o.OrderType == ot {
			out = append(out, o)
		}
	}
	return out
}

func ceRemarks() string { return EntryRemarks(testInstance, models.OptionCall) }
func peRemarks() string { return EntryRemarks(testInstance, models.OptionPut) }
