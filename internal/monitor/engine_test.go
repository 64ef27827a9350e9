package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

const liveInstance = "straddle_monitor"

// newLiveEngine opens an ACTIVE NIFTY straddle on a paper gateway at 10:00 IST.
func newLiveEngine(t *testing.T) (*strategy.Engine, *broker.PaperGateway, *storage.MockStorage, clockwork.Clock) {
	t.Helper()
	cfg := strategy.DefaultConfig()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 10, 0, 0, 0, cfg.Location))
	gw := broker.NewPaperGateway(nil, clock)
	gw.SetPrice("NSE:NIFTY", 20010)
	gw.SetPrice("NFO:NIFTY20000CE", 100)
	gw.SetPrice("NFO:NIFTY20000PE", 100)
	gw.SetPrice("NFO:NIFTY20200CE", 30)
	gw.SetPrice("NFO:NIFTY19800PE", 30)

	wall := clockwork.NewRealClock()
	logger := zerolog.Nop()
	rc := retry.NewClient(logger, wall, retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})
	om := orders.NewManager(gw, rc, wall, logger, orders.Config{
		PollInterval: time.Millisecond,
		Timeout:      100 * time.Millisecond,
		CallTimeout:  time.Second,
	})
	store := storage.NewMockStorageWithClock(clock)
	e := strategy.NewEngine(strategy.Deps{
		Gateway: gw,
		Orders:  om,
		Store:   store,
		Retry:   rc,
		Clock:   clock,
		Logger:  logger,
		Config:  cfg,
	})
	req, err := strategy.NewRequest(strategy.Request{InstanceID: liveInstance, Index: models.IndexNifty, Quantity: 50})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := e.Initiate(context.Background(), req); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return e, gw, store, clock
}

func workingOrders(t *testing.T, gw *broker.PaperGateway) int {
	t.Helper()
	book, err := gw.Orders(context.Background())
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	n := 0
	for _, o := range book {
		if o.IsWorking() {
			n++
		}
	}
	return n
}

func TestTickExitsAfterControlPlaneWrite(t *testing.T) {
	ctx := context.Background()
	e, gw, store, clock := newLiveEngine(t)
	m := New(clock, zerolog.Nop(), Config{Interval: time.Second})
	if err := m.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A signal arrives, then another writer bumps the stored version before
	// the next tick.
	m.RequestExitAll()
	if _, err := strategy.SetTarget(ctx, store, liveInstance, 5000); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}

	done, err := m.Tick(ctx, liveInstance)
	if err != nil || !done {
		t.Fatalf("Tick = %v, %v; want done", done, err)
	}
	st, err := store.Load(ctx, liveInstance)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Status != models.StatusDone || st.ExitReason != strategy.ReasonExitRequested {
		t.Errorf("stored = %s/%s, want DONE/%s", st.Status, st.ExitReason, strategy.ReasonExitRequested)
	}
	if st.TargetMTM != 5000 {
		t.Errorf("target_mtm = %v, the control-plane write was lost", st.TargetMTM)
	}
	if n := len(st.OpenLegs()); n != 0 {
		t.Errorf("%d legs still open", n)
	}
	if n := workingOrders(t, gw); n != 0 {
		t.Errorf("%d orders still working", n)
	}
}

func TestTickRetriesExitAfterPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	e, _, store, clock := newLiveEngine(t)
	m := New(clock, zerolog.Nop(), Config{Interval: time.Second})
	_ = m.Register(e)
	m.RequestExitAll()

	store.SetSaveError(errors.New("disk full"))
	done, err := m.Tick(ctx, liveInstance)
	if err != nil || done {
		t.Fatalf("Tick = %v, %v; want a logged, non-fatal abort", done, err)
	}

	// Meanwhile the control plane writes; the next tick starts from it.
	store.SetSaveError(nil)
	if _, err := strategy.RequestExit(ctx, store, liveInstance); err != nil {
		t.Fatalf("RequestExit: %v", err)
	}
	for i := 0; i < 3 && !done; i++ {
		if done, err = m.Tick(ctx, liveInstance); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if !done || e.Status() != models.StatusDone {
		t.Fatalf("done = %v, status = %s; want DONE", done, e.Status())
	}
}
