package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

// initiate opens a straddle through a throwaway engine, as a previous
// process would have, and returns the stored snapshot.
func (e *testEnv) initiate(t *testing.T, id string) *models.Strategy {
	t.Helper()
	req, err := strategy.NewRequest(strategy.Request{InstanceID: id, Index: models.IndexNifty, Quantity: 50})
	require.NoError(t, err)
	require.NoError(t, e.cli.app.newEngine().Initiate(context.Background(), req))
	st, err := e.store.Load(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestResumeActiveInstanceDoesNotReplace(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	env.initiate(t, "straddle_restart")
	placed := env.placeCount()

	rec := env.cli.app.newReconciler()
	ids, err := rec.ActiveIDs(context.Background())
	require.NoError(t, err)
	res := rec.Resume(context.Background(), ids)

	require.NoError(t, res.Err)
	require.Len(t, res.Engines, 1)
	assert.Equal(t, models.StatusActive, res.Engines[0].Status())
	assert.Empty(t, res.Stray)
	assert.Equal(t, placed, env.placeCount(), "restart must not place orders")
}

func TestResumeActiveInstanceWithOneOpenLeg(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	ctx := context.Background()
	id := "straddle_one_leg"

	// The previous process saw the CE stop fill, then died before converting.
	req, err := strategy.NewRequest(strategy.Request{InstanceID: id, Index: models.IndexNifty, Quantity: 50})
	require.NoError(t, err)
	before := env.cli.app.newEngine()
	require.NoError(t, before.Initiate(ctx, req))
	env.gw.SetPrice(ceID, 180)
	require.NoError(t, before.SyncOrders(ctx))

	stored, err := env.store.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, stored.Status)
	require.Len(t, stored.OpenLegs(), 1)
	placed := env.placeCount()

	rec := env.cli.app.newReconciler()
	res := rec.Resume(ctx, []string{id})
	require.NoError(t, res.Err)
	require.Len(t, res.Engines, 1)
	engine := res.Engines[0]
	assert.Equal(t, models.StatusActive, engine.Status())
	assert.Empty(t, res.Stray)
	assert.Equal(t, placed, env.placeCount(), "restart must not place orders")

	open := engine.Snapshot().OpenLegs()
	require.Len(t, open, 1)
	assert.Equal(t, models.OptionPut, open[0].OptionType)
	pe, err := env.gw.OrderStatus(ctx, open[0].StopOrderID)
	require.NoError(t, err)
	assert.True(t, pe.IsWorking(), "surviving leg keeps its stop")

	// Monitoring picks up where it left off: the first tick buys the wing.
	mon := env.cli.app.newMonitor()
	require.NoError(t, mon.Register(engine))
	done, err := mon.Tick(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, models.StatusConverted, engine.Status())
	assert.Equal(t, placed+1, env.placeCount())
}

func TestResumeCompletesInterruptedEntry(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	ctx := context.Background()
	id := "straddle_crash"

	st := models.NewStrategy(id, models.IndexNifty, 50, env.clock.Now())
	st.ATMStrike = 20000
	st.SLFactor, st.BookProfit, st.Target, st.TargetMTM = 0.75, 0.6, 0.35, strategy.TargetMTMDerive
	for _, l := range []struct {
		inst string
		t    models.OptionType
	}{{ceID, models.OptionCall}, {peID, models.OptionPut}} {
		st.Legs = append(st.Legs, models.Leg{
			InstrumentID: l.inst, Side: models.SideShort, Role: models.RoleEntry, Strike: 20000,
			OptionType: l.t, Quantity: 50, Status: models.LegPending,
			Remarks: strategy.EntryRemarks(id, l.t),
		})
	}
	require.NoError(t, env.store.Create(ctx, st))
	_, err := env.gw.PlaceOrder(ctx, broker.OrderRequest{
		InstrumentID: ceID, TransactionType: broker.Sell, OrderType: broker.OrderMarket,
		Quantity: 50, Tag: strategy.BrokerTag(strategy.EntryRemarks(id, models.OptionCall)),
	})
	require.NoError(t, err)

	res := env.cli.app.newReconciler().Resume(ctx, []string{id})
	require.NoError(t, res.Err)
	require.Len(t, res.Engines, 1)
	assert.Equal(t, models.StatusActive, res.Engines[0].Status())
	// The pre-crash CE order, the PE entry and two stops.
	assert.Equal(t, 4, env.placeCount())
}

func TestResumeLostStopIsFatal(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	st := env.initiate(t, "straddle_lost")
	env.gw.Forget(st.Legs[0].StopOrderID)

	res := env.cli.app.newReconciler().Resume(context.Background(), []string{"straddle_lost"})
	require.ErrorIs(t, res.Err, strategy.ErrIrrecoverableState)
	assert.Equal(t, 2, exitCode(res.Err))
	assert.Empty(t, res.Engines)

	stored, err := env.store.Load(context.Background(), "straddle_lost")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestResumeReportsStrayOrders(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	env.initiate(t, "straddle_stray")
	strayID, err := env.gw.PlaceOrder(context.Background(), broker.OrderRequest{
		InstrumentID: callHedgeID, TransactionType: broker.Buy, OrderType: broker.OrderLimit,
		Price: 1, Quantity: 50, Tag: strategy.InstanceTag("straddle_stray") + "CEH",
	})
	require.NoError(t, err)

	res := env.cli.app.newReconciler().Resume(context.Background(), []string{"straddle_stray"})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{strayID}, res.Stray)
}

func TestResumeCommandExitsAtCutoff(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	env.initiate(t, "straddle_resume")
	env.clock.Advance(5*time.Hour + 32*time.Minute)

	_, err := env.execute(t, "resume")
	require.NoError(t, err)

	st, err := env.store.Load(context.Background(), "straddle_resume")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, st.Status)
	assert.Equal(t, strategy.ReasonCutoff, st.ExitReason)
	assert.Equal(t, 6, env.placeCount())
}

func TestResumeWithNothingStored(t *testing.T) {
	env := newTestEnv(t, 10, 0)
	_, err := env.gw.PlaceOrder(context.Background(), broker.OrderRequest{
		InstrumentID: ceID, TransactionType: broker.Buy, OrderType: broker.OrderLimit,
		Price: 1, Quantity: 50, Tag: "0badf00dCESSL",
	})
	require.NoError(t, err)

	res := env.cli.app.newReconciler().Resume(context.Background(), nil)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Engines)
}

func TestLooksLikeBotTag(t *testing.T) {
	tests := []struct {
		tag  string
		want bool
	}{
		{strategy.BrokerTag("straddle_x|ce_straddle"), true},
		{strategy.BrokerTag("straddle_x|pe_straddle_stop_loss"), true},
		{strategy.BrokerTag("straddle_x|ce_hedge_square_off"), true},
		{"0badf00dPEH", true},
		{"0BADF00DCES", false},
		{"0badf00dXYZ", false},
		{"manual", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikeBotTag(tt.tag))
		})
	}
}
