package main

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/config"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
)

const (
	spotID      = "NSE:NIFTY"
	ceID        = "NFO:NIFTY20000CE"
	peID        = "NFO:NIFTY20000PE"
	callHedgeID = "NFO:NIFTY20200CE"
	putHedgeID  = "NFO:NIFTY19800PE"
)

type testEnv struct {
	cli   *cli
	gw    *broker.PaperGateway
	store *storage.MockStorage
	clock *clockwork.FakeClock
	sigs  chan os.Signal
}

// newTestEnv wires a paper gateway priced for a NIFTY 20000 straddle. The
// engine clock is fake and starts at the given IST time of 2026-10-19;
// orders and retries wait on the real clock in milliseconds.
func newTestEnv(t *testing.T, hour, minute int) *testEnv {
	t.Helper()
	cfg, err := config.Parse([]byte("environment:\n  mode: paper\n"))
	require.NoError(t, err)
	loc, err := cfg.Location()
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, hour, minute, 0, 0, loc))
	gw := broker.NewPaperGateway(nil, clock)
	gw.SetPrice(spotID, 20010)
	gw.SetPrice(ceID, 100)
	gw.SetPrice(peID, 100)
	gw.SetPrice(callHedgeID, 30)
	gw.SetPrice(putHedgeID, 30)

	wall := clockwork.NewRealClock()
	logger := zerolog.Nop()
	retrier := retry.NewClient(logger, wall, retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	store := storage.NewMockStorageWithClock(clock)
	app := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		gateway: gw,
		store:   store,
		retry:   retrier,
		orders: orders.NewManager(gw, retrier, wall, logger, orders.Config{
			PollInterval: time.Millisecond,
			Timeout:      100 * time.Millisecond,
			CallTimeout:  time.Second,
		}),
	}

	sigs := make(chan os.Signal, 2)
	c := &cli{
		app: app,
		newApp: func(context.Context, *config.Config) (*App, error) {
			return app, nil
		},
		signals: func() (<-chan os.Signal, func()) { return sigs, func() {} },
	}
	return &testEnv{cli: c, gw: gw, store: store, clock: clock, sigs: sigs}
}

// execute runs the CLI with args and returns its output.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := e.cli.rootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) placeCount() int {
	return e.gw.Calls("PlaceOrder")
}
