package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/config"
	"github.com/eddiefleurent/straddle_bot/internal/logging"
	"github.com/eddiefleurent/straddle_bot/internal/mock"
	"github.com/eddiefleurent/straddle_bot/internal/monitor"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

// App holds the dependencies shared by every command.
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	clock   clockwork.Clock
	gateway broker.Gateway
	store   storage.Interface
	retry   *retry.Client
	orders  *orders.Manager
	closers []io.Closer
}

// newApp wires logging, the gateway for the configured mode and the store.
func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, logCloser, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	clock := clockwork.NewRealClock()

	gateway, err := newGateway(cfg, clock, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.StorageOptions(), clock, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	app := assemble(cfg, logger, clock, gateway, store)
	app.closers = append(app.closers, logCloser)
	return app, nil
}

// assemble builds the retry client and order manager around gateway and store.
func assemble(cfg *config.Config, logger zerolog.Logger, clock clockwork.Clock,
	gateway broker.Gateway, store storage.Interface) *App {
	retrier := retry.NewClient(logger.With().Str("component", "retry").Logger(), clock, cfg.RetryConfig())
	return &App{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		gateway: gateway,
		store:   store,
		retry:   retrier,
		orders:  orders.NewManager(gateway, retrier, clock, logger, cfg.OrdersConfig()),
		closers: []io.Closer{store},
	}
}

func newGateway(cfg *config.Config, clock clockwork.Clock, logger zerolog.Logger) (broker.Gateway, error) {
	if cfg.IsPaperTrading() {
		feed := mock.NewQuoteFeed(cfg.FeedConfig(), clock)
		logger.Info().Msg("paper trading mode, no real money at risk")
		return broker.NewPaperGateway(feed, clock), nil
	}

	session, err := broker.NewKiteSession(cfg.Broker.APIKey, cfg.Broker.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("kite session: %w", err)
	}
	kite := broker.NewKiteGateway(session, cfg.KiteConfig(), clock, logger)
	limited := broker.NewRateLimitedGateway(kite, cfg.Broker.OrdersPerSec, cfg.Broker.QuotesPerSec)
	logger.Warn().Str("product", cfg.Broker.Product).Msg("live trading mode, real money at risk")
	return broker.NewCircuitBreakerGateway(limited, cfg.CircuitBreakerSettings(), logger), nil
}

// newEngine returns an engine with no instance attached.
func (a *App) newEngine() *strategy.Engine {
	return strategy.NewEngine(strategy.Deps{
		Gateway: a.gateway,
		Orders:  a.orders,
		Store:   a.store,
		Retry:   a.retry,
		Clock:   a.clock,
		Logger:  a.logger,
		Config:  a.cfg.EngineConfig(),
	})
}

func (a *App) newMonitor() *monitor.Monitor {
	return monitor.New(a.clock, a.logger, a.cfg.MonitorConfig())
}

func (a *App) newReconciler() *Reconciler {
	return NewReconciler(a.store, a.orders, a.newEngine, a.logger)
}

// Close releases the store and log sinks.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
