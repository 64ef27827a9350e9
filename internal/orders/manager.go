// Package orders provides order status polling and tag lookup for the engine.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
)

// ErrFillTimeout is returned when an order neither fills nor dies in time.
var ErrFillTimeout = errors.New("order fill timeout")

// Config contains configuration for the order manager.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval: time.Second,
	Timeout:      2 * time.Minute,
	CallTimeout:  5 * time.Second,
}

// Manager handles order status polling.
type Manager struct {
	gateway broker.OrderGateway
	retry   *retry.Client
	clock   clockwork.Clock
	logger  zerolog.Logger
	config  Config
}

// NewManager creates a new order manager instance.
func NewManager(
	gateway broker.OrderGateway,
	retrier *retry.Client,
	clock clockwork.Clock,
	logger zerolog.Logger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Validate and clamp config values
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if gateway == nil {
		panic("orders.NewManager: gateway must not be nil")
	}
	if retrier == nil {
		retrier = retry.NewClient(logger, clock)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Manager{
		gateway: gateway,
		retry:   retrier,
		clock:   clock,
		logger:  logger.With().Str("component", "orders").Logger(),
		config:  cfg,
	}
}

// Status fetches the current state of an order, retrying transient errors.
func (m *Manager) Status(ctx context.Context, orderID string) (*broker.OrderUpdate, error) {
	return retry.Do(ctx, m.retry, "order_status", func(ctx context.Context) (*broker.OrderUpdate, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
		return m.gateway.OrderStatus(callCtx, orderID)
	})
}

// AwaitFill polls an order until it completes, is cancelled or rejected, or
// the timeout passes. The last known update is returned alongside ErrFillTimeout.
func (m *Manager) AwaitFill(ctx context.Context, orderID string) (*broker.OrderUpdate, error) {
	log := m.logger.With().Str("order_id", orderID).Logger()
	deadline := m.clock.After(m.config.Timeout)
	ticker := m.clock.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var last *broker.OrderUpdate
	for {
		update, err := m.Status(ctx, orderID)
		switch {
		case err != nil && errors.Is(err, broker.ErrOrderNotFound):
			return nil, err
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			log.Debug().Err(err).Msg("order status check failed, polling again")
		case update == nil:
			log.Debug().Msg("nil order status")
		default:
			last = update
			if IsOrderCompletelyFilled(update) {
				log.Debug().Float64("avg_price", update.AveragePrice).Msg("order filled")
				return update, nil
			}
			if update.IsDead() {
				log.Info().Str("status", string(update.Status)).Str("reason", update.Message).Msg("order ended without fill")
				return update, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline:
			return last, fmt.Errorf("%w: %s after %v", ErrFillTimeout, orderID, m.config.Timeout)
		case <-ticker.Chan():
		}
	}
}

// Orders returns the day's order book.
func (m *Manager) Orders(ctx context.Context) ([]broker.OrderUpdate, error) {
	return retry.Do(ctx, m.retry, "orders", func(ctx context.Context) ([]broker.OrderUpdate, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
		return m.gateway.Orders(callCtx)
	})
}

// FindByTag returns the most relevant order carrying tag: a filled or working
// order wins over a dead one, later orders over earlier ones. It returns nil
// when nothing matches.
func (m *Manager) FindByTag(ctx context.Context, tag string) (*broker.OrderUpdate, error) {
	book, err := m.Orders(ctx)
	if err != nil {
		return nil, err
	}
	var found *broker.OrderUpdate
	for i := range book {
		o := &book[i]
		if o.Tag != tag {
			continue
		}
		if found == nil || !o.IsDead() || found.IsDead() {
			found = o
		}
	}
	return found, nil
}

// WorkingWithPrefix lists working orders whose tag starts with prefix.
func (m *Manager) WorkingWithPrefix(ctx context.Context, prefix string) ([]broker.OrderUpdate, error) {
	book, err := m.Orders(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.OrderUpdate
	for _, o := range book {
		if strings.HasPrefix(o.Tag, prefix) && o.IsWorking() {
			out = append(out, o)
		}
	}
	return out, nil
}

// IsOrderTerminal checks if an order has reached a terminal state.
func (m *Manager) IsOrderTerminal(ctx context.Context, orderID string) (bool, error) {
	update, err := m.Status(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to get order status: %w", err)
	}
	return update.IsFilled() || update.IsDead(), nil
}

// IsOrderCompletelyFilled reports whether the whole quantity executed.
// Some brokers report COMPLETE late; a full filled quantity counts too.
func IsOrderCompletelyFilled(u *broker.OrderUpdate) bool {
	if u == nil {
		return false
	}
	if u.IsFilled() {
		return true
	}
	return u.Quantity > 0 && u.FilledQuantity >= u.Quantity && u.Status != broker.StatusRejected
}
