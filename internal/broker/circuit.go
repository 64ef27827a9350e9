package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings mirrors the limits used in live trading.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with custom settings.
// Rejections and missing orders are business outcomes and do not count as failures.
func NewCircuitBreakerGateway(gateway Gateway, settings CircuitBreakerSettings, logger zerolog.Logger) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejected(err) || errors.Is(err, ErrOrderNotFound) ||
				errors.Is(err, ErrInstrumentNotFound) || errors.Is(err, ErrQuoteStale)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetQuote wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetQuote(ctx context.Context, instrumentID string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Quote, error) {
		return g.GetQuote(ctx, instrumentID)
	})
}

// PlaceOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (string, error) {
		return g.PlaceOrder(ctx, req)
	})
}

// ModifyStop wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ModifyStop(ctx context.Context, orderID string, price float64) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.ModifyStop(ctx, orderID, price)
	})
	return err
}

// CancelOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) OrderStatus(ctx context.Context, orderID string) (*OrderUpdate, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderUpdate, error) {
		return g.OrderStatus(ctx, orderID)
	})
}

// Orders wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Orders(ctx context.Context) ([]OrderUpdate, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]OrderUpdate, error) {
		return g.Orders(ctx)
	})
}

// Underlying wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Underlying(ctx context.Context, index models.Index) (Instrument, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (Instrument, error) {
		return g.Underlying(ctx, index)
	})
}

// ResolveOption wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ResolveOption(ctx context.Context, index models.Index, strike float64,
	optType models.OptionType) (Instrument, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (Instrument, error) {
		return g.ResolveOption(ctx, index, strike, optType)
	})
}
