package broker

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// RateLimitedGateway throttles calls to stay under the broker's per-second quota.
// Kite allows 10 requests/s overall and 3/s for quotes; orders and quotes get
// separate buckets.
type RateLimitedGateway struct {
	gateway Gateway
	orders  *rate.Limiter
	quotes  *rate.Limiter
}

var _ Gateway = (*RateLimitedGateway)(nil)

// NewRateLimitedGateway wraps gateway with token buckets of the given rates.
func NewRateLimitedGateway(gateway Gateway, ordersPerSec, quotesPerSec float64) *RateLimitedGateway {
	return &RateLimitedGateway{
		gateway: gateway,
		orders:  rate.NewLimiter(rate.Limit(ordersPerSec), 1),
		quotes:  rate.NewLimiter(rate.Limit(quotesPerSec), 1),
	}
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return nil
}

func (r *RateLimitedGateway) GetQuote(ctx context.Context, instrumentID string) (*Quote, error) {
	if err := wait(ctx, r.quotes); err != nil {
		return nil, err
	}
	return r.gateway.GetQuote(ctx, instrumentID)
}

func (r *RateLimitedGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := wait(ctx, r.orders); err != nil {
		return "", err
	}
	return r.gateway.PlaceOrder(ctx, req)
}

func (r *RateLimitedGateway) ModifyStop(ctx context.Context, orderID string, price float64) error {
	if err := wait(ctx, r.orders); err != nil {
		return err
	}
	return r.gateway.ModifyStop(ctx, orderID, price)
}

func (r *RateLimitedGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := wait(ctx, r.orders); err != nil {
		return err
	}
	return r.gateway.CancelOrder(ctx, orderID)
}

func (r *RateLimitedGateway) OrderStatus(ctx context.Context, orderID string) (*OrderUpdate, error) {
	if err := wait(ctx, r.orders); err != nil {
		return nil, err
	}
	return r.gateway.OrderStatus(ctx, orderID)
}

func (r *RateLimitedGateway) Orders(ctx context.Context) ([]OrderUpdate, error) {
	if err := wait(ctx, r.orders); err != nil {
		return nil, err
	}
	return r.gateway.Orders(ctx)
}

func (r *RateLimitedGateway) Underlying(ctx context.Context, index models.Index) (Instrument, error) {
	return r.gateway.Underlying(ctx, index)
}

func (r *RateLimitedGateway) ResolveOption(ctx context.Context, index models.Index, strike float64,
	optType models.OptionType) (Instrument, error) {
	if err := wait(ctx, r.quotes); err != nil {
		return Instrument{}, err
	}
	return r.gateway.ResolveOption(ctx, index, strike, optType)
}
