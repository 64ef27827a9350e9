// Package broker defines the order and market-data contracts used by the
// straddle engine and their Kite Connect and paper implementations.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// Transaction types.
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// OrderType is how an order is priced at the exchange.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStopLimit OrderType = "SL"
)

// OrderStatus is the broker-reported state of an order.
type OrderStatus string

const (
	StatusOpen           OrderStatus = "OPEN"
	StatusTriggerPending OrderStatus = "TRIGGER PENDING"
	StatusPending        OrderStatus = "PENDING"
	StatusComplete       OrderStatus = "COMPLETE"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusRejected       OrderStatus = "REJECTED"
)

// StopTriggerOffset is the distance between an SL order's limit price and its trigger.
const StopTriggerOffset = 0.5

// Quote is a top-of-book snapshot.
type Quote struct {
	InstrumentID string
	Bid          float64
	Ask          float64
	LTP          float64
	Timestamp    time.Time
}

// Instrument is a tradable contract.
type Instrument struct {
	// ID is the exchange-qualified symbol, e.g. "NFO:NIFTY24OCT20000CE".
	ID         string
	Exchange   string
	Symbol     string
	Strike     float64
	OptionType models.OptionType
	Expiry     time.Time
	LotSize    int
}

// OrderRequest describes a new order.
type OrderRequest struct {
	InstrumentID    string
	TransactionType string
	OrderType       OrderType
	Quantity        int
	Price           float64
	TriggerPrice    float64
	Tag             string
}

// Validate checks the request is placeable.
func (r OrderRequest) Validate() error {
	if r.InstrumentID == "" {
		return fmt.Errorf("order request: instrument is required")
	}
	if r.TransactionType != Buy && r.TransactionType != Sell {
		return fmt.Errorf("order request: invalid transaction type %q", r.TransactionType)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order request: quantity must be positive, got %d", r.Quantity)
	}
	switch r.OrderType {
	case OrderMarket:
	case OrderLimit:
		if r.Price <= 0 {
			return fmt.Errorf("order request: limit price must be positive")
		}
	case OrderStopLimit:
		if r.Price <= 0 || r.TriggerPrice <= 0 {
			return fmt.Errorf("order request: stop price and trigger must be positive")
		}
	default:
		return fmt.Errorf("order request: unsupported order type %q", r.OrderType)
	}
	return nil
}

// OrderUpdate is the broker's view of an order.
type OrderUpdate struct {
	OrderID         string
	InstrumentID    string
	TransactionType string
	OrderType       OrderType
	Status          OrderStatus
	Quantity        int
	FilledQuantity  int
	Price           float64
	TriggerPrice    float64
	AveragePrice    float64
	Tag             string
	Message         string
}

// IsWorking reports whether the order can still fill.
func (o OrderUpdate) IsWorking() bool {
	switch o.Status {
	case StatusOpen, StatusTriggerPending, StatusPending:
		return true
	}
	return false
}

// IsFilled reports whether the order fully executed.
func (o OrderUpdate) IsFilled() bool {
	return o.Status == StatusComplete
}

// IsDead reports whether the order ended without a fill.
func (o OrderUpdate) IsDead() bool {
	return o.Status == StatusCancelled || o.Status == StatusRejected
}

// QuoteSource provides market data.
type QuoteSource interface {
	GetQuote(ctx context.Context, instrumentID string) (*Quote, error)
}

// OrderGateway places and manages orders. Implementations do not retry.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	// ModifyStop moves a working stop to price. The gateway renders it as an SL BUY
	// while price is above the market and as a LIMIT BUY once it is below.
	ModifyStop(ctx context.Context, orderID string, price float64) error
	// CancelOrder is idempotent for orders already cancelled or complete.
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (*OrderUpdate, error)
	// Orders returns the day's order book.
	Orders(ctx context.Context) ([]OrderUpdate, error)
}

// ChainResolver maps strikes to tradable contracts.
type ChainResolver interface {
	// Underlying returns the instrument whose LTP drives the ATM strike.
	Underlying(ctx context.Context, index models.Index) (Instrument, error)
	// ResolveOption returns the nearest-expiry option at strike.
	ResolveOption(ctx context.Context, index models.Index, strike float64, optType models.OptionType) (Instrument, error)
}

// Gateway is everything the engine needs from a broker.
type Gateway interface {
	QuoteSource
	OrderGateway
	ChainResolver
}

// InstrumentID joins an exchange and trading symbol.
func InstrumentID(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// SplitInstrument splits an exchange-qualified id.
func SplitInstrument(id string) (exchange, symbol string, err error) {
	exchange, symbol, ok := strings.Cut(id, ":")
	if !ok || exchange == "" || symbol == "" {
		return "", "", fmt.Errorf("malformed instrument id %q", id)
	}
	return exchange, symbol, nil
}

// StopOrder renders a protective stop at price relative to the market.
// A stop above ltp is an SL BUY triggering half a point below price; at or
// below the market it becomes a resting LIMIT BUY.
func StopOrder(price, ltp float64) (OrderType, float64) {
	if ltp > 0 && price <= ltp {
		return OrderLimit, 0
	}
	trigger := price - StopTriggerOffset
	if trigger < 0.05 {
		trigger = 0.05
	}
	return OrderStopLimit, trigger
}
