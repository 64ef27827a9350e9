package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/util"
)

// PriceSource supplies simulated prices to the paper gateway.
type PriceSource interface {
	Price(instrumentID string) (float64, error)
}

type paperOrder struct {
	update OrderUpdate
	placed time.Time
}

// PaperGateway simulates a broker in-process. Market orders fill at the last
// price, SL BUY orders trigger once the price reaches the trigger, and LIMIT
// BUY orders fill once the price trades down to the limit.
type PaperGateway struct {
	source PriceSource
	clock  clockwork.Clock

	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*paperOrder
	rejectTag map[string]string
	failNext  map[string]error
	calls     map[string]int
}

var _ Gateway = (*PaperGateway)(nil)

// NewPaperGateway creates a paper gateway. source may be nil when prices are
// driven through SetPrice.
func NewPaperGateway(source PriceSource, clock clockwork.Clock) *PaperGateway {
	return &PaperGateway{
		source:    source,
		clock:     clock,
		prices:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		rejectTag: make(map[string]string),
		failNext:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// SetPrice moves the market for an instrument and matches resting orders.
func (p *PaperGateway) SetPrice(instrumentID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrumentID] = price
	p.matchLocked(instrumentID, price)
}

// RejectTagged makes orders whose tag contains substr come back REJECTED.
func (p *PaperGateway) RejectTagged(substr, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectTag[substr] = reason
}

// FailNext makes the next call of op ("PlaceOrder", "GetQuote", ...) return err.
func (p *PaperGateway) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = err
}

// Calls returns how many times op was invoked.
func (p *PaperGateway) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Fill completes a working order at price regardless of the market.
func (p *PaperGateway) Fill(orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	p.fillLocked(o, price)
	return nil
}

// Expire marks a working order REJECTED, as the exchange does for stops
// outside the circuit band.
func (p *PaperGateway) Expire(orderID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o.update.Status = StatusRejected
	o.update.Message = reason
	return nil
}

// Forget drops an order from the book, as if the broker lost it.
func (p *PaperGateway) Forget(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, orderID)
}

func (p *PaperGateway) enter(op string) error {
	p.calls[op]++
	if err, ok := p.failNext[op]; ok {
		delete(p.failNext, op)
		return err
	}
	return nil
}

// GetQuote returns the simulated quote, pulling a new price from the source when set.
func (p *PaperGateway) GetQuote(ctx context.Context, instrumentID string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetQuote"); err != nil {
		return nil, err
	}

	if p.source != nil {
		price, err := p.source.Price(instrumentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		p.prices[instrumentID] = price
		p.matchLocked(instrumentID, price)
	}
	price, ok := p.prices[instrumentID]
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", ErrUnavailable, instrumentID)
	}
	return &Quote{
		InstrumentID: instrumentID,
		Bid:          price - 0.05,
		Ask:          price + 0.05,
		LTP:          price,
		Timestamp:    p.clock.Now(),
	}, nil
}

// PlaceOrder records the order and fills market orders immediately.
func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("PlaceOrder"); err != nil {
		return "", err
	}

	id := "paper-" + uuid.NewString()
	o := &paperOrder{
		update: OrderUpdate{
			OrderID:         id,
			InstrumentID:    req.InstrumentID,
			TransactionType: req.TransactionType,
			OrderType:       req.OrderType,
			Status:          StatusOpen,
			Quantity:        req.Quantity,
			Price:           util.RoundToTick(req.Price, util.OptionTick),
			TriggerPrice:    util.RoundToTick(req.TriggerPrice, util.OptionTick),
			Tag:             req.Tag,
		},
		placed: p.clock.Now(),
	}
	p.orders[id] = o

	for substr, reason := range p.rejectTag {
		if strings.Contains(req.Tag, substr) {
			o.update.Status = StatusRejected
			o.update.Message = reason
			return id, nil
		}
	}

	if req.OrderType == OrderStopLimit {
		o.update.Status = StatusTriggerPending
	}
	if price, ok := p.prices[req.InstrumentID]; ok {
		p.matchOrderLocked(o, price)
	}
	return id, nil
}

// ModifyStop re-prices a working stop.
func (p *PaperGateway) ModifyStop(ctx context.Context, orderID string, price float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ModifyStop"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !o.update.IsWorking() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotFound, orderID, o.update.Status)
	}
	ltp := p.prices[o.update.InstrumentID]
	price = util.RoundToTick(price, util.OptionTick)
	orderType, trigger := StopOrder(price, ltp)
	o.update.OrderType = orderType
	o.update.Price = price
	o.update.TriggerPrice = trigger
	if orderType == OrderStopLimit {
		o.update.Status = StatusTriggerPending
	} else {
		o.update.Status = StatusOpen
	}
	if ltp > 0 {
		p.matchOrderLocked(o, ltp)
	}
	return nil
}

// CancelOrder cancels a working order; finished orders are left alone.
func (p *PaperGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CancelOrder"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.update.IsWorking() {
		o.update.Status = StatusCancelled
	}
	return nil
}

// OrderStatus returns the current state of an order.
func (p *PaperGateway) OrderStatus(ctx context.Context, orderID string) (*OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("OrderStatus"); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	u := o.update
	return &u, nil
}

// Orders returns every order in placement order.
func (p *PaperGateway) Orders(ctx context.Context) ([]OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("Orders"); err != nil {
		return nil, err
	}
	list := make([]*paperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		list = append(list, o)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].placed.Before(list[j].placed) })
	out := make([]OrderUpdate, len(list))
	for i, o := range list {
		out[i] = o.update
	}
	return out, nil
}

// Underlying returns the simulated spot instrument.
func (p *PaperGateway) Underlying(_ context.Context, index models.Index) (Instrument, error) {
	spec, err := index.Spec()
	if err != nil {
		return Instrument{}, err
	}
	return Instrument{
		ID:       InstrumentID(spec.UnderlyingExchange, string(index)),
		Exchange: spec.UnderlyingExchange,
		Symbol:   string(index),
	}, nil
}

// ResolveOption synthesizes a contract symbol of the form NIFTY20000CE.
func (p *PaperGateway) ResolveOption(_ context.Context, index models.Index, strike float64,
	optType models.OptionType) (Instrument, error) {
	spec, err := index.Spec()
	if err != nil {
		return Instrument{}, err
	}
	if strike <= 0 {
		return Instrument{}, fmt.Errorf("%s %.0f %s: %w", index, strike, optType, ErrInstrumentNotFound)
	}
	symbol := PaperSymbol(index, strike, optType)
	return Instrument{
		ID:         InstrumentID(spec.Exchange, symbol),
		Exchange:   spec.Exchange,
		Symbol:     symbol,
		Strike:     strike,
		OptionType: optType,
		LotSize:    spec.LotSize,
	}, nil
}

// PaperSymbol builds the synthetic trading symbol used in paper mode.
func PaperSymbol(index models.Index, strike float64, optType models.OptionType) string {
	return string(index) + strconv.FormatFloat(strike, 'f', -1, 64) + string(optType)
}

func (p *PaperGateway) matchLocked(instrumentID string, price float64) {
	for _, o := range p.orders {
		if o.update.InstrumentID == instrumentID {
			p.matchOrderLocked(o, price)
		}
	}
}

func (p *PaperGateway) matchOrderLocked(o *paperOrder, price float64) {
	if !o.update.IsWorking() {
		return
	}
	u := &o.update
	switch u.OrderType {
	case OrderMarket:
		p.fillLocked(o, price)
	case OrderLimit:
		if (u.TransactionType == Buy && price <= u.Price) || (u.TransactionType == Sell && price >= u.Price) {
			p.fillLocked(o, u.Price)
		}
	case OrderStopLimit:
		if u.TransactionType == Buy && price >= u.TriggerPrice {
			p.fillLocked(o, price)
		} else if u.TransactionType == Sell && price <= u.TriggerPrice {
			p.fillLocked(o, price)
		}
	}
}

func (p *PaperGateway) fillLocked(o *paperOrder, price float64) {
	o.update.Status = StatusComplete
	o.update.FilledQuantity = o.update.Quantity
	o.update.AveragePrice = price
}
