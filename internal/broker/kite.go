package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/util"
)

// KiteSession is an authenticated Kite Connect handle. The OAuth handshake
// happens elsewhere; the session only consumes an issued access token.
type KiteSession struct {
	Client *kiteconnect.Client
	APIKey string
}

type sessionData struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id,omitempty"`
}

// NewKiteSession builds a client for apiKey using the access token stored in
// credentialsFile. The file may hold the raw token or a JSON object with an
// access_token field.
func NewKiteSession(apiKey, credentialsFile string) (*KiteSession, error) {
	if apiKey == "" {
		return nil, errors.New("kite api key is required")
	}
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	var sd sessionData
	if json.Unmarshal(raw, &sd) == nil && sd.AccessToken != "" {
		token = sd.AccessToken
	}
	if token == "" {
		return nil, fmt.Errorf("credentials file %s has no access token", credentialsFile)
	}

	client := kiteconnect.New(apiKey)
	client.SetAccessToken(token)
	return &KiteSession{Client: client, APIKey: apiKey}, nil
}

// underlyingKeys are the Kite quote keys for spot indices.
var underlyingKeys = map[models.Index]string{
	models.IndexNifty:      "NSE:NIFTY 50",
	models.IndexBankNifty:  "NSE:NIFTY BANK",
	models.IndexFinNifty:   "NSE:NIFTY FIN SERVICE",
	models.IndexMidcpNifty: "NSE:NIFTY MID SELECT",
	models.IndexSensex:     "BSE:SENSEX",
	models.IndexBankex:     "BSE:BANKEX",
}

// KiteConfig holds KiteGateway settings.
type KiteConfig struct {
	Product     string        // MIS for intraday
	QuoteMaxAge time.Duration // 0 disables the staleness check
	Location    *time.Location
}

// KiteGateway implements Gateway against Zerodha Kite Connect.
type KiteGateway struct {
	client kiteClient
	cfg    KiteConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	mu          sync.RWMutex
	instruments map[string][]kiteconnect.Instrument // by exchange
}

// kiteClient is the subset of *kiteconnect.Client the gateway uses.
type kiteClient interface {
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	ModifyOrder(variety string, orderID string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
	GetOrders() (kiteconnect.Orders, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
	GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error)
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
}

var _ Gateway = (*KiteGateway)(nil)

// NewKiteGateway creates a gateway on an injected session.
func NewKiteGateway(session *KiteSession, cfg KiteConfig, clock clockwork.Clock, logger zerolog.Logger) *KiteGateway {
	return newKiteGateway(session.Client, cfg, clock, logger)
}

func newKiteGateway(client kiteClient, cfg KiteConfig, clock clockwork.Clock, logger zerolog.Logger) *KiteGateway {
	if cfg.Product == "" {
		cfg.Product = kiteconnect.ProductMIS
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &KiteGateway{
		client:      client,
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With().Str("component", "kite").Logger(),
		instruments: make(map[string][]kiteconnect.Instrument),
	}
}

// GetQuote returns top of book for an exchange-qualified instrument.
func (k *KiteGateway) GetQuote(ctx context.Context, instrumentID string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quotes, err := k.client.GetQuote(instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", instrumentID, mapKiteError(err))
	}
	q, ok := quotes[instrumentID]
	if !ok || q.LastPrice <= 0 {
		return nil, fmt.Errorf("%w: no quote for %s", ErrUnavailable, instrumentID)
	}
	quote := &Quote{
		InstrumentID: instrumentID,
		LTP:          q.LastPrice,
		Timestamp:    q.Timestamp.Time,
	}
	if len(q.Depth.Buy) > 0 {
		quote.Bid = q.Depth.Buy[0].Price
	}
	if len(q.Depth.Sell) > 0 {
		quote.Ask = q.Depth.Sell[0].Price
	}
	if k.cfg.QuoteMaxAge > 0 && !quote.Timestamp.IsZero() {
		if age := k.clock.Since(quote.Timestamp); age > k.cfg.QuoteMaxAge {
			return quote, fmt.Errorf("%w: %s is %v old", ErrQuoteStale, instrumentID, age.Round(time.Second))
		}
	}
	return quote, nil
}

// PlaceOrder submits a regular-variety order.
func (k *KiteGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	exchange, symbol, err := SplitInstrument(req.InstrumentID)
	if err != nil {
		return "", err
	}
	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   symbol,
		TransactionType: req.TransactionType,
		OrderType:       string(req.OrderType),
		Product:         k.cfg.Product,
		Quantity:        req.Quantity,
		Price:           util.RoundToTick(req.Price, util.OptionTick),
		TriggerPrice:    util.RoundToTick(req.TriggerPrice, util.OptionTick),
		Validity:        kiteconnect.ValidityDay,
		Tag:             req.Tag,
	}
	resp, err := k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		mapped := mapKiteError(err)
		var kerr kiteconnect.Error
		if errors.As(err, &kerr) && (kerr.ErrorType == kiteconnect.OrderError || kerr.ErrorType == kiteconnect.InputError) {
			return "", &RejectedError{Reason: kerr.Message}
		}
		return "", fmt.Errorf("failed to place order: %w", mapped)
	}
	k.logger.Debug().Str("order_id", resp.OrderID).Str("instrument", req.InstrumentID).
		Str("side", req.TransactionType).Str("type", string(req.OrderType)).Msg("order placed")
	return resp.OrderID, nil
}

// ModifyStop re-prices a working stop, switching between SL and LIMIT
// depending on where the new price sits against the last traded price.
func (k *KiteGateway) ModifyStop(ctx context.Context, orderID string, price float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := k.lastOrderState(orderID)
	if err != nil {
		return err
	}
	if !toOrderUpdate(current).IsWorking() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotFound, orderID, current.Status)
	}
	instrumentID := InstrumentID(current.Exchange, current.TradingSymbol)
	ltps, err := k.client.GetLTP(instrumentID)
	if err != nil {
		return fmt.Errorf("failed to get ltp for %s: %w", instrumentID, mapKiteError(err))
	}
	price = util.RoundToTick(price, util.OptionTick)
	orderType, trigger := StopOrder(price, ltps[instrumentID].LastPrice)
	params := kiteconnect.OrderParams{
		OrderType:    string(orderType),
		Quantity:     int(current.Quantity),
		Price:        price,
		TriggerPrice: trigger,
		Validity:     kiteconnect.ValidityDay,
	}
	if _, err := k.client.ModifyOrder(kiteconnect.VarietyRegular, orderID, params); err != nil {
		return fmt.Errorf("failed to modify order %s: %w", orderID, mapKiteError(err))
	}
	return nil
}

// CancelOrder cancels a working order; finished orders are left alone.
func (k *KiteGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := k.lastOrderState(orderID)
	if err != nil {
		return err
	}
	if !toOrderUpdate(current).IsWorking() {
		return nil
	}
	if _, err := k.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, mapKiteError(err))
	}
	return nil
}

// OrderStatus returns the latest state of an order.
func (k *KiteGateway) OrderStatus(ctx context.Context, orderID string) (*OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	current, err := k.lastOrderState(orderID)
	if err != nil {
		return nil, err
	}
	u := toOrderUpdate(current)
	return &u, nil
}

// Orders returns the day's order book.
func (k *KiteGateway) Orders(ctx context.Context) ([]OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orders, err := k.client.GetOrders()
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", mapKiteError(err))
	}
	out := make([]OrderUpdate, len(orders))
	for i, o := range orders {
		out[i] = toOrderUpdate(o)
	}
	return out, nil
}

// Underlying returns the spot index, or the nearest future for commodities.
func (k *KiteGateway) Underlying(ctx context.Context, index models.Index) (Instrument, error) {
	if key, ok := underlyingKeys[index]; ok {
		exchange, symbol, _ := SplitInstrument(key)
		return Instrument{ID: key, Exchange: exchange, Symbol: symbol}, nil
	}
	spec, err := index.Spec()
	if err != nil {
		return Instrument{}, err
	}
	inst, err := k.nearest(ctx, spec.UnderlyingExchange, func(i kiteconnect.Instrument) bool {
		return i.Name == string(index) && i.InstrumentType == "FUT"
	})
	if err != nil {
		return Instrument{}, fmt.Errorf("underlying future for %s: %w", index, err)
	}
	return inst, nil
}

// ResolveOption returns the nearest-expiry contract at strike.
func (k *KiteGateway) ResolveOption(ctx context.Context, index models.Index, strike float64,
	optType models.OptionType) (Instrument, error) {
	spec, err := index.Spec()
	if err != nil {
		return Instrument{}, err
	}
	inst, err := k.nearest(ctx, spec.Exchange, func(i kiteconnect.Instrument) bool {
		return i.Name == string(index) && i.InstrumentType == string(optType) &&
			math.Abs(i.StrikePrice-strike) < 1e-6
	})
	if err != nil {
		return Instrument{}, fmt.Errorf("%s %.0f %s: %w", index, strike, optType, err)
	}
	inst.Strike = strike
	inst.OptionType = optType
	return inst, nil
}

func (k *KiteGateway) nearest(ctx context.Context, exchange string, match func(kiteconnect.Instrument) bool) (Instrument, error) {
	all, err := k.loadInstruments(ctx, exchange)
	if err != nil {
		return Instrument{}, err
	}
	now := k.clock.Now().In(k.cfg.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, k.cfg.Location)

	var best *kiteconnect.Instrument
	for i := range all {
		inst := &all[i]
		if !match(*inst) || inst.Expiry.Time.IsZero() || inst.Expiry.Time.Before(today) {
			continue
		}
		if best == nil || inst.Expiry.Time.Before(best.Expiry.Time) {
			best = inst
		}
	}
	if best == nil {
		return Instrument{}, ErrInstrumentNotFound
	}
	return Instrument{
		ID:       InstrumentID(best.Exchange, best.Tradingsymbol),
		Exchange: best.Exchange,
		Symbol:   best.Tradingsymbol,
		Expiry:   best.Expiry.Time,
		LotSize:  int(best.LotSize),
	}, nil
}

func (k *KiteGateway) loadInstruments(ctx context.Context, exchange string) ([]kiteconnect.Instrument, error) {
	k.mu.RLock()
	cached, ok := k.instruments[exchange]
	k.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list, err := k.client.GetInstrumentsByExchange(exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to get instruments for %s: %w", exchange, mapKiteError(err))
	}
	k.mu.Lock()
	k.instruments[exchange] = list
	k.mu.Unlock()
	k.logger.Info().Str("exchange", exchange).Int("count", len(list)).Msg("instrument master loaded")
	return list, nil
}

func (k *KiteGateway) lastOrderState(orderID string) (kiteconnect.Order, error) {
	history, err := k.client.GetOrderHistory(orderID)
	if err != nil {
		return kiteconnect.Order{}, fmt.Errorf("order %s: %w", orderID, mapKiteError(err))
	}
	if len(history) == 0 {
		return kiteconnect.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return history[len(history)-1], nil
}

func toOrderUpdate(o kiteconnect.Order) OrderUpdate {
	return OrderUpdate{
		OrderID:         o.OrderID,
		InstrumentID:    InstrumentID(o.Exchange, o.TradingSymbol),
		TransactionType: o.TransactionType,
		OrderType:       OrderType(o.OrderType),
		Status:          normalizeKiteStatus(o.Status),
		Quantity:        int(o.Quantity),
		FilledQuantity:  int(o.FilledQuantity),
		Price:           o.Price,
		TriggerPrice:    o.TriggerPrice,
		AveragePrice:    o.AveragePrice,
		Tag:             o.Tag,
		Message:         o.StatusMessage,
	}
}

func normalizeKiteStatus(s string) OrderStatus {
	switch s {
	case "OPEN", "MODIFIED":
		return StatusOpen
	case "TRIGGER PENDING":
		return StatusTriggerPending
	case "COMPLETE":
		return StatusComplete
	case "CANCELLED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	default:
		// OPEN PENDING, VALIDATION PENDING, PUT ORDER REQ RECEIVED, MODIFY PENDING, ...
		return StatusPending
	}
}

func mapKiteError(err error) error {
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		return err
	}
	msg := strings.ToLower(kerr.Message)
	switch {
	case kerr.Code == 429 || strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %s", ErrRateLimited, kerr.Message)
	case kerr.ErrorType == kiteconnect.NetworkError || kerr.Code >= 500:
		return fmt.Errorf("%w: %s", ErrUnavailable, kerr.Message)
	case strings.Contains(msg, "couldn't find") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrOrderNotFound, kerr.Message)
	}
	return err
}
