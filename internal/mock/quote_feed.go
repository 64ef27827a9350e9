// Package mock provides a simulated price feed for paper trading.
package mock

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/util"
)

// DefaultSpots seeds the random walk when no spot is configured.
var DefaultSpots = map[models.Index]float64{
	models.IndexNifty:      20000,
	models.IndexBankNifty:  44000,
	models.IndexFinNifty:   20000,
	models.IndexMidcpNifty: 10000,
	models.IndexSensex:     66000,
	models.IndexBankex:     50000,
	models.IndexCrudeOil:   6500,
}

// FeedConfig shapes the simulated market.
type FeedConfig struct {
	// Spots overrides the starting level per index.
	Spots map[models.Index]float64
	// IV is the annualized implied volatility used to price options.
	IV float64
	// DaysToExpiry sets the time value of the simulated weekly options.
	DaysToExpiry float64
	// Step is how often the underlying moves.
	Step time.Duration
	// StepVol is the maximum relative move of one step.
	StepVol float64
}

// DefaultFeedConfig is a calm market two days before expiry.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{IV: 0.12, DaysToExpiry: 2, Step: time.Second, StepVol: 0.0005}
}

// QuoteFeed is a random-walk price source for the paper gateway. Option
// prices are intrinsic value plus a time value that decays with distance
// from spot.
type QuoteFeed struct {
	cfg   FeedConfig
	clock clockwork.Clock

	mu    sync.Mutex
	spots map[models.Index]float64
	moved map[models.Index]time.Time
}

var _ broker.PriceSource = (*QuoteFeed)(nil)

// NewQuoteFeed creates a feed. Zero config fields take their defaults.
func NewQuoteFeed(cfg FeedConfig, clock clockwork.Clock) *QuoteFeed {
	def := DefaultFeedConfig()
	if cfg.IV <= 0 {
		cfg.IV = def.IV
	}
	if cfg.DaysToExpiry <= 0 {
		cfg.DaysToExpiry = def.DaysToExpiry
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.StepVol < 0 {
		cfg.StepVol = def.StepVol
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	spots := make(map[models.Index]float64, len(DefaultSpots))
	for idx, s := range DefaultSpots {
		spots[idx] = s
	}
	for idx, s := range cfg.Spots {
		if s > 0 {
			spots[idx] = s
		}
	}
	return &QuoteFeed{
		cfg:   cfg,
		clock: clock,
		spots: spots,
		moved: make(map[models.Index]time.Time),
	}
}

// secureFloat64 returns a uniform value in [0, 1).
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Price returns the simulated LTP of an underlying ("NSE:NIFTY") or a paper
// option symbol ("NFO:NIFTY20000CE").
func (f *QuoteFeed) Price(instrumentID string) (float64, error) {
	idx, strike, optType, err := ParseSymbol(instrumentID)
	if err != nil {
		return 0, err
	}
	spot := f.Spot(idx)
	if optType == "" {
		return util.RoundToTick(spot, util.OptionTick), nil
	}
	return f.optionPrice(spot, strike, optType), nil
}

// Spot advances the random walk of idx and returns its level.
func (f *QuoteFeed) Spot(idx models.Index) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	last, ok := f.moved[idx]
	if !ok {
		f.moved[idx] = now
		return f.spots[idx]
	}
	steps := int(now.Sub(last) / f.cfg.Step)
	for i := 0; i < steps; i++ {
		f.spots[idx] *= 1 + (secureFloat64()-0.5)*2*f.cfg.StepVol
	}
	if steps > 0 {
		f.moved[idx] = last.Add(time.Duration(steps) * f.cfg.Step)
	}
	return f.spots[idx]
}

// SetSpot pins the level of idx.
func (f *QuoteFeed) SetSpot(idx models.Index, spot float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spots[idx] = spot
}

func (f *QuoteFeed) optionPrice(spot, strike float64, t models.OptionType) float64 {
	intrinsic := math.Max(0, spot-strike)
	if t == models.OptionPut {
		intrinsic = math.Max(0, strike-spot)
	}
	// One standard deviation move to expiry, in index points.
	sd := spot * f.cfg.IV * math.Sqrt(f.cfg.DaysToExpiry/365)
	atmValue := 0.4 * sd
	dist := strike - spot
	timeValue := atmValue * math.Exp(-dist*dist/(2*sd*sd))
	return math.Max(util.OptionTick, util.RoundToTick(intrinsic+timeValue, util.OptionTick))
}

// ParseSymbol splits a paper instrument id into index, strike and option
// type. Underlying ids return a zero strike and empty type.
func ParseSymbol(instrumentID string) (models.Index, float64, models.OptionType, error) {
	_, symbol, err := broker.SplitInstrument(instrumentID)
	if err != nil {
		return "", 0, "", err
	}
	var idx models.Index
	for _, candidate := range models.Indices() {
		if strings.HasPrefix(symbol, string(candidate)) && len(candidate) > len(idx) {
			idx = candidate
		}
	}
	if idx == "" {
		return "", 0, "", fmt.Errorf("%w: %s", broker.ErrInstrumentNotFound, instrumentID)
	}
	rest := strings.TrimPrefix(symbol, string(idx))
	if rest == "" {
		return idx, 0, "", nil
	}
	if len(rest) < 3 {
		return "", 0, "", fmt.Errorf("%w: %s", broker.ErrInstrumentNotFound, instrumentID)
	}
	optType := models.OptionType(rest[len(rest)-2:])
	if optType != models.OptionCall && optType != models.OptionPut {
		return "", 0, "", fmt.Errorf("%w: %s", broker.ErrInstrumentNotFound, instrumentID)
	}
	strike, err := strconv.ParseFloat(rest[:len(rest)-2], 64)
	if err != nil || strike <= 0 {
		return "", 0, "", fmt.Errorf("%w: bad strike in %s", broker.ErrInstrumentNotFound, instrumentID)
	}
	return idx, strike, optType, nil
}
