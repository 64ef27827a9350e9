// Package strategy implements the short straddle state machine: entry,
// protective and trailing stops, iron fly conversion and exit.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
)

// Exit reasons.
const (
	ReasonTargetMTM     = "target_mtm"
	ReasonTargetLoss    = "target_loss"
	ReasonBookProfit    = "book_profit"
	ReasonCutoff        = "day_over"
	ReasonEntryRejected = "entry_rejected"
	ReasonExitRequested = "exit_requested"
)

// Config holds engine settings shared by every instance.
type Config struct {
	// Location is the exchange time zone for the cutoff.
	Location *time.Location
	// CutoffHour and CutoffMinute mark the end of the trading day.
	CutoffHour   int
	CutoffMinute int
	// Band is the premium drop that fires the trailing rule.
	Band float64
	// MaxExitAttempts bounds square-off retries before the instance is failed.
	MaxExitAttempts int
}

// DefaultConfig trades until 15:31 IST with a 5% trailing band.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return Config{
		Location:        loc,
		CutoffHour:      15,
		CutoffMinute:    31,
		Band:            0.05,
		MaxExitAttempts: 5,
	}
}

// Deps are the collaborators of an engine.
type Deps struct {
	Gateway broker.Gateway
	Orders  *orders.Manager
	Store   storage.Interface
	Retry   *retry.Client
	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Config  Config
}

// Engine drives one straddle instance. Its methods are not safe for
// concurrent use; the monitor serializes them per instance. RequestExit may
// be called from any goroutine.
type Engine struct {
	gateway broker.Gateway
	orders  *orders.Manager
	store   storage.Interface
	retry   *retry.Client
	clock   clockwork.Clock
	logger  zerolog.Logger
	cfg     Config

	state         *models.Strategy
	plan          *StrikePlan
	exitRequested atomic.Bool
}

// NewEngine creates an engine without an instance. Call Initiate or Restore.
func NewEngine(d Deps) *Engine {
	if d.Gateway == nil || d.Store == nil {
		panic("strategy.NewEngine: gateway and store are required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Retry == nil {
		d.Retry = retry.NewClient(d.Logger, d.Clock)
	}
	if d.Orders == nil {
		d.Orders = orders.NewManager(d.Gateway, d.Retry, d.Clock, d.Logger)
	}
	def := DefaultConfig()
	if d.Config.Location == nil {
		d.Config.Location = def.Location
	}
	if d.Config.CutoffHour == 0 && d.Config.CutoffMinute == 0 {
		d.Config.CutoffHour, d.Config.CutoffMinute = def.CutoffHour, def.CutoffMinute
	}
	if d.Config.Band <= 0 {
		d.Config.Band = def.Band
	}
	if d.Config.MaxExitAttempts <= 0 {
		d.Config.MaxExitAttempts = def.MaxExitAttempts
	}
	return &Engine{
		gateway: d.Gateway,
		orders:  d.Orders,
		store:   d.Store,
		retry:   d.Retry,
		clock:   d.Clock,
		logger:  d.Logger.With().Str("component", "strategy").Logger(),
		cfg:     d.Config,
	}
}

// Restore attaches the engine to a persisted instance.
func (e *Engine) Restore(ctx context.Context, instanceID string) error {
	st, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("restore %s: %w", instanceID, err)
	}
	if err := st.ValidateState(); err != nil {
		return fmt.Errorf("restore %s: %w", instanceID, err)
	}
	e.attach(st)
	return nil
}

func (e *Engine) attach(st *models.Strategy) {
	e.state = st
	e.logger = e.logger.With().Str("instance", st.InstanceID).Str("index", string(st.Index)).Logger()
}

// Reload replaces the in-memory snapshot with the stored one, discarding
// any change that was never persisted.
func (e *Engine) Reload(ctx context.Context) error {
	if e.state == nil {
		return fmt.Errorf("engine has no instance")
	}
	st, err := e.store.Load(ctx, e.state.InstanceID)
	if err != nil {
		return fmt.Errorf("%w: reload: %w", ErrPersistence, err)
	}
	e.state = st
	if st.ExitRequested {
		e.exitRequested.Store(true)
	}
	return nil
}

// InstanceID returns the id of the attached instance.
func (e *Engine) InstanceID() string {
	if e.state == nil {
		return ""
	}
	return e.state.InstanceID
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() *models.Strategy {
	return e.state.Copy()
}

// Status returns the current lifecycle status.
func (e *Engine) Status() models.StrategyStatus {
	if e.state == nil {
		return ""
	}
	return e.state.Status
}

// Terminal reports whether the instance reached DONE or FAILED.
func (e *Engine) Terminal() bool {
	return e.state != nil && e.state.Status.Terminal()
}

// RequestExit asks the next tick to square off instead of evaluating.
func (e *Engine) RequestExit() {
	e.exitRequested.Store(true)
}

// ExitRequested reports whether an exit was requested by signal or control plane.
func (e *Engine) ExitRequested() bool {
	return e.exitRequested.Load() || (e.state != nil && e.state.ExitRequested)
}

// Breakeven is the pair of underlying levels where the straddle stops making money.
type Breakeven struct {
	Call float64
	Put  float64
}

// ComputeBreakeven returns ATM ± collected premium.
func (e *Engine) ComputeBreakeven() Breakeven {
	return ComputeBreakeven(e.state.ATMStrike, e.state.CollectedPremium)
}

// ComputeBreakeven returns the call and put breakevens of a straddle at atm
// that collected premium per unit.
func ComputeBreakeven(atm, premium float64) Breakeven {
	return Breakeven{Call: atm + premium, Put: atm - premium}
}

func (e *Engine) persist(ctx context.Context) error {
	if err := e.store.Save(ctx, e.state); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (e *Engine) finalize(ctx context.Context) error {
	if err := e.store.Finalize(ctx, e.state); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// quote fetches a quote with bounded retry. A stale quote is returned with
// stale set rather than as an error.
func (e *Engine) quote(ctx context.Context, instrumentID string) (q *broker.Quote, stale bool, err error) {
	q, err = retry.Do(ctx, e.retry, "quote", func(ctx context.Context) (*broker.Quote, error) {
		q, err := e.gateway.GetQuote(ctx, instrumentID)
		if errors.Is(err, broker.ErrQuoteStale) && q != nil {
			stale = true
			return q, nil
		}
		return q, err
	})
	return q, stale, err
}

func (e *Engine) ltp(ctx context.Context, instrumentID string) (float64, error) {
	q, stale, err := e.quote(ctx, instrumentID)
	if err != nil {
		return 0, err
	}
	if stale {
		return 0, fmt.Errorf("%s: %w", instrumentID, broker.ErrQuoteStale)
	}
	return q.LTP, nil
}

// afterCutoff reports whether now is at or past the day's cutoff.
func (e *Engine) afterCutoff(now time.Time) bool {
	local := now.In(e.cfg.Location)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), e.cfg.CutoffHour, e.cfg.CutoffMinute, 0, 0, e.cfg.Location)
	return !local.Before(cutoff)
}

func (e *Engine) legLogger(l *models.Leg) *zerolog.Logger {
	log := e.logger.With().Str("leg", l.Remarks).Logger()
	return &log
}
