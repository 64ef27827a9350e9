// Package monitor drives registered straddle instances on a fixed interval.
// Each instance ticks on its own goroutine; ticks of one instance never
// overlap, distinct instances run concurrently.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

// Engine is the per-instance surface the monitor drives. *strategy.Engine implements it.
type Engine interface {
	InstanceID() string
	Terminal() bool
	Snapshot() *models.Strategy
	RequestExit()
	ExitRequested() bool
	Reload(ctx context.Context) error
	SyncOrders(ctx context.Context) error
	RefreshQuotes(ctx context.Context) map[string]error
	MarkToMarket(ctx context.Context) (models.PnLSnapshot, error)
	CheckBreakeven(ctx context.Context) (side string, spot float64, err error)
	TrailAll(ctx context.Context, faults map[string]error) error
	EvaluateExit(ctx context.Context) (bool, string, error)
	Exit(ctx context.Context, reason string) error
}

var _ Engine = (*strategy.Engine)(nil)

// Config contains monitor timing.
type Config struct {
	Interval           time.Duration
	PnLDisplayInterval time.Duration
	// SlowTickFactor times Interval is the tick duration that logs a warning.
	SlowTickFactor float64
}

// DefaultConfig ticks every 15 seconds.
var DefaultConfig = Config{
	Interval:           15 * time.Second,
	PnLDisplayInterval: 15 * time.Second,
	SlowTickFactor:     2,
}

type instance struct {
	engine      Engine
	sem         *semaphore.Weighted
	lastDisplay time.Time
}

// Monitor runs the periodic risk loop.
type Monitor struct {
	clock  clockwork.Clock
	logger zerolog.Logger
	cfg    Config

	mu        sync.Mutex
	instances map[string]*instance
	order     []string
}

// New creates a monitor. Zero config fields take their defaults.
func New(clock clockwork.Clock, logger zerolog.Logger, cfg Config) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.PnLDisplayInterval <= 0 {
		cfg.PnLDisplayInterval = DefaultConfig.PnLDisplayInterval
	}
	if cfg.SlowTickFactor <= 0 {
		cfg.SlowTickFactor = DefaultConfig.SlowTickFactor
	}
	return &Monitor{
		clock:     clock,
		logger:    logger.With().Str("component", "monitor").Logger(),
		cfg:       cfg,
		instances: make(map[string]*instance),
	}
}

// Register adds an engine attached to an instance. Registering the same
// instance twice is an error.
func (m *Monitor) Register(e Engine) error {
	id := e.InstanceID()
	if id == "" {
		return fmt.Errorf("engine has no instance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; ok {
		return fmt.Errorf("instance %s already registered", id)
	}
	m.instances[id] = &instance{engine: e, sem: semaphore.NewWeighted(1)}
	m.order = append(m.order, id)
	return nil
}

// RequestExitAll asks every instance to square off on its next tick.
func (m *Monitor) RequestExitAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		m.instances[id].engine.RequestExit()
	}
	m.logger.Warn().Int("instances", len(m.order)).Msg("exit requested for all instances")
}

func (m *Monitor) lookup(id string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not registered", id)
	}
	return inst, nil
}

// Run ticks every registered instance until each is DONE or FAILED or ctx
// is cancelled. It returns the fatal errors that ended instances.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	var (
		g     errgroup.Group
		errMu sync.Mutex
		fatal []error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.runInstance(ctx, id); err != nil {
				errMu.Lock()
				fatal = append(fatal, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(fatal...)
}

func (m *Monitor) runInstance(ctx context.Context, id string) error {
	log := m.logger.With().Str("instance", id).Logger()
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.cfg.Interval).Msg("monitoring instance")
	for {
		done, err := m.Tick(ctx, id)
		if err != nil {
			log.Error().Err(err).Msg("instance ended with a fatal error")
			return fmt.Errorf("instance %s: %w", id, err)
		}
		if done {
			log.Info().Msg("instance finished")
			return nil
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("monitor stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// Tick runs one monitoring pass for an instance. It reports whether the
// instance is finished; the error is non-nil only for fatal outcomes.
// Non-fatal failures are logged and retried on the next tick.
func (m *Monitor) Tick(ctx context.Context, id string) (bool, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return true, err
	}
	if err := inst.sem.Acquire(ctx, 1); err != nil {
		return false, nil
	}
	defer inst.sem.Release(1)

	log := m.logger.With().Str("instance", id).Logger()
	start := m.clock.Now()
	err = m.tick(ctx, inst)
	if elapsed := m.clock.Since(start); elapsed > time.Duration(m.cfg.SlowTickFactor*float64(m.cfg.Interval)) {
		log.Warn().Dur("elapsed", elapsed).Dur("interval", m.cfg.Interval).Msg("slow tick")
	}

	switch {
	case err == nil:
	case strategy.IsFatal(err):
		return true, err
	case errors.Is(err, strategy.ErrPersistence):
		log.Warn().Err(err).Msg("tick aborted, snapshot not persisted")
	case errors.Is(err, strategy.ErrExitIncomplete):
		log.Warn().Err(err).Msg("exit incomplete, retrying next tick")
	case errors.Is(err, context.Canceled):
		return false, nil
	default:
		log.Warn().Err(err).Msg("tick failed")
	}
	return inst.engine.Terminal(), nil
}

func (m *Monitor) tick(ctx context.Context, inst *instance) error {
	e := inst.engine
	if e.Terminal() {
		return nil
	}
	// Reload first: an exit attempted on a stale snapshot can never persist.
	// A signal's exit request lives outside the snapshot and survives it.
	if err := e.Reload(ctx); err != nil {
		return err
	}
	if e.Terminal() {
		return nil
	}
	if e.ExitRequested() {
		return e.Exit(ctx, strategy.ReasonExitRequested)
	}
	if err := e.SyncOrders(ctx); err != nil {
		return err
	}
	if e.Terminal() {
		return nil
	}

	faults := e.RefreshQuotes(ctx)
	snap, err := e.MarkToMarket(ctx)
	if err != nil {
		return err
	}
	m.displayPnL(inst, snap)

	if side, spot, err := e.CheckBreakeven(ctx); err != nil {
		m.logger.Debug().Err(err).Str("instance", e.InstanceID()).Msg("breakeven check skipped")
	} else if side != "" {
		m.logger.Warn().Str("instance", e.InstanceID()).Str("side", side).Float64("spot", spot).
			Msg("underlying beyond breakeven")
	}

	if err := e.TrailAll(ctx, faults); err != nil {
		if errors.Is(err, strategy.ErrPersistence) {
			return err
		}
		m.logger.Warn().Err(err).Str("instance", e.InstanceID()).Msg("trailing incomplete")
	}

	exit, reason, err := e.EvaluateExit(ctx)
	if err != nil {
		return err
	}
	if exit && !e.Terminal() {
		return e.Exit(ctx, reason)
	}
	return nil
}

func (m *Monitor) displayPnL(inst *instance, snap models.PnLSnapshot) {
	now := m.clock.Now()
	if !inst.lastDisplay.IsZero() && now.Sub(inst.lastDisplay) < m.cfg.PnLDisplayInterval {
		return
	}
	inst.lastDisplay = now
	st := inst.engine.Snapshot()
	ev := m.logger.Info().Str("instance", inst.engine.InstanceID()).
		Float64("realized", snap.Realized).
		Float64("unrealized", snap.Unrealized).
		Float64("total", snap.Total())
	if st != nil {
		ev = ev.Str("status", string(st.Status)).Float64("target_mtm", st.TargetMTM).Float64("target_loss", st.TargetLoss)
	}
	ev.Msg("pnl")
}
