package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

// Reconciler restores persisted instances after a restart and brings them
// back in line with the broker's order book before monitoring resumes.
type Reconciler struct {
	store     storage.Interface
	orders    *orders.Manager
	newEngine func() *strategy.Engine
	logger    zerolog.Logger

	coldStartOnce sync.Once
}

// NewReconciler creates a new instance reconciler
func NewReconciler(store storage.Interface, manager *orders.Manager,
	newEngine func() *strategy.Engine, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		orders:    manager,
		newEngine: newEngine,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// ResumeResult is the outcome of a restart pass.
type ResumeResult struct {
	// Engines are the instances that still need monitoring.
	Engines []*strategy.Engine
	// Stray lists working broker orders tagged for a resumed instance that
	// no leg references.
	Stray []string
	// Err joins the per-instance failures.
	Err error
}

// ActiveIDs lists the instances whose latest snapshot is not terminal.
func (r *Reconciler) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	return ids, nil
}

// Resume restores each instance. An interrupted entry is completed without
// re-sending orders the broker already has, and live instances have their
// stop orders checked. An instance whose orders the broker lost is FAILED.
func (r *Reconciler) Resume(ctx context.Context, ids []string) ResumeResult {
	var (
		res  ResumeResult
		errs []error
	)
	if len(ids) == 0 {
		r.coldStart(ctx)
		return res
	}
	r.logger.Info().Int("instances", len(ids)).Msg("reconciling persisted instances")

	for _, id := range ids {
		engine, err := r.resumeOne(ctx, id)
		if err != nil {
			errs = append(errs, err)
		}
		if engine == nil || engine.Terminal() {
			continue
		}
		res.Engines = append(res.Engines, engine)
	}

	stray, err := r.findStray(ctx, res.Engines)
	if err != nil {
		r.logger.Warn().Err(err).Msg("order book unavailable, skipping stray order check")
	}
	res.Stray = stray
	res.Err = errors.Join(errs...)
	return res
}

func (r *Reconciler) resumeOne(ctx context.Context, id string) (*strategy.Engine, error) {
	log := r.logger.With().Str("instance", id).Logger()
	engine := r.newEngine()
	if err := engine.Restore(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Msg("instance not found in store")
		}
		return nil, err
	}

	status := engine.Status()
	log.Info().Str("status", string(status)).Msg("restored instance")

	var err error
	switch status {
	case models.StatusInitiating:
		err = engine.ResumeEntry(ctx)
	case models.StatusActive, models.StatusConverted:
		err = engine.SyncOrders(ctx)
	case models.StatusExiting:
		// The monitor finishes the square-off on its first tick.
	default:
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("status", string(engine.Status())).Msg("reconciliation failed")
		return engine, fmt.Errorf("instance %s: %w", id, err)
	}
	return engine, nil
}

// coldStart warns about working orders carrying this bot's tag codes when
// the store has no live instance, which usually means a lost snapshot log.
func (r *Reconciler) coldStart(ctx context.Context) {
	book, err := r.orders.Orders(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("order book unavailable, skipping cold start check")
		return
	}
	var working int
	for _, o := range book {
		if o.IsWorking() && looksLikeBotTag(o.Tag) {
			working++
		}
	}
	if working == 0 {
		return
	}
	r.coldStartOnce.Do(func() {
		r.logger.Warn().Int("orders", working).
			Msg("COLD START: no live instances stored but the broker has working straddle orders, reconcile manually")
	})
}

func (r *Reconciler) findStray(ctx context.Context, engines []*strategy.Engine) ([]string, error) {
	var stray []string
	for _, e := range engines {
		known := make(map[string]bool)
		for _, leg := range e.Snapshot().Legs {
			for _, id := range []string{leg.EntryOrderID, leg.StopOrderID, leg.ExitOrderID} {
				if id != "" {
					known[id] = true
				}
			}
		}
		working, err := r.orders.WorkingWithPrefix(ctx, strategy.InstanceTag(e.InstanceID()))
		if err != nil {
			return stray, err
		}
		for _, o := range working {
			if known[o.OrderID] {
				continue
			}
			r.logger.Warn().Str("instance", e.InstanceID()).Str("order_id", o.OrderID).
				Str("tag", o.Tag).Msg("working order not referenced by any leg")
			stray = append(stray, o.OrderID)
		}
	}
	return stray, nil
}

var tagSuffixes = []string{"SSL", "HSL", "SX", "HX", "S", "H"}

// looksLikeBotTag matches the 8 hex character instance prefix followed by a leg code.
func looksLikeBotTag(tag string) bool {
	if len(tag) < 9 {
		return false
	}
	for _, c := range tag[:8] {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	rest := tag[8:]
	if !strings.HasPrefix(rest, "CE") && !strings.HasPrefix(rest, "PE") {
		return false
	}
	for _, s := range tagSuffixes {
		if rest[2:] == s {
			return true
		}
	}
	return false
}
