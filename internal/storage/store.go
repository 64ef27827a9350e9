// Package storage persists strategy snapshots in a live cache backed by a
// durable append-only log.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// PersistenceError reports a failed durable write. The snapshot held by the
// caller was not stored and must not be acted upon.
type PersistenceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DefaultUpdateRetries bounds the compare-and-set loop in Update.
const DefaultUpdateRetries = 5

// Store composes a Cache with a durable Log. The log is written first and
// arbitrates version conflicts; the cache is refreshed afterwards.
type Store struct {
	cache         Cache
	log           Log
	clock         clockwork.Clock
	logger        zerolog.Logger
	updateRetries int
}

// NewStore creates a store. A nil cache falls back to an in-memory one.
func NewStore(cache Cache, log Log, clock clockwork.Clock, logger zerolog.Logger) *Store {
	if log == nil {
		panic("storage.NewStore: log must not be nil")
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		cache:         cache,
		log:           log,
		clock:         clock,
		logger:        logger.With().Str("component", "storage").Logger(),
		updateRetries: DefaultUpdateRetries,
	}
}

// Create stores version 1 of a new instance.
func (s *Store) Create(ctx context.Context, st *models.Strategy) error {
	latest, err := s.log.Latest(ctx, st.InstanceID)
	switch {
	case err == nil && latest.Status.Terminal():
		return fmt.Errorf("%w: %s", ErrAlreadyExists, st.InstanceID)
	case err == nil:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyActive, st.InstanceID, latest.Status)
	case !errors.Is(err, ErrNotFound):
		return &PersistenceError{Op: "create", InstanceID: st.InstanceID, Err: err}
	}
	st.Version = 0
	return s.Save(ctx, st)
}

// Save appends st as the next version. On success st.Version and
// st.UpdatedAt reflect the stored snapshot.
func (s *Store) Save(ctx context.Context, st *models.Strategy) error {
	next, err := s.append(ctx, "save", st)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Someone else stored a newer version; the cached copy is stale.
			if delErr := s.cache.Delete(ctx, st.InstanceID); delErr != nil {
				s.logger.Warn().Err(delErr).Str("instance", st.InstanceID).Msg("failed to evict stale cache entry")
			}
		}
		return err
	}
	if err := s.cache.Put(ctx, next); err != nil {
		// A stale cache entry would shadow the log; drop it so Load falls through.
		if delErr := s.cache.Delete(ctx, st.InstanceID); delErr != nil {
			return &PersistenceError{Op: "cache", InstanceID: st.InstanceID, Err: errors.Join(err, delErr)}
		}
		s.logger.Warn().Err(err).Str("instance", st.InstanceID).Msg("cache write failed, entry evicted")
	}
	return nil
}

func (s *Store) append(ctx context.Context, op string, st *models.Strategy) (*models.Strategy, error) {
	next := st.Copy()
	next.Version = st.Version + 1
	next.UpdatedAt = s.clock.Now().UTC()
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, &PersistenceError{Op: op, InstanceID: st.InstanceID, Err: err}
	}
	rec := Record{
		InstanceID: st.InstanceID,
		Version:    next.Version,
		Status:     next.Status,
		Payload:    payload,
		RecordedAt: next.UpdatedAt,
	}
	if err := s.log.Append(ctx, rec); err != nil {
		return nil, &PersistenceError{Op: op, InstanceID: st.InstanceID, Err: err}
	}
	st.Version = next.Version
	st.UpdatedAt = next.UpdatedAt
	return next, nil
}

// Load returns the latest snapshot. A shared cache is trusted as is; a
// process-local one is checked against the log's latest version, since other
// processes write to the log directly.
func (s *Store) Load(ctx context.Context, instanceID string) (*models.Strategy, error) {
	st, err := s.cache.Get(ctx, instanceID)
	switch {
	case err == nil && s.cache.Shared():
		return st, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		s.logger.Debug().Err(err).Str("instance", instanceID).Msg("cache read failed, using log")
	}

	rec, lerr := s.log.Latest(ctx, instanceID)
	if lerr != nil {
		return nil, lerr
	}
	if err == nil && st.Version == rec.Version {
		return st, nil
	}
	latest, err := decode(rec)
	if err != nil {
		return nil, err
	}
	if latest.Status.Terminal() {
		_ = s.cache.Delete(ctx, instanceID)
		return latest, nil
	}
	if err := s.cache.Put(ctx, latest); err != nil {
		s.logger.Debug().Err(err).Str("instance", instanceID).Msg("cache re-warm failed")
	}
	return latest, nil
}

// Update applies fn to the latest snapshot and saves it, reloading and
// retrying when another writer got there first.
func (s *Store) Update(ctx context.Context, instanceID string, fn func(*models.Strategy) error) (*models.Strategy, error) {
	var lastErr error
	for attempt := 0; attempt < s.updateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := s.Load(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return nil, fmt.Errorf("instance %s is %s", instanceID, st.Status)
		}
		if err := fn(st); err != nil {
			return nil, err
		}
		err = s.Save(ctx, st)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		// The cached copy lost the race; force the next Load through the log.
		_ = s.cache.Delete(ctx, instanceID)
		s.logger.Debug().Str("instance", instanceID).Int("attempt", attempt+1).Msg("version conflict, retrying update")
	}
	return nil, fmt.Errorf("update %s gave up after %d attempts: %w", instanceID, s.updateRetries, lastErr)
}

// Finalize stores the terminal snapshot and evicts the live entry.
func (s *Store) Finalize(ctx context.Context, st *models.Strategy) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("finalize %s: status %s is not terminal", st.InstanceID, st.Status)
	}
	if _, err := s.append(ctx, "finalize", st); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, st.InstanceID); err != nil {
		s.logger.Warn().Err(err).Str("instance", st.InstanceID).Msg("failed to purge cache entry")
	}
	return nil
}

// ListActive returns ids of instances that have not finished.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.log.Active(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Statistics aggregates the final PnL of finished instances.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	recs, err := s.log.Finished(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].RecordedAt.Before(recs[j].RecordedAt) })
	stats := NewStatistics()
	for i := range recs {
		st, err := decode(&recs[i])
		if err != nil {
			s.logger.Warn().Err(err).Str("instance", recs[i].InstanceID).Msg("skipping unreadable snapshot")
			continue
		}
		if st.Status != models.StatusDone {
			continue
		}
		stats.Add(st.PnL.Total(), recs[i].RecordedAt)
	}
	return stats, nil
}

// Close releases the cache and the log.
func (s *Store) Close() error {
	return errors.Join(s.cache.Close(), s.log.Close())
}

func decode(rec *Record) (*models.Strategy, error) {
	var st models.Strategy
	if err := json.Unmarshal(rec.Payload, &st); err != nil {
		return nil, fmt.Errorf("decode %s v%d: %w", rec.InstanceID, rec.Version, err)
	}
	st.Version = rec.Version
	return &st, nil
}
