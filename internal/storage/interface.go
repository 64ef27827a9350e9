package storage

import (
	"context"
	"time"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// Interface defines the contract for strategy snapshot persistence.
//
// Implementations must be safe for concurrent use. Writes are compare-and-set
// on Strategy.Version: a Save only succeeds if nobody stored a newer version
// since the caller loaded its copy.
type Interface interface {
	// Create stores the first snapshot of a new instance.
	Create(ctx context.Context, s *models.Strategy) error
	// Save stores s as version s.Version+1 and bumps s.Version on success.
	Save(ctx context.Context, s *models.Strategy) error
	Load(ctx context.Context, instanceID string) (*models.Strategy, error)
	// Update loads, applies fn and saves, retrying on version conflicts.
	Update(ctx context.Context, instanceID string, fn func(*models.Strategy) error) (*models.Strategy, error)
	// Finalize stores the terminal snapshot and evicts it from the live cache.
	Finalize(ctx context.Context, s *models.Strategy) error
	// ListActive returns ids whose latest snapshot is not terminal.
	ListActive(ctx context.Context) ([]string, error)
	// Statistics summarizes finished instances.
	Statistics(ctx context.Context) (*Statistics, error)
	Close() error
}

// Record is one appended snapshot in the durable log.
type Record struct {
	InstanceID string
	Version    int64
	Status     models.StrategyStatus
	Payload    []byte
	RecordedAt time.Time
}

// Log is the durable, append-only snapshot history. A duplicate
// (InstanceID, Version) append fails with ErrVersionConflict.
type Log interface {
	Append(ctx context.Context, rec Record) error
	// Latest returns the highest version for an instance or ErrNotFound.
	Latest(ctx context.Context, instanceID string) (*Record, error)
	// Active returns ids whose latest record has a non-terminal status.
	Active(ctx context.Context) ([]string, error)
	// Finished returns the latest record of every terminal instance.
	Finished(ctx context.Context) ([]Record, error)
	Close() error
}

// Cache holds the live snapshot of each instance.
type Cache interface {
	// Get returns the cached snapshot or ErrNotFound.
	Get(ctx context.Context, instanceID string) (*models.Strategy, error)
	// Put stores s unless the cache already holds the same or a newer version.
	Put(ctx context.Context, s *models.Strategy) error
	Delete(ctx context.Context, instanceID string) error
	// Shared reports whether every process sees the same entries.
	Shared() bool
	Close() error
}

// Ensure the implementations satisfy their contracts
var (
	_ Interface = (*Store)(nil)
	_ Interface = (*MockStorage)(nil)
	_ Log       = (*FileLog)(nil)
	_ Log       = (*SQLiteLog)(nil)
	_ Log       = (*PostgresLog)(nil)
	_ Cache     = (*MemoryCache)(nil)
	_ Cache     = (*RedisCache)(nil)
)
