package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// MockStorage is an in-memory Interface for tests. It keeps the real
// compare-and-set semantics and adds error injection and call counters.
type MockStorage struct {
	store *Store

	mu              sync.Mutex
	saveError       error
	loadError       error
	failSaveAfter   int
	saveCallCount   int
	loadCallCount   int
	updateCallCount int
	finalizeCount   int
}

// NewMockStorage creates an empty mock store.
func NewMockStorage() *MockStorage {
	return NewMockStorageWithClock(clockwork.NewRealClock())
}

// NewMockStorageWithClock creates an empty mock store stamping snapshots with clock.
func NewMockStorageWithClock(clock clockwork.Clock) *MockStorage {
	return &MockStorage{
		store:         NewStore(NewMemoryCache(), newMemoryLog(), clock, zerolog.Nop()),
		failSaveAfter: -1,
	}
}

// SetSaveError makes every Save, Create and Finalize fail with err until reset.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
	m.failSaveAfter = -1
}

// FailSaveAfter lets n more writes succeed, then injects err on every write.
func (m *MockStorage) FailSaveAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaveAfter = n
	m.saveError = err
}

// SetLoadError makes every Load fail with err until reset.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

func (m *MockStorage) GetUpdateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCallCount
}

func (m *MockStorage) GetFinalizeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeCount
}

func (m *MockStorage) writeErr(op, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError == nil {
		return nil
	}
	if m.failSaveAfter > 0 {
		m.failSaveAfter--
		return nil
	}
	return &PersistenceError{Op: op, InstanceID: id, Err: m.saveError}
}

func (m *MockStorage) Create(ctx context.Context, s *models.Strategy) error {
	m.mu.Lock()
	m.saveCallCount++
	m.mu.Unlock()
	if err := m.writeErr("create", s.InstanceID); err != nil {
		return err
	}
	return m.store.Create(ctx, s)
}

func (m *MockStorage) Save(ctx context.Context, s *models.Strategy) error {
	m.mu.Lock()
	m.saveCallCount++
	m.mu.Unlock()
	if err := m.writeErr("save", s.InstanceID); err != nil {
		return err
	}
	return m.store.Save(ctx, s)
}

func (m *MockStorage) Load(ctx context.Context, instanceID string) (*models.Strategy, error) {
	m.mu.Lock()
	m.loadCallCount++
	loadErr := m.loadError
	m.mu.Unlock()
	if loadErr != nil {
		return nil, loadErr
	}
	return m.store.Load(ctx, instanceID)
}

func (m *MockStorage) Update(ctx context.Context, instanceID string, fn func(*models.Strategy) error) (*models.Strategy, error) {
	m.mu.Lock()
	m.updateCallCount++
	m.mu.Unlock()
	if err := m.writeErr("update", instanceID); err != nil {
		return nil, err
	}
	return m.store.Update(ctx, instanceID, fn)
}

func (m *MockStorage) Finalize(ctx context.Context, s *models.Strategy) error {
	m.mu.Lock()
	m.finalizeCount++
	m.mu.Unlock()
	if err := m.writeErr("finalize", s.InstanceID); err != nil {
		return err
	}
	return m.store.Finalize(ctx, s)
}

func (m *MockStorage) ListActive(ctx context.Context) ([]string, error) {
	return m.store.ListActive(ctx)
}

func (m *MockStorage) Statistics(ctx context.Context) (*Statistics, error) {
	return m.store.Statistics(ctx)
}

func (m *MockStorage) Close() error {
	return m.store.Close()
}

// memoryLog is a Log kept in process memory.
type memoryLog struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func newMemoryLog() *memoryLog {
	return &memoryLog{records: make(map[string][]Record)}
}

func (l *memoryLog) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hist := l.records[rec.InstanceID]
	if n := len(hist); n > 0 && hist[n-1].Version >= rec.Version {
		return fmt.Errorf("%w: %s v%d", ErrVersionConflict, rec.InstanceID, rec.Version)
	}
	l.records[rec.InstanceID] = append(hist, rec)
	return nil
}

func (l *memoryLog) Latest(_ context.Context, instanceID string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := l.records[instanceID]
	if len(hist) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	rec := hist[len(hist)-1]
	return &rec, nil
}

func (l *memoryLog) Active(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []string
	for id, hist := range l.records {
		if !hist[len(hist)-1].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (l *memoryLog) Finished(_ context.Context) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, hist := range l.records {
		if last := hist[len(hist)-1]; last.Status.Terminal() {
			out = append(out, last)
		}
	}
	return out, nil
}

func (l *memoryLog) Close() error { return nil }
