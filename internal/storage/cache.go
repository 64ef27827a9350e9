package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*models.Strategy
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*models.Strategy)}
}

func (c *MemoryCache) Get(_ context.Context, instanceID string) (*models.Strategy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.entries[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return st.Copy(), nil
}

func (c *MemoryCache) Put(_ context.Context, st *models.Strategy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[st.InstanceID]; ok && cur.Version >= st.Version {
		return nil
	}
	c.entries[st.InstanceID] = st.Copy()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, instanceID)
	return nil
}

func (c *MemoryCache) Shared() bool { return false }

func (c *MemoryCache) Close() error { return nil }
