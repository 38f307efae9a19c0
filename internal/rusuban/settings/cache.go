package settings

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/bdobrica/Rusuban/common/ttlcache"
)

// Reader is the slice of Store the cache needs.
type Reader interface {
	GetAll(ctx context.Context) (map[string]string, error)
}

// Cache keeps one immutable snapshot of the settings table in memory.
//
// The snapshot never expires on its own; it is built lazily on the first Get
// and replaced wholesale by Refresh after every admin mutation. Readers see
// either the previous complete snapshot or the new one, never a half-applied
// mix.
type Cache struct {
	source Reader

	mu   sync.Mutex
	snap ttlcache.Entry[map[string]string]
}

// NewCache creates an empty Cache over source.
func NewCache(source Reader) *Cache {
	return &Cache{source: source}
}

// Get returns the settings snapshot, loading it from the store on first use.
// The returned map is the caller's own copy; mutating it cannot corrupt the
// shared snapshot.
func (c *Cache) Get(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	if snap, ok := c.snap.Value(); ok {
		c.mu.Unlock()
		return maps.Clone(snap), nil
	}
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	snap, _ := c.snap.Value()
	c.mu.Unlock()
	return maps.Clone(snap), nil
}

// Refresh reads the full table and atomically replaces the snapshot. The
// store read happens outside the lock so slow disks never stall readers of
// the old snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	snap, err := c.source.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("settings: refresh: %w", err)
	}

	c.mu.Lock()
	c.snap.Store(snap, time.Now())
	c.mu.Unlock()
	return nil
}
