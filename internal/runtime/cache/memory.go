package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/conduit/internal/runtime/codec"
)

// DefaultCleanupInterval is how often MemoryCache sweeps expired entries.
const DefaultCleanupInterval = time.Minute

type memItem struct {
	data    []byte
	expires time.Time
}

func (i memItem) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// MemoryCache is an in-process Cache. Expired entries are dropped lazily on
// read and by a background janitor until Close is called.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache starts a cache whose janitor runs every cleanupInterval.
// A non-positive interval selects DefaultCleanupInterval.
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	c := &MemoryCache{
		items: make(map[string]memItem),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.janitor(cleanupInterval)
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if item.expired(c.now()) {
		c.mu.Lock()
		if current, ok := c.items[key]; ok && current.expired(c.now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return false, nil
	}
	if dest == nil {
		return true, nil
	}
	if err := codec.UnmarshalJSON(item.data, dest); err != nil {
		return false, fmt.Errorf("conduit: cache decode %s: %w", key, err)
	}
	return true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := codec.MarshalJSON(value)
	if err != nil {
		return fmt.Errorf("conduit: cache encode %s: %w", key, err)
	}
	item := memItem{data: data}
	if ttl > 0 {
		item.expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the janitor. The cache remains usable.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
		}
	}
}
