package alertcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

type cached struct {
	alert     *fraud.FraudAlert
	expiresAt time.Time
}

// MemoryCache is an expiring in-memory Cache. Expired entries are invisible
// to Get immediately and are removed by a background janitor.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cached
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryCache creates a cache whose janitor sweeps every interval.
// interval <= 0 disables the janitor.
func NewMemoryCache(interval time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]cached),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if interval > 0 {
		go c.janitor(interval)
	}
	return c
}

func (c *MemoryCache) Put(_ context.Context, txID string, alert *fraud.FraudAlert, ttl time.Duration) error {
	if alert == nil {
		return errors.New("alertcache: nil alert")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.entries[txID] = cached{alert: alert.Clone(), expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, txID string) (*fraud.FraudAlert, error) {
	c.mu.RLock()
	e, ok := c.entries[txID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	return e.alert.Clone(), nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries.
func (c *MemoryCache) Sweep() {
	now := c.now()
	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Close stops the janitor.
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
