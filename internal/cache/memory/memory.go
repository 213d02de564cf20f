// Package memory provides an in-process TTL cache for merge results.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/product-capture/internal/cache"
	"github.com/JakeFAU/product-capture/internal/product"
)

// Config tunes the cache.
type Config struct {
	TTL             time.Duration
	MaxEntries      int
	JanitorInterval time.Duration
}

// Cache is a map-backed product.Cache with expiry and a size bound. When full
// the oldest entry is evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cache.Entry
	cfg     Config
	clock   product.Clock

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds a Cache and starts its janitor when JanitorInterval is set.
func New(cfg Config, clock product.Clock) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if clock == nil {
		clock = wallClock{}
	}
	c := &Cache{
		entries: make(map[string]cache.Entry),
		cfg:     cfg,
		clock:   clock,
		stop:    make(chan struct{}),
	}
	if cfg.JanitorInterval > 0 {
		c.wg.Add(1)
		go c.janitor()
	}
	return c
}

// Get returns the record cached under fp if it has not expired.
func (c *Cache) Get(_ context.Context, fp string) (product.MergedRecord, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok || c.expired(e) {
		return product.MergedRecord{}, false, nil
	}
	return e.Record, true, nil
}

// Put stores rec under fp.
func (c *Cache) Put(_ context.Context, fp string, rec product.MergedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fp]; !exists && c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
	c.entries[fp] = cache.Entry{Record: rec, CapturedAt: c.clock.Now()}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for fp, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Close stops the janitor.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func (c *Cache) expired(e cache.Entry) bool {
	return c.clock.Now().Sub(e.CapturedAt) >= c.cfg.TTL
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for fp, e := range c.entries {
		if !found || e.CapturedAt.Before(oldest) {
			oldestKey, oldest, found = fp, e.CapturedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) janitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.JanitorInterval)
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
