// Package redis stores merge results in Redis so every replica shares one
// cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/product-capture/internal/cache"
	"github.com/JakeFAU/product-capture/internal/product"
)

// DefaultKeyPrefix namespaces cache keys.
const DefaultKeyPrefix = "productcapture:cache:"

// Config controls the Redis connection and entry lifetime.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Cache implements product.Cache on top of a Redis client.
type Cache struct {
	client goredis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
	clock  product.Clock
}

// New dials Redis using cfg.
func New(cfg Config, clock product.Clock) *Cache {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	c := NewWithClient(client, cfg, clock)
	c.closer = client.Close
	return c
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.Cmdable, cfg Config, clock product.Clock) *Cache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Cache{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, clock: clock}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get loads the entry stored under fp. Expiry is enforced by Redis.
func (c *Cache) Get(ctx context.Context, fp string) (product.MergedRecord, bool, error) {
	raw, err := c.client.Get(ctx, c.key(fp)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return product.MergedRecord{}, false, nil
	}
	if err != nil {
		return product.MergedRecord{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return product.MergedRecord{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry.Record, true, nil
}

// Put writes rec under fp with the configured TTL.
func (c *Cache) Put(ctx context.Context, fp string, rec product.MergedRecord) error {
	entry := cache.Entry{Record: rec, CapturedAt: c.now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(fp), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client if this cache created it.
func (c *Cache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Cache) key(fp string) string {
	return c.prefix + fp
}

func (c *Cache) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}
