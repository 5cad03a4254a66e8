// Package cache provides a Redis-backed JSON cache for enrichment lookups.
// The cache is strictly best-effort: every Redis failure degrades to a miss
// or a dropped write, never to a caller-visible error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/metrics"
)

// Cache wraps a Redis client with JSON marshalling and hashed keys.
type Cache struct {
	client *redis.Client
	name   string
	logger *zap.Logger
}

// New builds a cache. name labels the cache in logs and metrics (e.g.
// "whois", "safe_browsing", "pbn").
func New(client *redis.Client, name string, logger *zap.Logger) *Cache {
	return &Cache{client: client, name: name, logger: logger}
}

// Key derives the storage key from the cache name and an arbitrary identity
// string. Hashing keeps URLs and request bodies out of the keyspace.
func (c *Cache) Key(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return c.name + ":" + hex.EncodeToString(sum[:])
}

// GetJSON loads the value at key into out. It reports whether a usable value
// was found; corrupt entries count as misses.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed",
				zap.String("cache", c.name),
				zap.Error(err),
			)
		}
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("cache entry failed to decode, treating as miss",
			zap.String("cache", c.name),
			zap.Error(err),
		)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return true
}

// SetJSON stores value at key with the given TTL. Failures are logged and
// swallowed.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value failed to encode",
			zap.String("cache", c.name),
			zap.Error(err),
		)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed",
			zap.String("cache", c.name),
			zap.Error(err),
		)
	}
}
