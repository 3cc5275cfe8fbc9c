// Package cache is a small optional Redis layer for external catalog
// lookups (iTunes, Pocket Casts). A nil cache is valid and caches nothing,
// so callers never branch on whether Redis is configured.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lookup caches string results of external lookups under a TTL.
type Lookup struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis. An empty addr returns a nil cache.
func New(ctx context.Context, addr string, ttl time.Duration) *Lookup {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unreachable, lookup caching disabled", "addr", addr, "error", err)
		client.Close()
		return nil
	}
	slog.Info("Lookup cache connected", "addr", addr, "ttl", ttl)
	return &Lookup{client: client, ttl: ttl}
}

// Get returns the cached value and whether it was present.
func (l *Lookup) Get(ctx context.Context, key string) (string, bool) {
	if l == nil {
		return "", false
	}
	val, err := l.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Cache read failed", "key", key, "error", err)
		}
		return "", false
	}
	return val, true
}

// Set stores a value under the configured TTL. Failures only log; the
// lookup result is already in hand.
func (l *Lookup) Set(ctx context.Context, key, value string) {
	if l == nil {
		return
	}
	if err := l.client.Set(ctx, key, value, l.ttl).Err(); err != nil {
		slog.Warn("Cache write failed", "key", key, "error", err)
	}
}

// Close releases the connection.
func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
