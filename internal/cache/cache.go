// Package cache provides the key-value cache used for read-through caching
// of feed snapshots and derived views. Implementations include Redis and
// in-memory; the engine tolerates total cache absence, so every operation
// degrades to a miss instead of failing.
package cache

import (
	"context"
	"time"
)

// Cache is the capability interface consumed by the core. A zero TTL means
// no expiry. Failures are absorbed: Set/HSet are best-effort, Get/HGet
// report misses.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	HSet(ctx context.Context, hash, field, value string)
	HGet(ctx context.Context, hash, field string) (string, bool)
}
