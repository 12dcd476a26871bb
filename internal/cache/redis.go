package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a Redis client. Errors are logged at debug
// and surfaced as misses; a dead Redis never propagates into the engine.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("cache get failed", "key", key, "err", err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Debug("cache set failed", "key", key, "err", err)
	}
}

func (c *RedisCache) HSet(ctx context.Context, hash, field, value string) {
	if err := c.rdb.HSet(ctx, hash, field, value).Err(); err != nil {
		slog.Debug("cache hset failed", "hash", hash, "field", field, "err", err)
	}
}

func (c *RedisCache) HGet(ctx context.Context, hash, field string) (string, bool) {
	val, err := c.rdb.HGet(ctx, hash, field).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("cache hget failed", "hash", hash, "field", field, "err", err)
		}
		return "", false
	}
	return val, true
}
