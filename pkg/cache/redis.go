package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"arisbot/internal/util"
)

// RedisCache shares adapter results across replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache builds a cache writing keys under prefix.
func NewRedisCache(addr, password, prefix string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Get treats Redis errors as misses so a cache outage only costs latency.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if err != redis.Nil {
			util.LoggerFromContext(ctx).Warn("cache_get_failed", "prefix", c.prefix, "err", err)
		}
		return "", false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		util.LoggerFromContext(ctx).Warn("cache_set_failed", "prefix", c.prefix, "err", err)
	}
}

func (c *RedisCache) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
