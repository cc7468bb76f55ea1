// Package cache provides the bounded TTL result caches shared by the
// source adapters.
package cache

import (
	"context"
	"time"
)

// Cache stores rendered adapter results keyed by normalized query.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}
