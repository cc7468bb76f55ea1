package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set(context.Background(), "k", "v", time.Minute)
	if got, ok := c.Get(context.Background(), "k"); !ok || got != "v" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestMemoryCacheBounded(t *testing.T) {
	c := NewMemoryCache(2)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "a", "1", time.Minute)
	c.Set(ctx, "b", "2", 2*time.Minute)
	c.Set(ctx, "c", "3", 3*time.Minute)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatalf("expected soonest-expiring entry evicted")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Fatalf("expected newest entry kept")
	}
}

func TestRedisCacheRoundTripAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(mr.Addr(), "", "aris:cache:wiki")
	ctx := context.Background()

	if _, ok := c.Get(ctx, "vpn"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Set(ctx, "vpn", "fragment", time.Minute)
	if got, ok := c.Get(ctx, "vpn"); !ok || got != "fragment" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}
	if !mr.Exists("aris:cache:wiki:vpn") {
		t.Fatalf("expected prefixed key")
	}
	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "vpn"); ok {
		t.Fatalf("expected miss after ttl")
	}
}
