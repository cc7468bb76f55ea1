package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"arisbot/internal/util"
)

const defaultTurnTTL = 10 * time.Minute

// MemoryTurnGuard tracks in-flight turns in a process-local set.
type MemoryTurnGuard struct {
	mu     sync.Mutex
	active map[string]time.Time // conversation ID -> expiry
}

// NewMemoryTurnGuard constructs an empty guard.
func NewMemoryTurnGuard() *MemoryTurnGuard {
	return &MemoryTurnGuard{active: make(map[string]time.Time)}
}

func (g *MemoryTurnGuard) Acquire(_ context.Context, conversationID string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = defaultTurnTTL
	}
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if expiry, ok := g.active[conversationID]; ok && now.Before(expiry) {
		return nil, ErrTurnActive
	}
	expiry := now.Add(ttl)
	g.active[conversationID] = expiry
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.active[conversationID] == expiry {
				delete(g.active, conversationID)
			}
		})
	}, nil
}

// releaseTurnScript deletes the key only if this holder still owns it.
var releaseTurnScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTurnGuard shares in-flight turns across replicas.
type RedisTurnGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisTurnGuard builds a Redis-backed turn guard.
func NewRedisTurnGuard(addr, password, prefix string) *RedisTurnGuard {
	if prefix == "" {
		prefix = "aris:turn"
	}
	return &RedisTurnGuard{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

func (g *RedisTurnGuard) Acquire(ctx context.Context, conversationID string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = defaultTurnTTL
	}
	key := fmt.Sprintf("%s:%s", g.prefix, conversationID)
	token := util.NewID()
	ok, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire turn: %w", err)
	}
	if !ok {
		return nil, ErrTurnActive
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := releaseTurnScript.Run(releaseCtx, g.client, []string{key}, token).Err(); err != nil {
				util.LoggerFromContext(ctx).Warn("turn_release_failed", "conversation_id", conversationID, "err", err)
			}
		})
	}, nil
}
