package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/octup/fulfillment-core/core"
)

// DefaultCacheTTL is the midpoint of spec.md §4.6's 30-60 minute response
// cache window.
const DefaultCacheTTL = 45 * time.Minute

// ResponseCache stores AI responses keyed by content hash so identical
// requests (same tenant, reason code, order, and context) never pay for
// a second round trip inside the TTL window.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// ContentHash hashes parts (tenant, operation, reason code, a truncated
// order identifier, and the redacted context) into a single cache key.
// Hashing the already-redacted payload means the cache key itself never
// carries PII.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// last4 returns the trailing 4 characters of s, or all of s if shorter.
// Used to keep a human-debuggable fragment of an order id out of a cache
// key without embedding the whole identifier.
func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

// RedisResponseCache is the production ResponseCache, backed by
// core.RedisClient on core.RedisDBAICache.
type RedisResponseCache struct {
	client *core.RedisClient
}

// NewRedisResponseCache wraps client, which must already be configured
// against core.RedisDBAICache.
func NewRedisResponseCache(client *core.RedisClient) *RedisResponseCache {
	return &RedisResponseCache{client: client}
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, "aicache:"+key)
	if err == nil {
		return v, true, nil
	}
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return "", false, core.NewDomainError("ai.ResponseCache.Get", core.KindTransient, err)
}

func (c *RedisResponseCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, "aicache:"+key, value, ttl); err != nil {
		return core.NewDomainError("ai.ResponseCache.Set", core.KindTransient, err)
	}
	return nil
}

// MemResponseCache is an in-process ResponseCache for tests and for
// running the adapter without Redis configured.
type MemResponseCache struct {
	mu      sync.Mutex
	entries map[string]memCacheEntry
	clock   core.Clock
}

type memCacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemResponseCache builds an empty cache. A nil clock uses wall time.
func NewMemResponseCache(clock core.Clock) *MemResponseCache {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &MemResponseCache{entries: map[string]memCacheEntry{}, clock: clock}
}

func (c *MemResponseCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemResponseCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memCacheEntry{value: value, expiresAt: c.clock.Now().Add(ttl)}
	return nil
}
