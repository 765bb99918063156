// Package idempotency implements the short-TTL processed-marker cache
// and exclusive in-flight lock described in spec.md §3/§4.1: the
// "(tenant, source, event_id) -> processed-marker" record with a 24h
// default TTL, and a separate 5s exclusive lock under a "lock:" prefix.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/octup/fulfillment-core/core"
)

// DefaultProcessedTTL and DefaultLockTTL mirror spec.md §3's defaults.
const (
	DefaultProcessedTTL = 24 * time.Hour
	DefaultLockTTL      = 5 * time.Second
)

// Cache is the idempotency boundary the Ingestion Orchestrator consults
// before persisting an event, spec.md §4.1 steps 2 and 8.
type Cache interface {
	// AcquireLock attempts the short-TTL exclusive lock for key. false
	// means another goroutine/process is already processing this event;
	// the caller returns status=duplicate_in_flight.
	AcquireLock(ctx context.Context, key string) (bool, error)
	// ReleaseLock releases a previously acquired lock. Safe to call even
	// if the lock already expired.
	ReleaseLock(ctx context.Context, key string) error
	// IsProcessed reports whether key already carries a processed marker.
	IsProcessed(ctx context.Context, key string) (bool, error)
	// MarkProcessed writes the processed marker with DefaultProcessedTTL.
	MarkProcessed(ctx context.Context, key string) error
}

// Key builds the canonical idempotency key for an event, per spec.md
// §3's "(tenant, source, event_id) is unique" invariant.
func Key(tenant, source, eventID string) string {
	return tenant + ":" + source + ":" + eventID
}

// RedisCache is the production Cache, built on the shared
// core.RedisClient (database RedisDBIdempotency, see core/redis_client.go).
type RedisCache struct {
	client      *core.RedisClient
	processedTTL time.Duration
	lockTTL     time.Duration
}

// NewRedisCache wires a Cache on top of an already-connected RedisClient.
func NewRedisCache(client *core.RedisClient, processedTTL, lockTTL time.Duration) *RedisCache {
	if processedTTL <= 0 {
		processedTTL = DefaultProcessedTTL
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisCache{client: client, processedTTL: processedTTL, lockTTL: lockTTL}
}

func (c *RedisCache) AcquireLock(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, "lock:"+key, "1", c.lockTTL)
	if err != nil {
		return false, core.NewDomainError("idempotency.AcquireLock", core.KindTransient, err)
	}
	return ok, nil
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, "lock:"+key); err != nil {
		return core.NewDomainError("idempotency.ReleaseLock", core.KindTransient, err)
	}
	return nil
}

func (c *RedisCache) IsProcessed(ctx context.Context, key string) (bool, error) {
	_, err := c.client.Get(ctx, "processed:"+key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, core.NewDomainError("idempotency.IsProcessed", core.KindTransient, err)
}

func (c *RedisCache) MarkProcessed(ctx context.Context, key string) error {
	if err := c.client.Set(ctx, "processed:"+key, "1", c.processedTTL); err != nil {
		return core.NewDomainError("idempotency.MarkProcessed", core.KindTransient, err)
	}
	return nil
}

// MemCache is an in-process Cache for tests and local-dev without Redis.
// Lock and processed-marker TTLs are honored via wall-clock expiry
// checked on access, not a background sweeper.
type MemCache struct {
	mu        sync.Mutex
	locks     map[string]time.Time // key -> expiry
	processed map[string]time.Time
	processedTTL time.Duration
	lockTTL   time.Duration
	clock     core.Clock
}

// NewMemCache builds an empty MemCache. A nil clock defaults to
// core.SystemClock.
func NewMemCache(clock core.Clock, processedTTL, lockTTL time.Duration) *MemCache {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if processedTTL <= 0 {
		processedTTL = DefaultProcessedTTL
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &MemCache{
		locks:        make(map[string]time.Time),
		processed:    make(map[string]time.Time),
		processedTTL: processedTTL,
		lockTTL:      lockTTL,
		clock:        clock,
	}
}

func (c *MemCache) AcquireLock(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if expiry, ok := c.locks[key]; ok && now.Before(expiry) {
		return false, nil
	}
	c.locks[key] = now.Add(c.lockTTL)
	return true, nil
}

func (c *MemCache) ReleaseLock(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

func (c *MemCache) IsProcessed(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.processed[key]
	if !ok {
		return false, nil
	}
	if c.clock.Now().After(expiry) {
		delete(c.processed, key)
		return false, nil
	}
	return true, nil
}

func (c *MemCache) MarkProcessed(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed[key] = c.clock.Now().Add(c.processedTTL)
	return nil
}
