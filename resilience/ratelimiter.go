package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a sliding-window counter keyed by an arbitrary string
// (tenant id or endpoint name), generalized from the teacher's
// single-interval telemetry gate into the per-key limiter spec.md §4.9
// describes: "reject when window contains >= N requests."
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*slidingCounter
	window   time.Duration
	limit    int
}

type slidingCounter struct {
	timestamps []time.Time
}

// NewRateLimiter builds a sliding-window limiter admitting at most limit
// calls per key within window.
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*slidingCounter),
		window:  window,
		limit:   limit,
	}
}

// Allow reports whether a call for key is admitted, recording it if so.
// It returns false for the (N+1)-th call within the current window.
// Property 11: the window slides as old timestamps age out, restoring
// capacity.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c, ok := r.windows[key]
	if !ok {
		c = &slidingCounter{}
		r.windows[key] = c
	}

	cutoff := now.Add(-r.window)
	fresh := c.timestamps[:0]
	for _, ts := range c.timestamps {
		if ts.After(cutoff) {
			fresh = append(fresh, ts)
		}
	}
	c.timestamps = fresh

	if len(c.timestamps) >= r.limit {
		return false
	}
	c.timestamps = append(c.timestamps, now)
	return true
}

// TokenBucketLimiter wraps golang.org/x/time/rate for components that
// need burst tolerance rather than a strict sliding window, such as the
// DLQ replay worker (default 5/s).
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// NewTokenBucketLimiter builds a per-key token bucket admitting r events
// per second with the given burst size.
func NewTokenBucketLimiter(r rate.Limit, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets: make(map[string]*rate.Limiter),
		r:       r,
		burst:   burst,
	}
}

// Allow reports whether a token is available for key, consuming it if so.
func (t *TokenBucketLimiter) Allow(key string) bool {
	t.mu.Lock()
	limiter, ok := t.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(t.r, t.burst)
		t.buckets[key] = limiter
	}
	t.mu.Unlock()
	return limiter.Allow()
}
