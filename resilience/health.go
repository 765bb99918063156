package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/octup/fulfillment-core/core"
)

// Probe checks one dependency's liveness and reports a HealthResult.
// Database, Redis, and AI Adapter each register a Probe.
type Probe func(ctx context.Context) core.HealthResult

// HealthRegistry runs named probes and caches their results briefly,
// generalized from the teacher's single-subsystem telemetry.Health
// snapshot into a registry of arbitrary dependencies, per spec.md §4.9.
type HealthRegistry struct {
	mu        sync.RWMutex
	probes    map[string]Probe
	critical  map[string]bool
	results   map[string]core.HealthResult
	cacheTTL  time.Duration
	breakers  *Registry
}

// NewHealthRegistry builds a registry caching probe results for cacheTTL
// and consulting breakers for the "no circuit open" clause of overall
// health.
func NewHealthRegistry(cacheTTL time.Duration, breakers *Registry) *HealthRegistry {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &HealthRegistry{
		probes:   make(map[string]Probe),
		critical: make(map[string]bool),
		results:  make(map[string]core.HealthResult),
		cacheTTL: cacheTTL,
		breakers: breakers,
	}
}

// Register adds a named probe. critical marks it as required for overall
// health (database and redis are critical; a best-effort dependency need
// not be).
func (h *HealthRegistry) Register(name string, critical bool, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
	h.critical[name] = critical
}

// Check runs (or returns the cached result for) the named probe.
func (h *HealthRegistry) Check(ctx context.Context, name string) core.HealthResult {
	h.mu.RLock()
	cached, ok := h.results[name]
	probe, hasProbe := h.probes[name]
	h.mu.RUnlock()

	if ok && time.Since(cached.LastCheck) < h.cacheTTL {
		return cached
	}
	if !hasProbe {
		return core.HealthResult{Status: core.HealthUnhealthy, ErrorMessage: "no probe registered", LastCheck: time.Now()}
	}

	start := time.Now()
	result := probe(ctx)
	result.ResponseTime = time.Since(start)
	result.LastCheck = time.Now()

	h.mu.Lock()
	h.results[name] = result
	h.mu.Unlock()
	return result
}

// CheckAll runs every registered probe and returns results keyed by name.
func (h *HealthRegistry) CheckAll(ctx context.Context) map[string]core.HealthResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	h.mu.RUnlock()

	out := make(map[string]core.HealthResult, len(names))
	for _, name := range names {
		out[name] = h.Check(ctx, name)
	}
	return out
}

// Overall implements spec.md §4.9: "healthy iff all critical services
// healthy and no circuit open."
func (h *HealthRegistry) Overall(ctx context.Context) core.HealthState {
	results := h.CheckAll(ctx)

	h.mu.RLock()
	critical := make(map[string]bool, len(h.critical))
	for k, v := range h.critical {
		critical[k] = v
	}
	h.mu.RUnlock()

	if h.breakers != nil && h.breakers.AnyOpen() {
		return core.HealthDegraded
	}

	degraded := false
	for name, result := range results {
		if critical[name] && result.Status == core.HealthUnhealthy {
			return core.HealthUnhealthy
		}
		if result.Status != core.HealthHealthy {
			degraded = true
		}
	}
	if degraded {
		return core.HealthDegraded
	}
	return core.HealthHealthy
}
