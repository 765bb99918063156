package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/octup/fulfillment-core/core"
)

// Registry is the process-wide, thread-safe collection of named circuit
// breakers described in spec.md §4.9: "global registry keyed by service
// name (database, redis, ai_service)". Breakers are constructed lazily
// on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   core.Logger
	configs  map[string]*CircuitBreakerConfig
}

// Well-known service keys used throughout the module.
const (
	ServiceDatabase  = "database"
	ServiceRedis     = "redis"
	ServiceAIService = "ai_service"
)

// NewRegistry builds an empty Registry. Per-service overrides can be
// supplied via RegisterConfig before first use; services without an
// explicit config get DefaultConfig with its Name field set.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
		configs:  make(map[string]*CircuitBreakerConfig),
	}
}

// RegisterConfig installs a custom configuration for a service name,
// used before the breaker for that name is first requested. Calling it
// after Get has already constructed the breaker has no effect.
func (r *Registry) RegisterConfig(service string, config *CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[service] = config
}

// Get returns the circuit breaker for service, constructing it with
// DefaultConfig (or a registered override) on first access.
func (r *Registry) Get(service string) (*CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[service]; ok {
		return cb, nil
	}

	config := r.configs[service]
	if config == nil {
		config = DefaultConfig()
	}
	config.Name = service
	if config.Logger == nil {
		config.Logger = r.logger
	}

	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, fmt.Errorf("resilience: create circuit breaker %q: %w", service, err)
	}
	r.breakers[service] = cb
	return cb, nil
}

// AIServiceConfig returns the tuned configuration spec.md §4.6 asks for
// the ai_service breaker: opens after 5 consecutive failures, 60s sleep
// window, one half-open probe.
func AIServiceConfig() *CircuitBreakerConfig {
	cfg := DefaultConfig()
	cfg.Name = ServiceAIService
	cfg.FailureThreshold = 5
	cfg.VolumeThreshold = 5
	cfg.ErrorThreshold = 1.0 // consecutive-failure semantics via FailureThreshold, not rate
	cfg.SleepWindow = 60 * time.Second
	cfg.HalfOpenRequests = 1
	cfg.SuccessThreshold = 1.0
	return cfg
}

// Snapshot returns a point-in-time metrics dump for every constructed
// breaker, keyed by service name — used by the health registry and the
// admin system-health endpoint contract.
func (r *Registry) Snapshot() map[string]map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.GetMetrics()
	}
	return out
}

// AnyOpen reports whether any constructed breaker is currently open,
// feeding the "no circuit open" clause of spec.md §4.9's overall health
// definition.
func (r *Registry) AnyOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.breakers {
		if cb.GetState() == StateOpen.String() {
			return true
		}
	}
	return false
}
