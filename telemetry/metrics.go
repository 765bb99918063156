package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments caches OpenTelemetry metric instruments by name so
// callers can record a metric without managing instrument lifecycle
// themselves, adapted from the teacher's telemetry.MetricInstruments.
type MetricInstruments struct {
	meter          metric.Meter
	counters       map[string]metric.Int64Counter
	floatCounters  map[string]metric.Float64Counter
	upDownCounters map[string]metric.Int64UpDownCounter
	histograms     map[string]metric.Float64Histogram
	gauges         map[string]gaugeCallback
	mu             sync.RWMutex
}

type gaugeCallback struct {
	registration metric.Registration
	callback     metric.Callback
	gauge        metric.Float64ObservableGauge
}

// NewMetricInstruments creates an instrument cache against meterName.
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:          otel.Meter(meterName),
		counters:       make(map[string]metric.Int64Counter),
		floatCounters:  make(map[string]metric.Float64Counter),
		upDownCounters: make(map[string]metric.Int64UpDownCounter),
		histograms:     make(map[string]metric.Float64Histogram),
		gauges:         make(map[string]gaugeCallback),
	}
}

// RecordCounter increments a counter metric.
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down, e.g. the
// follow-up queue's current depth.
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.upDownCounters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.upDownCounters[name]; !exists {
			var err error
			counter, err = m.meter.Int64UpDownCounter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create up-down counter %s: %w", name, err)
			}
			m.upDownCounters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution, e.g. SLA evaluation
// latency or AI response time.
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an observable gauge with a callback, e.g. the
// resilience registry's open-circuit count.
func (m *MetricInstruments) RegisterGauge(name string, callback metric.Callback, opts ...metric.Float64ObservableGaugeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gauges[name]; exists {
		return fmt.Errorf("gauge %s already registered", name)
	}

	gauge, err := m.meter.Float64ObservableGauge(name, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}

	registration, err := m.meter.RegisterCallback(callback, gauge)
	if err != nil {
		return fmt.Errorf("failed to register callback for gauge %s: %w", name, err)
	}

	m.gauges[name] = gaugeCallback{registration: registration, callback: callback, gauge: gauge}
	return nil
}

// UnregisterGauge removes a previously registered gauge callback.
func (m *MetricInstruments) UnregisterGauge(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gauge, exists := m.gauges[name]
	if !exists {
		return fmt.Errorf("gauge %s not found", name)
	}
	if err := gauge.registration.Unregister(); err != nil {
		return fmt.Errorf("failed to unregister gauge %s: %w", name, err)
	}
	delete(m.gauges, name)
	return nil
}

// Shutdown unregisters all gauge callbacks.
func (m *MetricInstruments) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, gauge := range m.gauges {
		if err := gauge.registration.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister gauge %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// RecordDuration records a duration in milliseconds as a histogram.
func (m *MetricInstruments) RecordDuration(ctx context.Context, name string, milliseconds float64, opts ...metric.RecordOption) error {
	return m.RecordHistogram(ctx, name, milliseconds, opts...)
}

// RecordError increments an error counter tagged with error type.
func (m *MetricInstruments) RecordError(ctx context.Context, name string, errorType string) error {
	return m.RecordCounter(ctx, name, 1, metric.WithAttributes(attribute.String("error.type", errorType)))
}

// RecordSuccess increments a success counter.
func (m *MetricInstruments) RecordSuccess(ctx context.Context, name string) error {
	return m.RecordCounter(ctx, name, 1, metric.WithAttributes(attribute.String("status", "success")))
}

// Metric name constants for the spans and counters spec.md §9 expects
// around ingestion, SLA evaluation, and AI calls. Replaces the teacher's
// generic agent.* metric names with this domain's vocabulary.
const (
	MetricIngestEventDuration  = "ingestion.ingest_event.duration"
	MetricIngestEventTotal     = "ingestion.ingest_event.total"
	MetricIngestEventErrors    = "ingestion.ingest_event.errors"
	MetricFollowUpQueueDepth   = "ingestion.followup_queue.depth"
	MetricFollowUpQueueDropped = "ingestion.followup_queue.dropped"

	MetricSLAEvaluateDuration = "sla.evaluate.duration"
	MetricSLABreachesTotal    = "sla.breaches.total"

	MetricExceptionTransitions = "exceptionstore.transitions.total"
	MetricResolutionAttempts   = "resolution.attempts.total"
	MetricResolutionSuccesses  = "resolution.successes.total"

	MetricAIRequestDuration = "ai.request.duration"
	MetricAIPromptTokens    = "ai.request.prompt_tokens"
	MetricAICompletionTokens = "ai.request.completion_tokens"
	MetricAICacheHits        = "ai.cache.hits"
	MetricAICacheMisses      = "ai.cache.misses"
	MetricAIBudgetExhausted  = "ai.budget.exhausted"

	MetricDLQEnqueued = "dlq.enqueued.total"
	MetricDLQReplayed = "dlq.replayed.total"
	MetricDLQFailed   = "dlq.failed.total"

	MetricCircuitBreakerOpen     = "resilience.circuit_breaker.open"
	MetricCircuitBreakerRejected = "resilience.circuit_breaker.rejected"
)
