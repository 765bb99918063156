package dlq

import (
	"context"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/resilience"
)

// Handler reprocesses one DLQItem's payload. The replay worker looks
// handlers up by SourceOperation (spec.md §4.8: ingest_event,
// ai_analysis, sla_evaluation); a payload with no registered handler is
// left PENDING and logged rather than silently dropped.
type Handler func(ctx context.Context, item domain.DLQItem) error

const (
	SourceIngestEvent   = "ingest_event"
	SourceAIAnalysis    = "ai_analysis"
	SourceSLAEvaluation = "sla_evaluation"
)

// ReplayWorker polls Store for due items and redispatches each through
// the handler registered for its SourceOperation, rate limited by a
// token bucket so a burst of due retries cannot overwhelm downstream
// dependencies it just recovered from.
type ReplayWorker struct {
	store    Store
	handlers map[string]Handler
	limiter  *resilience.TokenBucketLimiter
	logger   core.Logger
	clock    core.Clock

	batchSize    int
	pollInterval time.Duration
}

// ReplayWorkerOption configures a ReplayWorker beyond its required
// constructor arguments.
type ReplayWorkerOption func(*ReplayWorker)

// WithBatchSize caps how many due items one poll cycle claims.
func WithBatchSize(n int) ReplayWorkerOption {
	return func(w *ReplayWorker) { w.batchSize = n }
}

// WithPollInterval overrides the default 30s poll cadence.
func WithPollInterval(d time.Duration) ReplayWorkerOption {
	return func(w *ReplayWorker) { w.pollInterval = d }
}

// WithClock overrides the worker's clock, for deterministic tests.
func WithClock(c core.Clock) ReplayWorkerOption {
	return func(w *ReplayWorker) { w.clock = c }
}

// NewReplayWorker builds a worker with a 5 req/s token bucket, the
// spec.md §4.8 default replay rate.
func NewReplayWorker(store Store, handlers map[string]Handler, logger core.Logger, opts ...ReplayWorkerOption) *ReplayWorker {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	w := &ReplayWorker{
		store:        store,
		handlers:     handlers,
		limiter:      resilience.NewTokenBucketLimiter(5, 5),
		logger:       logger,
		clock:        core.SystemClock{},
		batchSize:    20,
		pollInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is canceled, replaying due items on each tick.
func (w *ReplayWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx, ""); err != nil {
				w.logger.ErrorWithContext(ctx, "dlq replay cycle failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// RunOnce claims and replays one batch of due items for tenant (all
// tenants if empty). Exposed standalone so operators can trigger a
// manual replay and tests can drive one cycle deterministically.
func (w *ReplayWorker) RunOnce(ctx context.Context, tenant string) error {
	now := w.clock.Now()
	due, err := w.store.DuePending(ctx, tenant, w.batchSize, now)
	if err != nil {
		return err
	}

	for _, item := range due {
		if !w.limiter.Allow("replay") {
			w.logger.Debug("dlq replay rate limited, deferring remainder of batch", map[string]interface{}{
				"tenant": item.Tenant,
			})
			return nil
		}
		w.replayOne(ctx, item, now)
	}
	return nil
}

func (w *ReplayWorker) replayOne(ctx context.Context, item domain.DLQItem, now time.Time) {
	handler, ok := w.handlers[item.SourceOperation]
	if !ok {
		w.logger.Warn("dlq item has no registered handler", map[string]interface{}{
			"id":               item.ID,
			"source_operation": item.SourceOperation,
		})
		return
	}

	err := handler(ctx, item)
	updated, recErr := w.store.RecordResult(ctx, item.Tenant, item.ID, err == nil, now)
	if recErr != nil {
		w.logger.ErrorWithContext(ctx, "dlq failed to record replay result", map[string]interface{}{
			"id": item.ID, "error": recErr.Error(),
		})
		return
	}

	if err != nil {
		w.logger.WarnWithContext(ctx, "dlq replay attempt failed", map[string]interface{}{
			"id": item.ID, "attempts": updated.Attempts, "status": string(updated.Status), "error": err.Error(),
		})
		return
	}
	w.logger.InfoWithContext(ctx, "dlq replay succeeded", map[string]interface{}{"id": item.ID})
}
