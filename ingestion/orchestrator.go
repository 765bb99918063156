// Package ingestion implements the Ingestion Orchestrator, spec.md
// §4.1: the single entry point that validates, deduplicates, persists,
// and fans out every inbound order event to the SLA Engine, the Order
// Analyzer, and asynchronous AI follow-up work.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octup/fulfillment-core/analyzer"
	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/dlq"
	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/exceptionstore"
	"github.com/octup/fulfillment-core/idempotency"
	"github.com/octup/fulfillment-core/resolution"
)

// EventStore is the narrow eventstore.Store surface the orchestrator
// needs; kept local so tests can supply a minimal fake.
type EventStore interface {
	Append(ctx context.Context, event *domain.OrderEvent) error
	Timeline(ctx context.Context, tenant, orderID string) ([]domain.OrderEvent, error)
	// AppendBatch persists a set of events in one transaction, ignoring
	// per-row unique-index conflicts, for IngestBatch's bulk path.
	AppendBatch(ctx context.Context, events []*domain.OrderEvent) error
}

// PolicyProvider is the narrow policystore.Store surface the
// orchestrator needs for SLA evaluation and reason-code metadata.
type PolicyProvider interface {
	SLAPolicy(ctx context.Context, tenant string) (domain.SLAPolicy, error)
	ReasonCodeMeta(code domain.ReasonCode) (domain.ReasonCodeMeta, bool)
}

// SLAEvaluator is satisfied by *sla.Engine.
type SLAEvaluator interface {
	Evaluate(events []domain.OrderEvent, policy domain.SLAPolicy) []domain.Breach
}

// ProblemAnalyzer is satisfied by *analyzer.OrderAnalyzer.
type ProblemAnalyzer interface {
	Analyze(ctx context.Context, tenant string, rawOrder map[string]interface{}) ([]analyzer.Descriptor, error)
}

// Classification is the AI Adapter's ClassifyException result, spec.md
// §4.3 "AI classification". Defined here (rather than imported from
// ai) because ingestion only needs this narrow shape and ai in turn
// depends on resolution/analyzer, not on ingestion.
type Classification struct {
	Label       string
	Confidence  float64
	OpsNote     string
	ClientNote  string
}

// Classifier is the classification surface the orchestrator calls.
// *ai.Adapter returns ai.Classification rather than this package's
// Classification, so it is wired in through a thin adapter that maps one
// onto the other.
type Classifier interface {
	ClassifyException(ctx context.Context, tenant string, exception domain.Exception, rawContext map[string]interface{}) (Classification, error)
}

// ResolutionAttempter is satisfied by *resolution.Engine.
type ResolutionAttempter interface {
	AttemptResolution(ctx context.Context, exception *domain.Exception, rawOrderData map[string]interface{}) (resolution.Outcome, error)
}

// reasonCodeTemplates is the rule-based fallback used when the AI
// Adapter is unavailable or AI_MODE=fallback, spec.md §4.3.
var reasonCodeTemplates = map[domain.ReasonCode]struct{ OpsNote, ClientNote string }{
	domain.ReasonPickDelay:           {"[Rules] Pick stage exceeded SLA threshold.", "Your order is being prepared; it is taking slightly longer than usual."},
	domain.ReasonPackDelay:           {"[Rules] Pack stage exceeded SLA threshold.", "Your order is being packed; it is taking slightly longer than usual."},
	domain.ReasonCarrierIssue:        {"[Rules] Carrier reported an issue with this shipment.", "There is a delay with your carrier; we are monitoring it."},
	domain.ReasonMissingScan:         {"[Rules] Expected tracking scan did not arrive in time.", "We are confirming the latest status of your shipment."},
	domain.ReasonStockMismatch:       {"[Rules] Inventory count mismatch detected for this order.", "We are verifying item availability for your order."},
	domain.ReasonAddressError:        {"[Rules] Shipping address failed validation.", "We need to confirm your shipping address."},
	domain.ReasonSystemError:         {"[Rules] An internal system error was detected on this order.", "We are looking into an issue with your order."},
	domain.ReasonDeliveryDelay:       {"[Rules] Delivery exceeded the expected window.", "Your delivery is taking longer than expected."},
	domain.ReasonAddressInvalid:      {"[Rules] Shipping address is invalid.", "We need updated delivery details for your order."},
	domain.ReasonPaymentFailed:       {"[Rules] Payment capture failed for this order.", "There was an issue processing payment for your order."},
	domain.ReasonInventoryShortage:   {"[Rules] Insufficient inventory to fulfill this order.", "We are checking stock availability for your order."},
	domain.ReasonDamagedPackage:      {"[Rules] Package reported as damaged.", "We're sorry, part of your order arrived damaged."},
	domain.ReasonCustomerUnavailable: {"[Rules] Delivery attempts exhausted; customer unavailable.", "We were unable to deliver your package; please contact support."},
	domain.ReasonOther:               {"[Rules] Exception requires manual triage.", "We are reviewing an issue with your order."},
}

func ruleBasedClassification(code domain.ReasonCode) (opsNote, clientNote string) {
	t, ok := reasonCodeTemplates[code]
	if !ok {
		return "[Rules] Exception requires manual triage.", "We are reviewing an issue with your order."
	}
	return t.OpsNote, t.ClientNote
}

const (
	opsNoteMaxLen    = 2000
	clientNoteMaxLen = 1000
)

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Orchestrator wires together every component spec.md §4.1 names. All
// fields besides the required stores are optional; a nil Classifier,
// ProblemAnalyzer, or ResolutionAttempter degrades gracefully to
// rule-based behavior, matching the fallback-everywhere design the
// teacher's resilience kernel also follows.
type Orchestrator struct {
	Events       EventStore
	Idempotency  idempotency.Cache
	Exceptions   exceptionstore.Store
	Policies     PolicyProvider
	SLA          SLAEvaluator
	OrderAnalyzer ProblemAnalyzer
	Classifier   Classifier
	Resolver     ResolutionAttempter
	DLQ          dlq.Store
	FollowUps    *FollowUpQueue
	Validator    *SchemaValidator
	Logger       core.Logger
	Clock        core.Clock
	AIMode       string // "full", "fallback", "smart" — spec.md §6 AI_MODE
	AIMinConfidence float64
	// BatchWorkerCount bounds IngestBatch's per-order fan-out
	// concurrency, spec.md §4.1 "bounded by a worker pool". Defaults to
	// DefaultBatchWorkerCount.
	BatchWorkerCount int
}

// DefaultBatchWorkerCount bounds IngestBatch's concurrent per-order
// fan-out when BatchWorkerCount is unset.
const DefaultBatchWorkerCount = 8

// NewOrchestrator builds an Orchestrator. Callers must call Start to
// spin up the follow-up worker pool before IngestEvent enqueues work.
func NewOrchestrator(o Orchestrator) *Orchestrator {
	if o.Logger == nil {
		o.Logger = core.NoOpLogger{}
	}
	if o.Clock == nil {
		o.Clock = core.SystemClock{}
	}
	if o.AIMode == "" {
		o.AIMode = "smart"
	}
	if o.AIMinConfidence == 0 {
		o.AIMinConfidence = 0.55
	}
	if o.BatchWorkerCount <= 0 {
		o.BatchWorkerCount = DefaultBatchWorkerCount
	}
	oc := o
	return &oc
}

// Start wires the follow-up queue's handler to this orchestrator's
// classification/resolution logic and starts its worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.FollowUps == nil {
		o.FollowUps = NewFollowUpQueue(DefaultQueueCapacity, DefaultWorkerCount, o.handleFollowUp, o.Logger)
	}
	o.FollowUps.Start(ctx)
}

// IngestEvent runs the eight-step pipeline from spec.md §4.1.
func (o *Orchestrator) IngestEvent(ctx context.Context, tenant string, req EventRequest) (IngestResult, error) {
	correlationID := uuid.NewString()
	now := o.Clock.Now()

	// Step 1: schema validation.
	raw, err := DecodeRaw(req)
	if err != nil {
		return IngestResult{}, core.NewDomainError("ingestion.IngestEvent", core.KindValidation, fmt.Errorf("%w: %v", core.ErrValidation, err))
	}
	if err := o.Validator.Validate(req.Source, raw); err != nil {
		return IngestResult{}, err
	}

	// Step 2: idempotency lock + processed check.
	key := idempotency.Key(tenant, string(req.Source), req.EventID)
	acquired, err := o.Idempotency.AcquireLock(ctx, key)
	if err != nil {
		return o.toDLQ(ctx, tenant, req, correlationID, dlq.SourceIngestEvent, err)
	}
	if !acquired {
		return IngestResult{OK: true, Status: StatusDuplicateInFlight, EventID: req.EventID, OrderID: req.OrderID,
			ProcessedAt: now, CorrelationID: correlationID}, nil
	}
	defer o.Idempotency.ReleaseLock(ctx, key)

	processed, err := o.Idempotency.IsProcessed(ctx, key)
	if err != nil {
		return o.toDLQ(ctx, tenant, req, correlationID, dlq.SourceIngestEvent, err)
	}
	if processed {
		return IngestResult{OK: true, Status: StatusDuplicate, EventID: req.EventID, OrderID: req.OrderID,
			ProcessedAt: now, CorrelationID: correlationID}, nil
	}

	// Step 3: persist OrderEvent. A unique-index violation means the
	// database, not the cache, caught the duplicate: mark processed and
	// report duplicate rather than erroring.
	event := &domain.OrderEvent{
		Tenant:        tenant,
		Source:        req.Source,
		EventType:     req.EventType,
		EventID:       req.EventID,
		OrderID:       req.OrderID,
		OccurredAt:    req.OccurredAt,
		Payload:       req.Payload,
		CorrelationID: correlationID,
	}
	if err := o.Events.Append(ctx, event); err != nil {
		if core.IsDuplicate(err) {
			_ = o.Idempotency.MarkProcessed(ctx, key)
			return IngestResult{OK: true, Status: StatusDuplicate, EventID: req.EventID, OrderID: req.OrderID,
				ProcessedAt: now, CorrelationID: correlationID}, nil
		}
		return o.toDLQ(ctx, tenant, req, correlationID, dlq.SourceIngestEvent, err)
	}

	exceptionIDs, err := o.evaluateAndUpsert(ctx, tenant, req, correlationID, now)
	if err != nil {
		// Event is already durably persisted; downstream analysis failure
		// goes to the DLQ but ingestion itself is reported successful.
		o.enqueueDLQ(ctx, tenant, req, correlationID, dlq.SourceSLAEvaluation, err)
		if err := o.Idempotency.MarkProcessed(ctx, key); err != nil {
			o.Logger.ErrorWithContext(ctx, "failed to mark idempotency processed", map[string]interface{}{"error": err.Error()})
		}
		return IngestResult{OK: true, Status: StatusAcceptedWithErrors, EventID: req.EventID, OrderID: req.OrderID,
			ProcessedAt: now, CorrelationID: correlationID}, nil
	}

	// Step 8: mark processed, release lock (deferred above).
	if err := o.Idempotency.MarkProcessed(ctx, key); err != nil {
		return o.toDLQ(ctx, tenant, req, correlationID, dlq.SourceIngestEvent, err)
	}

	return IngestResult{
		OK: true, Status: StatusProcessed, EventID: req.EventID, OrderID: req.OrderID,
		ProcessedAt: now, ExceptionCreated: len(exceptionIDs) > 0, ExceptionIDs: exceptionIDs,
		CorrelationID: correlationID,
	}, nil
}

// IngestBatch runs the bulk path from spec.md §4.1 "IngestBatch":
// validate every event, de-duplicate within the batch, bulk-insert with
// ignore-on-conflict semantics in a single transaction, then fan out
// steps 4-7 (order analysis, SLA evaluation, exception upsert, follow-up
// enqueue) concurrently per accepted event, bounded by BatchWorkerCount;
// events of the same order are not grouped and may run concurrently. The bulk
// insert is the batch's one commit: a transaction-level failure there
// rolls back and is returned as an error, since nothing in the batch was
// durably persisted. Once events are persisted, a single event's step
// 4-7 failure is recorded to the DLQ and the rest of the batch
// continues — it never rolls back an already-committed insert.
func (o *Orchestrator) IngestBatch(ctx context.Context, tenant string, req BatchRequest) (BatchResult, error) {
	start := o.Clock.Now()
	correlationID := uuid.NewString()
	if req.BatchID != "" {
		correlationID = req.BatchID
	}

	accepted, rejected := o.validateAndDedupeBatch(req.Events)

	if len(accepted) == 0 {
		return BatchResult{
			ProcessedCount:   0,
			Status:           "processed",
			Message:          fmt.Sprintf("%d of %d events rejected schema validation or were duplicates within the batch", rejected, len(req.Events)),
			ProcessingTimeMs: o.Clock.Now().Sub(start).Milliseconds(),
		}, nil
	}

	events := make([]*domain.OrderEvent, len(accepted))
	for i, a := range accepted {
		a.event.Tenant = tenant
		a.event.CorrelationID = correlationID
		events[i] = a.event
	}

	// Single commit per batch: one bulk insert, ignore-on-conflict.
	if err := o.Events.AppendBatch(ctx, events); err != nil {
		return BatchResult{}, core.NewDomainError("ingestion.IngestBatch", core.KindTransient, err)
	}

	eventIDs, processedCount := o.fanOutBatch(ctx, tenant, accepted, correlationID)

	message := ""
	if rejected > 0 {
		message = fmt.Sprintf("%d events rejected schema validation or were duplicates within the batch", rejected)
	}

	return BatchResult{
		ProcessedCount:   processedCount,
		EventIDs:         eventIDs,
		Status:           "processed",
		Message:          message,
		ProcessingTimeMs: o.Clock.Now().Sub(start).Milliseconds(),
	}, nil
}

// acceptedBatchEvent pairs a validated EventRequest with the
// domain.OrderEvent built from it, so fanOutBatch can run steps 4-7
// against the original request without re-decoding it.
type acceptedBatchEvent struct {
	req   EventRequest
	event *domain.OrderEvent
}

// validateAndDedupeBatch runs schema validation and within-batch
// de-duplication on (source, event_id), spec.md §4.1 "Validates all,
// de-duplicates within the batch". Invalid events are dropped silently
// from the batch (validation failures are never DLQ'd, spec.md §7);
// rejected counts both invalid and in-batch-duplicate events.
func (o *Orchestrator) validateAndDedupeBatch(reqs []EventRequest) ([]acceptedBatchEvent, int) {
	seen := make(map[string]bool, len(reqs))
	var accepted []acceptedBatchEvent
	rejected := 0

	for _, evReq := range reqs {
		raw, err := DecodeRaw(evReq)
		if err != nil {
			rejected++
			continue
		}
		if err := o.Validator.Validate(evReq.Source, raw); err != nil {
			rejected++
			continue
		}

		key := string(evReq.Source) + "|" + evReq.EventID
		if seen[key] {
			rejected++
			continue
		}
		seen[key] = true

		accepted = append(accepted, acceptedBatchEvent{
			req: evReq,
			event: &domain.OrderEvent{
				Source:     evReq.Source,
				EventType:  evReq.EventType,
				EventID:    evReq.EventID,
				OrderID:    evReq.OrderID,
				OccurredAt: evReq.OccurredAt,
				Payload:    evReq.Payload,
			},
		})
	}
	return accepted, rejected
}

// fanOutBatch runs steps 4-7 for every accepted event concurrently,
// bounded by o.BatchWorkerCount. A per-item failure is recorded to the
// DLQ (source_operation=sla_evaluation) and does not stop the rest of
// the batch, matching IngestEvent's accepted_with_errors behavior.
func (o *Orchestrator) fanOutBatch(ctx context.Context, tenant string, accepted []acceptedBatchEvent, correlationID string) ([]string, int) {
	sem := make(chan struct{}, o.BatchWorkerCount)
	var wg sync.WaitGroup
	var mu sync.Mutex
	eventIDs := make([]string, 0, len(accepted))
	processedCount := 0

	for _, a := range accepted {
		wg.Add(1)
		sem <- struct{}{}
		go func(a acceptedBatchEvent) {
			defer wg.Done()
			defer func() { <-sem }()

			now := o.Clock.Now()
			if _, err := o.evaluateAndUpsert(ctx, tenant, a.req, correlationID, now); err != nil {
				o.enqueueDLQ(ctx, tenant, a.req, correlationID, dlq.SourceSLAEvaluation, err)
			}

			key := idempotency.Key(tenant, string(a.req.Source), a.req.EventID)
			if err := o.Idempotency.MarkProcessed(ctx, key); err != nil {
				o.Logger.WarnWithContext(ctx, "batch: failed to mark idempotency processed", map[string]interface{}{"error": err.Error()})
			}

			mu.Lock()
			eventIDs = append(eventIDs, a.req.EventID)
			processedCount++
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return eventIDs, processedCount
}

// evaluateAndUpsert runs steps 4-7: Order Analyzer (for embedded order
// documents), SLA Engine, Exception upsert, and async follow-up
// enqueueing.
func (o *Orchestrator) evaluateAndUpsert(ctx context.Context, tenant string, req EventRequest, correlationID string, now time.Time) ([]string, error) {
	var descriptors []struct {
		ReasonCode  domain.ReasonCode
		Severity    domain.Severity
		ContextData map[string]interface{}
	}

	// Step 4: Order Analyzer for storefront order_paid events carrying an
	// embedded order document.
	if req.Source == domain.SourceShopify && req.EventType == "order_paid" && o.OrderAnalyzer != nil && req.Payload != nil {
		found, err := o.OrderAnalyzer.Analyze(ctx, tenant, req.Payload)
		if err != nil {
			o.Logger.WarnWithContext(ctx, "order analyzer failed", map[string]interface{}{"error": err.Error()})
		}
		for _, d := range found {
			descriptors = append(descriptors, struct {
				ReasonCode  domain.ReasonCode
				Severity    domain.Severity
				ContextData map[string]interface{}
			}{d.ReasonCode, d.Severity, d.ContextData})
		}
	}

	// Step 5: SLA Engine over the full order timeline.
	policy, err := o.Policies.SLAPolicy(ctx, tenant)
	if err != nil {
		return nil, err
	}
	timeline, err := o.Events.Timeline(ctx, tenant, req.OrderID)
	if err != nil {
		return nil, err
	}
	for _, breach := range o.SLA.Evaluate(timeline, policy) {
		severity := domain.SeverityMedium
		if meta, ok := o.Policies.ReasonCodeMeta(breach.ReasonCode); ok {
			severity = meta.DefaultSeverity
		}
		descriptors = append(descriptors, struct {
			ReasonCode  domain.ReasonCode
			Severity    domain.Severity
			ContextData map[string]interface{}
		}{breach.ReasonCode, severity, map[string]interface{}{
			"delay_minutes":  breach.DelayMinutes,
			"actual_minutes": breach.ActualMinutes,
			"sla_minutes":    breach.SLAMinutes,
			"anchor_event":   breach.AnchorEvent,
			"terminal_event": breach.TerminalEvent,
		}})
	}

	// Step 6: upsert exceptions; step 7: enqueue follow-up work.
	var exceptionIDs []string
	for _, d := range descriptors {
		exception, _, err := o.Exceptions.UpsertOpen(ctx, tenant, req.OrderID, d.ReasonCode, d.Severity, d.ContextData, correlationID)
		if err != nil {
			return exceptionIDs, err
		}
		exceptionIDs = append(exceptionIDs, exception.ID)
		o.enqueueFollowUps(tenant, exception, req.Payload)
	}

	return exceptionIDs, nil
}

// enqueueFollowUps enqueues async AI classification, and for
// auto-resolve-eligible reason codes, automated-resolution analysis,
// per spec.md §4.1 step 7.
func (o *Orchestrator) enqueueFollowUps(tenant string, exception *domain.Exception, rawOrderData map[string]interface{}) {
	if o.FollowUps == nil {
		return
	}
	o.FollowUps.TrySend(FollowUpTask{
		ID:           uuid.NewString(),
		Kind:         FollowUpClassify,
		Tenant:       tenant,
		OrderID:      exception.OrderID,
		ExceptionID:  exception.ID,
		ReasonCode:   exception.ReasonCode,
		RawOrderData: rawOrderData,
		EnqueuedAt:   o.Clock.Now(),
	})

	eligible := false
	if meta, ok := o.Policies.ReasonCodeMeta(exception.ReasonCode); ok {
		eligible = meta.AutoResolveEligible
	}
	if eligible && o.Resolver != nil {
		o.FollowUps.TrySend(FollowUpTask{
			ID:           uuid.NewString(),
			Kind:         FollowUpResolve,
			Tenant:       tenant,
			OrderID:      exception.OrderID,
			ExceptionID:  exception.ID,
			ReasonCode:   exception.ReasonCode,
			RawOrderData: rawOrderData,
			EnqueuedAt:   o.Clock.Now(),
		})
	}
}

// handleFollowUp is the FollowUpQueue's handler, dispatching on Kind.
func (o *Orchestrator) handleFollowUp(ctx context.Context, task FollowUpTask) {
	switch task.Kind {
	case FollowUpClassify:
		o.processClassification(ctx, task)
	case FollowUpResolve:
		o.processResolution(ctx, task)
	default:
		o.Logger.Warn("unknown follow-up task kind", map[string]interface{}{"kind": string(task.Kind)})
	}
}

// processClassification implements spec.md §4.3's AI classification
// gate: AI_MODE=fallback bypasses AI entirely; AI_MODE=full requires an
// AI result (failures propagate to the DLQ); AI_MODE=smart (default)
// uses AI when available and confident, rule-based otherwise.
func (o *Orchestrator) processClassification(ctx context.Context, task FollowUpTask) {
	exception, err := o.Exceptions.Get(ctx, task.Tenant, task.ExceptionID)
	if err != nil {
		o.Logger.ErrorWithContext(ctx, "follow-up classify: exception lookup failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if o.AIMode != "fallback" && o.Classifier != nil {
		result, err := o.Classifier.ClassifyException(ctx, task.Tenant, *exception, task.RawOrderData)
		if err == nil && result.Confidence >= o.AIMinConfidence {
			conf := result.Confidence
			_, err := o.Exceptions.ApplyAIClassification(ctx, task.Tenant, task.ExceptionID, result.Label,
				&conf, truncate(result.OpsNote, opsNoteMaxLen), truncate(result.ClientNote, clientNoteMaxLen))
			if err != nil {
				o.Logger.ErrorWithContext(ctx, "follow-up classify: apply AI classification failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if o.AIMode == "full" {
			o.Logger.ErrorWithContext(ctx, "AI_MODE=full but AI classification unavailable", map[string]interface{}{
				"exception_id": task.ExceptionID, "error": errString(err),
			})
			o.enqueueDLQForFollowUp(ctx, task, dlq.SourceAIAnalysis, errors.New("AI_MODE=full: classification unavailable"))
			return
		}
	}

	opsNote, clientNote := ruleBasedClassification(task.ReasonCode)
	if _, err := o.Exceptions.ApplyAIClassification(ctx, task.Tenant, task.ExceptionID, string(task.ReasonCode), nil,
		opsNote, clientNote); err != nil {
		o.Logger.ErrorWithContext(ctx, "follow-up classify: rule-based fallback failed", map[string]interface{}{"error": err.Error()})
	}
}

func (o *Orchestrator) processResolution(ctx context.Context, task FollowUpTask) {
	if o.Resolver == nil {
		return
	}
	exception, err := o.Exceptions.Get(ctx, task.Tenant, task.ExceptionID)
	if err != nil {
		o.Logger.ErrorWithContext(ctx, "follow-up resolve: exception lookup failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := o.Resolver.AttemptResolution(ctx, exception, task.RawOrderData); err != nil {
		if !core.IsBusinessRuleConflict(err) {
			o.enqueueDLQForFollowUp(ctx, task, dlq.SourceAIAnalysis, err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// toDLQ enqueues a failed ingest_event to the DLQ and returns the
// accepted_with_errors result, spec.md §4.1 "Any failure after step 3".
func (o *Orchestrator) toDLQ(ctx context.Context, tenant string, req EventRequest, correlationID, sourceOperation string, cause error) (IngestResult, error) {
	o.enqueueDLQ(ctx, tenant, req, correlationID, sourceOperation, cause)
	return IngestResult{OK: true, Status: StatusAcceptedWithErrors, EventID: req.EventID, OrderID: req.OrderID,
		ProcessedAt: o.Clock.Now(), CorrelationID: correlationID}, nil
}

func (o *Orchestrator) enqueueDLQ(ctx context.Context, tenant string, req EventRequest, correlationID, sourceOperation string, cause error) {
	if o.DLQ == nil {
		o.Logger.ErrorWithContext(ctx, "no DLQ store configured, dropping failed item", map[string]interface{}{"error": cause.Error()})
		return
	}
	payload, err := DecodeRaw(req)
	var raw []byte
	if err == nil {
		raw, _ = dlqPayload(payload)
	}
	item := &domain.DLQItem{
		Tenant:          tenant,
		Payload:         raw,
		ErrorClass:      fmt.Sprintf("%T", cause),
		ErrorMessage:    cause.Error(),
		CorrelationID:   correlationID,
		SourceOperation: sourceOperation,
	}
	if err := o.DLQ.Enqueue(ctx, item); err != nil {
		o.Logger.ErrorWithContext(ctx, "failed to enqueue DLQ item", map[string]interface{}{"error": err.Error()})
	}
}

func (o *Orchestrator) enqueueDLQForFollowUp(ctx context.Context, task FollowUpTask, sourceOperation string, cause error) {
	if o.DLQ == nil {
		return
	}
	raw, _ := dlqPayload(task)
	item := &domain.DLQItem{
		Tenant:          task.Tenant,
		Payload:         raw,
		ErrorClass:      fmt.Sprintf("%T", cause),
		ErrorMessage:    cause.Error(),
		SourceOperation: sourceOperation,
	}
	if err := o.DLQ.Enqueue(ctx, item); err != nil {
		o.Logger.ErrorWithContext(ctx, "failed to enqueue DLQ item for follow-up", map[string]interface{}{"error": err.Error()})
	}
}

func dlqPayload(v interface{}) ([]byte, error) {
	return dlq.Payload(v)
}
