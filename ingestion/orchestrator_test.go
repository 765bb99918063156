package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/dlq"
	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/eventstore"
	"github.com/octup/fulfillment-core/exceptionstore"
	"github.com/octup/fulfillment-core/idempotency"
	"github.com/octup/fulfillment-core/sla"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPolicies struct {
	policy domain.SLAPolicy
	meta   map[domain.ReasonCode]domain.ReasonCodeMeta
}

func (s *stubPolicies) SLAPolicy(ctx context.Context, tenant string) (domain.SLAPolicy, error) {
	return s.policy, nil
}

func (s *stubPolicies) ReasonCodeMeta(code domain.ReasonCode) (domain.ReasonCodeMeta, bool) {
	m, ok := s.meta[code]
	return m, ok
}

func pickDelayPolicy() *stubPolicies {
	return &stubPolicies{
		policy: domain.SLAPolicy{
			Rules: []domain.SLARule{
				{ReasonCode: domain.ReasonPickDelay, AnchorEvent: "order_paid", TerminalEvent: "pick_completed", ThresholdMinutes: 120},
			},
		},
		meta: map[domain.ReasonCode]domain.ReasonCodeMeta{
			domain.ReasonPickDelay: {Code: domain.ReasonPickDelay, DefaultSeverity: domain.SeverityMedium},
		},
	}
}

func newTestOrchestrator(t *testing.T, policies PolicyProvider) (*Orchestrator, *eventstore.MemStore, *exceptionstore.MemStore, *dlq.MemStore) {
	t.Helper()
	validator, err := NewSchemaValidator()
	require.NoError(t, err)

	events := eventstore.NewMemStore()
	exceptions := exceptionstore.NewMemStore(nil, 2)
	idem := idempotency.NewMemCache(nil, time.Hour, 5*time.Second)
	dlqStore := dlq.NewMemStore(nil)

	o := NewOrchestrator(Orchestrator{
		Events:      events,
		Idempotency: idem,
		Exceptions:  exceptions,
		Policies:    policies,
		SLA:         sla.NewEngine(nil),
		DLQ:         dlqStore,
		Validator:   validator,
		AIMode:      "fallback",
	})
	return o, events, exceptions, dlqStore
}

func shopifyOrderPaid(orderID string, occurredAt time.Time) EventRequest {
	return EventRequest{
		Source:     domain.SourceShopify,
		EventType:  "order_paid",
		EventID:    "evt-" + orderID + "-paid",
		OrderID:    orderID,
		OccurredAt: occurredAt,
	}
}

func wmsPickCompleted(orderID string, occurredAt time.Time) EventRequest {
	return EventRequest{
		Source:     domain.SourceWMS,
		EventType:  "pick_completed",
		EventID:    "evt-" + orderID + "-pick",
		OrderID:    orderID,
		OccurredAt: occurredAt,
	}
}

// TestIngestEvent_E1_PickDelayCreatesOpenException covers scenario E1.
func TestIngestEvent_E1_PickDelayCreatesOpenException(t *testing.T) {
	o, _, exceptions, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err := o.IngestEvent(ctx, "acme", shopifyOrderPaid("o1", t0))
	require.NoError(t, err)

	result, err := o.IngestEvent(ctx, "acme", wmsPickCompleted("o1", t0.Add(180*time.Minute)))
	require.NoError(t, err)

	require.True(t, result.ExceptionCreated)
	require.Len(t, result.ExceptionIDs, 1)

	ex, err := exceptions.Get(ctx, "acme", result.ExceptionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, ex.Status)
	assert.Equal(t, domain.SeverityMedium, ex.Severity)
	assert.Equal(t, domain.ReasonPickDelay, ex.ReasonCode)
	assert.Equal(t, 60, ex.ContextData["delay_minutes"])
}

// TestIngestEvent_E1_NoBreachWithinThreshold ensures the negative case
// from property 4 produces no exception.
func TestIngestEvent_E1_NoBreachWithinThreshold(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err := o.IngestEvent(ctx, "acme", shopifyOrderPaid("o1", t0))
	require.NoError(t, err)

	result, err := o.IngestEvent(ctx, "acme", wmsPickCompleted("o1", t0.Add(90*time.Minute)))
	require.NoError(t, err)
	assert.False(t, result.ExceptionCreated)
}

// TestIngestEvent_E2_DuplicateEventProcessedOnce covers scenario E2 and
// testable property 1.
func TestIngestEvent_E2_DuplicateEventProcessedOnce(t *testing.T) {
	o, events, _, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	req := shopifyOrderPaid("o1", t0)

	first, err := o.IngestEvent(ctx, "acme", req)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, first.Status)

	second, err := o.IngestEvent(ctx, "acme", req)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)

	timeline, err := events.Timeline(ctx, "acme", "o1")
	require.NoError(t, err)
	assert.Len(t, timeline, 1, "exactly one OrderEvent row for the duplicated event_id")
}

// TestIngestEvent_SchemaValidationRejectsMissingFields covers property 2:
// no side effects on a schema failure.
func TestIngestEvent_SchemaValidationRejectsMissingFields(t *testing.T) {
	o, events, _, dlqStore := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()

	req := EventRequest{Source: domain.SourceShopify, EventType: "order_paid"} // missing event_id, order_id, occurred_at
	_, err := o.IngestEvent(ctx, "acme", req)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))

	timeline, err := events.Timeline(ctx, "acme", "")
	require.NoError(t, err)
	assert.Len(t, timeline, 0)

	stats, err := dlqStore.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, stats, "validation failures must never reach the DLQ")
}

// TestIngestEvent_E3_AIUnavailableUsesRuleBasedTemplate covers scenario
// E3: with no Classifier wired (AI "down"), classification still runs
// via the rule-based fallback table.
func TestIngestEvent_E3_AIUnavailableUsesRuleBasedTemplate(t *testing.T) {
	o, _, exceptions, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()
	o.Start(ctx)

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err := o.IngestEvent(ctx, "acme", shopifyOrderPaid("o1", t0))
	require.NoError(t, err)
	result, err := o.IngestEvent(ctx, "acme", wmsPickCompleted("o1", t0.Add(180*time.Minute)))
	require.NoError(t, err)
	require.True(t, result.ExceptionCreated)

	require.Eventually(t, func() bool {
		ex, err := exceptions.Get(ctx, "acme", result.ExceptionIDs[0])
		return err == nil && ex.OpsNote != ""
	}, time.Second, 5*time.Millisecond)

	ex, err := exceptions.Get(ctx, "acme", result.ExceptionIDs[0])
	require.NoError(t, err)
	assert.Nil(t, ex.AIConfidence)
	assert.Contains(t, ex.OpsNote, "[Rules]")
}

// TestIngestBatch_BulkInsertsAndFansOut covers spec.md §4.1's bulk path:
// every valid event in the batch is persisted and, where a breach
// applies, produces an exception.
func TestIngestBatch_BulkInsertsAndFansOut(t *testing.T) {
	o, events, exceptions, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	batch := BatchRequest{
		Events: []EventRequest{
			shopifyOrderPaid("o1", t0),
			wmsPickCompleted("o1", t0.Add(180*time.Minute)),
			shopifyOrderPaid("o2", t0),
			wmsPickCompleted("o2", t0.Add(30*time.Minute)),
		},
	}

	result, err := o.IngestBatch(ctx, "acme", batch)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedCount)
	assert.Len(t, result.EventIDs, 4)

	o1Timeline, err := events.Timeline(ctx, "acme", "o1")
	require.NoError(t, err)
	assert.Len(t, o1Timeline, 2)

	o2Timeline, err := events.Timeline(ctx, "acme", "o2")
	require.NoError(t, err)
	assert.Len(t, o2Timeline, 2)

	list, err := exceptions.List(ctx, "acme", exceptionstore.ListFilter{OrderID: "o1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonPickDelay, list[0].ReasonCode)

	noList, err := exceptions.List(ctx, "acme", exceptionstore.ListFilter{OrderID: "o2"})
	require.NoError(t, err)
	assert.Empty(t, noList, "o2's pick finished within threshold, no breach expected")
}

// TestIngestBatch_DedupesWithinBatch covers spec.md §4.1 "de-duplicates
// within the batch": a repeated (source, event_id) pair in the same
// request produces exactly one OrderEvent row.
func TestIngestBatch_DedupesWithinBatch(t *testing.T) {
	o, events, _, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	req := shopifyOrderPaid("o1", t0)
	batch := BatchRequest{Events: []EventRequest{req, req, req}}

	result, err := o.IngestBatch(ctx, "acme", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedCount)

	timeline, err := events.Timeline(ctx, "acme", "o1")
	require.NoError(t, err)
	assert.Len(t, timeline, 1)
}

// TestIngestBatch_InvalidItemsDroppedNotDLQed covers property 2 applied
// to the batch path: a malformed item inside an otherwise valid batch is
// dropped, never reaches the DLQ, and does not block its siblings.
func TestIngestBatch_InvalidItemsDroppedNotDLQed(t *testing.T) {
	o, events, _, dlqStore := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	malformed := EventRequest{Source: domain.SourceShopify, EventType: "order_paid"} // missing event_id, order_id, occurred_at
	batch := BatchRequest{Events: []EventRequest{shopifyOrderPaid("o1", t0), malformed}}

	result, err := o.IngestBatch(ctx, "acme", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedCount)
	assert.Contains(t, result.Message, "rejected")

	timeline, err := events.Timeline(ctx, "acme", "o1")
	require.NoError(t, err)
	assert.Len(t, timeline, 1)

	stats, err := dlqStore.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, stats, "dropped batch items must never reach the DLQ")
}

// TestIngestEvent_TenantIsolation covers property 13 at the timeline
// level: a second tenant's identical order_id never surfaces in the
// first tenant's data.
func TestIngestEvent_TenantIsolation(t *testing.T) {
	o, events, _, _ := newTestOrchestrator(t, pickDelayPolicy())
	ctx := context.Background()

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err := o.IngestEvent(ctx, "acme", shopifyOrderPaid("o1", t0))
	require.NoError(t, err)
	_, err = o.IngestEvent(ctx, "globex", shopifyOrderPaid("o1", t0))
	require.NoError(t, err)

	acmeTimeline, err := events.Timeline(ctx, "acme", "o1")
	require.NoError(t, err)
	for _, ev := range acmeTimeline {
		assert.Equal(t, "acme", ev.Tenant)
	}

	globexTimeline, err := events.Timeline(ctx, "globex", "o1")
	require.NoError(t, err)
	for _, ev := range globexTimeline {
		assert.Equal(t, "globex", ev.Tenant)
	}
}
