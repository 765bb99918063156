package sla

import (
	"testing"
	"time"

	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pickPolicy() domain.SLAPolicy {
	return domain.SLAPolicy{
		Rules: []domain.SLARule{
			{ReasonCode: domain.ReasonPickDelay, AnchorEvent: "order_paid", TerminalEvent: "pick_completed", ThresholdMinutes: 120},
		},
	}
}

func TestEvaluate_BreachWhenOverThreshold(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.OrderEvent{
		{EventType: "order_paid", OccurredAt: t0},
		{EventType: "pick_completed", OccurredAt: t0.Add(180 * time.Minute)},
	}

	breaches := NewEngine(nil).Evaluate(events, pickPolicy())

	require.Len(t, breaches, 1)
	assert.Equal(t, domain.ReasonPickDelay, breaches[0].ReasonCode)
	assert.Equal(t, 60, breaches[0].DelayMinutes)
}

func TestEvaluate_NoBreachUnderThreshold(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.OrderEvent{
		{EventType: "order_paid", OccurredAt: t0},
		{EventType: "pick_completed", OccurredAt: t0.Add(90 * time.Minute)},
	}

	breaches := NewEngine(nil).Evaluate(events, pickPolicy())
	assert.Empty(t, breaches)
}

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func TestEvaluate_OpenEndedBreachWhenTerminalMissing(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.OrderEvent{
		{EventType: "order_paid", OccurredAt: t0},
	}
	engine := NewEngine(fixedClock{now: t0.Add(200 * time.Minute)})

	breaches := engine.Evaluate(events, pickPolicy())

	require.Len(t, breaches, 1)
	assert.Empty(t, breaches[0].TerminalEvent)
}

func TestEvaluate_DeterministicAndSortedByPriority(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	policy := domain.SLAPolicy{
		Rules: []domain.SLARule{
			{ReasonCode: domain.ReasonPickDelay, AnchorEvent: "order_paid", TerminalEvent: "pick_completed", ThresholdMinutes: 10},
			{ReasonCode: domain.ReasonSystemError, AnchorEvent: "order_paid", TerminalEvent: "sync_ack", ThresholdMinutes: 10},
		},
	}
	events := []domain.OrderEvent{
		{EventType: "order_paid", OccurredAt: t0},
		{EventType: "pick_completed", OccurredAt: t0.Add(60 * time.Minute)},
	}
	engine := NewEngine(fixedClock{now: t0.Add(60 * time.Minute)})

	first := engine.Evaluate(events, policy)
	second := engine.Evaluate(events, policy)

	assert.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.Equal(t, domain.ReasonSystemError, first[0].ReasonCode)
	assert.Equal(t, domain.ReasonPickDelay, first[1].ReasonCode)
}

func TestEvaluate_WeekendMultiplierWidensThreshold(t *testing.T) {
	// 2025-01-04 is a Saturday.
	t0 := time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC)
	policy := pickPolicy()
	policy.WeekendMultiplier = 1.5
	events := []domain.OrderEvent{
		{EventType: "order_paid", OccurredAt: t0},
		{EventType: "pick_completed", OccurredAt: t0.Add(170 * time.Minute)},
	}

	breaches := NewEngine(nil).Evaluate(events, policy)
	assert.Empty(t, breaches, "170min < 120*1.5=180min threshold on a weekend")
}
