package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayWorker_RunOnceDispatchesToRegisteredHandler(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	item := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent}
	require.NoError(t, store.Enqueue(ctx, item))
	clock.now = clock.now.Add(5 * time.Minute)

	var dispatched domain.DLQItem
	handlers := map[string]Handler{
		SourceIngestEvent: func(ctx context.Context, i domain.DLQItem) error {
			dispatched = i
			return nil
		},
	}
	worker := NewReplayWorker(store, handlers, nil, WithClock(clock), WithBatchSize(10))

	require.NoError(t, worker.RunOnce(ctx, "acme"))

	assert.Equal(t, item.ID, dispatched.ID)
	stats, err := store.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.DLQStatusProcessed])
}

func TestReplayWorker_RunOnceLeavesUnhandledSourceOperationPending(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	item := &domain.DLQItem{Tenant: "acme", SourceOperation: "unknown_operation"}
	require.NoError(t, store.Enqueue(ctx, item))
	clock.now = clock.now.Add(5 * time.Minute)

	worker := NewReplayWorker(store, map[string]Handler{}, nil, WithClock(clock))
	require.NoError(t, worker.RunOnce(ctx, "acme"))

	stats, err := store.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.DLQStatusPending], "unregistered handler must not advance the item")
}

func TestReplayWorker_RunOnceHandlerErrorIncrementsAttempts(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	item := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceAIAnalysis}
	require.NoError(t, store.Enqueue(ctx, item))
	clock.now = clock.now.Add(5 * time.Minute)

	handlers := map[string]Handler{
		SourceAIAnalysis: func(ctx context.Context, i domain.DLQItem) error {
			return errors.New("downstream still unavailable")
		},
	}
	worker := NewReplayWorker(store, handlers, nil, WithClock(clock))
	require.NoError(t, worker.RunOnce(ctx, "acme"))

	due, err := store.DuePending(ctx, "acme", 10, clock.now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
}
