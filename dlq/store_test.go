package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (f *fixedClock) Now() time.Time { return f.now }

func TestNextRetryDelay_CappedExponentialSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 40 * time.Minute},
		{4, 60 * time.Minute},
		{5, 60 * time.Minute},
		{10, 60 * time.Minute},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NextRetryDelay(c.attempts), "attempts=%d", c.attempts)
	}
}

func TestMemStore_EnqueueSetsPendingAndFirstRetryIn5Minutes(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	item := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent, Payload: []byte(`{}`)}
	require.NoError(t, store.Enqueue(ctx, item))

	assert.Equal(t, domain.DLQStatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, DefaultMaxAttempts, item.MaxAttempts)
	assert.Equal(t, clock.now.Add(5*time.Minute), item.NextRetryAt)
}

func TestMemStore_DuePendingExcludesFutureRetries(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	due := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent}
	require.NoError(t, store.Enqueue(ctx, due))

	notDue := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent}
	require.NoError(t, store.Enqueue(ctx, notDue))

	items, err := store.DuePending(ctx, "acme", 10, clock.now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = store.DuePending(ctx, "acme", 10, clock.now)
	require.NoError(t, err)
	assert.Len(t, items, 0, "items retry at now+5m, not due yet at now")
}

func TestMemStore_RecordResultSuccessMarksProcessed(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	item := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent}
	require.NoError(t, store.Enqueue(ctx, item))

	updated, err := store.RecordResult(ctx, "acme", item.ID, true, clock.now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.DLQStatusProcessed, updated.Status)
}

func TestMemStore_RecordResultFailureAdvancesScheduleUntilMaxAttempts(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	item := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent, MaxAttempts: 3}
	require.NoError(t, store.Enqueue(ctx, item))

	now := clock.now.Add(5 * time.Minute)
	updated, err := store.RecordResult(ctx, "acme", item.ID, false, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DLQStatusPending, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, now.Add(10*time.Minute), updated.NextRetryAt)

	now = now.Add(10 * time.Minute)
	updated, err = store.RecordResult(ctx, "acme", item.ID, false, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DLQStatusPending, updated.Status)
	assert.Equal(t, 2, updated.Attempts)

	now = now.Add(20 * time.Minute)
	updated, err = store.RecordResult(ctx, "acme", item.ID, false, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DLQStatusFailed, updated.Status, "third failure with max_attempts=3 must be terminal")
	assert.Equal(t, 3, updated.Attempts)
}

func TestMemStore_CleanupRemovesOnlyOldTerminalItems(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	store := NewMemStore(clock)
	ctx := context.Background()

	processed := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent}
	require.NoError(t, store.Enqueue(ctx, processed))
	_, err := store.RecordResult(ctx, "acme", processed.ID, true, clock.now.Add(time.Hour))
	require.NoError(t, err)

	pending := &domain.DLQItem{Tenant: "acme", SourceOperation: SourceIngestEvent}
	require.NoError(t, store.Enqueue(ctx, pending))

	n, err := store.Cleanup(ctx, clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the processed item is older than the cutoff and terminal")

	stats, err := store.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.DLQStatusPending])
	assert.Equal(t, 0, stats[domain.DLQStatusProcessed])
}
