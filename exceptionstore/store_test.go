package exceptionstore

import (
	"context"
	"testing"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertOpen_SecondCallUpdatesContextOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil, 2)

	ex1, created1, err := store.UpsertOpen(ctx, "t1", "o1", domain.ReasonPickDelay, domain.SeverityMedium, map[string]interface{}{"delay_minutes": 30}, "c1")
	require.NoError(t, err)
	assert.True(t, created1)

	ex2, created2, err := store.UpsertOpen(ctx, "t1", "o1", domain.ReasonPickDelay, domain.SeverityMedium, map[string]interface{}{"delay_minutes": 45}, "c2")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, ex1.ID, ex2.ID)
	assert.Equal(t, 45, ex2.ContextData["delay_minutes"])
}

func TestTransition_AllowedAndDisallowed(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil, 2)
	ex, _, err := store.UpsertOpen(ctx, "t1", "o1", domain.ReasonPickDelay, domain.SeverityMedium, nil, "")
	require.NoError(t, err)

	updated, err := store.Transition(ctx, "t1", ex.ID, domain.StatusAcknowledged)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, updated.Status)
	assert.Nil(t, updated.ResolvedAt)

	_, err = store.Transition(ctx, "t1", ex.ID, domain.StatusResolved)
	require.Error(t, err)
	assert.True(t, core.IsBusinessRuleConflict(err))

	inProgress, err := store.Transition(ctx, "t1", ex.ID, domain.StatusInProgress)
	require.NoError(t, err)
	resolved, err := store.Transition(ctx, "t1", inProgress.ID, domain.StatusResolved)
	require.NoError(t, err)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestRecordResolutionAttempt_BlocksAtBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil, 2)
	ex, _, err := store.UpsertOpen(ctx, "t1", "o1", domain.ReasonAddressInvalid, domain.SeverityHigh, nil, "")
	require.NoError(t, err)

	now := time.Now()
	after1, err := store.RecordResolutionAttempt(ctx, "t1", ex.ID, false, now)
	require.NoError(t, err)
	assert.Equal(t, 1, after1.ResolutionAttempts)
	assert.False(t, after1.ResolutionBlocked)
	assert.True(t, after1.IsEligibleForResolution())

	after2, err := store.RecordResolutionAttempt(ctx, "t1", ex.ID, false, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, after2.ResolutionAttempts)
	assert.True(t, after2.ResolutionBlocked)
	assert.Equal(t, maxResolutionBlockReason, after2.ResolutionBlockReason)
	assert.False(t, after2.IsEligibleForResolution())
}

func TestGet_CrossTenantReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil, 2)
	ex, _, err := store.UpsertOpen(ctx, "tenant-a", "o1", domain.ReasonOther, domain.SeverityLow, nil, "")
	require.NoError(t, err)

	_, err = store.Get(ctx, "tenant-b", ex.ID)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}
