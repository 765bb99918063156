package exceptionapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/exceptionstore"
)

func newTestService(t *testing.T) (*Service, *exceptionstore.MemStore) {
	t.Helper()
	store := exceptionstore.NewMemStore(nil, 2)
	return NewService(store), store
}

func TestService_Get_CrossTenantReturnsNotFound(t *testing.T) {
	svc, store := newTestService(t)
	ex, _, err := store.UpsertOpen(context.Background(), "tenant-a", "o1", domain.ReasonOther, domain.SeverityLow, nil, "")
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "tenant-b", ex.ID)
	require.Error(t, err, "a cross-tenant read must look indistinguishable from a missing record")
}

func TestService_Patch_AppliesStatusSeverityAndOpsNote(t *testing.T) {
	svc, store := newTestService(t)
	ex, _, err := store.UpsertOpen(context.Background(), "acme", "o1", domain.ReasonPickDelay, domain.SeverityMedium, nil, "")
	require.NoError(t, err)

	acknowledged := domain.StatusAcknowledged
	high := domain.SeverityHigh
	note := "dispatcher notified"
	updated, err := svc.Patch(context.Background(), "acme", ex.ID, PatchRequest{Status: &acknowledged, Severity: &high, OpsNote: &note})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAcknowledged, updated.Status)
	assert.Equal(t, domain.SeverityHigh, updated.Severity)
	assert.Equal(t, "dispatcher notified", updated.OpsNote)
}

func TestService_Patch_DisallowedTransitionIsRejected(t *testing.T) {
	svc, store := newTestService(t)
	ex, _, err := store.UpsertOpen(context.Background(), "acme", "o1", domain.ReasonPickDelay, domain.SeverityMedium, nil, "")
	require.NoError(t, err)

	resolved := domain.StatusResolved
	_, err = svc.Patch(context.Background(), "acme", ex.ID, PatchRequest{Status: &resolved})
	require.Error(t, err, "OPEN -> RESOLVED is not in the allowed-transition DAG")
}

func TestService_List_FiltersByStatus(t *testing.T) {
	svc, store := newTestService(t)
	_, _, err := store.UpsertOpen(context.Background(), "acme", "o1", domain.ReasonPickDelay, domain.SeverityMedium, nil, "")
	require.NoError(t, err)
	_, _, err = store.UpsertOpen(context.Background(), "acme", "o2", domain.ReasonPackDelay, domain.SeverityLow, nil, "")
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), "acme", ListRequest{Status: domain.StatusOpen, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, resp.Exceptions, 2)

	resp, err = svc.List(context.Background(), "other-tenant", ListRequest{PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Exceptions, "tenant isolation: another tenant's exceptions never appear")
}

func TestService_Stats_CountsByStatusAndReasonCode(t *testing.T) {
	svc, store := newTestService(t)
	_, _, err := store.UpsertOpen(context.Background(), "acme", "o1", domain.ReasonPickDelay, domain.SeverityMedium, nil, "")
	require.NoError(t, err)
	_, _, err = store.UpsertOpen(context.Background(), "acme", "o2", domain.ReasonPickDelay, domain.SeverityLow, nil, "")
	require.NoError(t, err)

	summary, err := svc.Stats(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.ByStatus[domain.StatusOpen])
	assert.Equal(t, 2, summary.ByReasonCode[domain.ReasonPickDelay])
}
