package policystore

import (
	"context"
	"testing"

	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	calls  int
	policy domain.SLAPolicy
}

func (s *stubLoader) LoadSLAPolicy(ctx context.Context, tenant string) (domain.SLAPolicy, error) {
	s.calls++
	return s.policy, nil
}

func TestStore_SLAPolicyCachesAfterFirstLoad(t *testing.T) {
	loader := &stubLoader{policy: domain.SLAPolicy{WeekendMultiplier: 1.5}}
	store, err := New(loader, "../policy/reason_codes.yaml", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.SLAPolicy(ctx, "acme")
	require.NoError(t, err)
	_, err = store.SLAPolicy(ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, 1, loader.calls, "second call must hit the cache, not the loader")
}

func TestStore_InvalidateTenantForcesReload(t *testing.T) {
	loader := &stubLoader{}
	store, err := New(loader, "../policy/reason_codes.yaml", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = store.SLAPolicy(ctx, "acme")
	store.InvalidateTenant("acme")
	_, _ = store.SLAPolicy(ctx, "acme")

	assert.Equal(t, 2, loader.calls)
}

func TestStore_ReasonCodeMetaLoadsFullCatalog(t *testing.T) {
	store, err := New(&stubLoader{}, "../policy/reason_codes.yaml", nil)
	require.NoError(t, err)

	for _, code := range []domain.ReasonCode{
		domain.ReasonPickDelay, domain.ReasonSystemError, domain.ReasonOther,
	} {
		meta, ok := store.ReasonCodeMeta(code)
		assert.True(t, ok, "code %s must be present in the catalog", code)
		assert.Equal(t, code, meta.Code)
	}

	_, ok := store.ReasonCodeMeta(domain.ReasonCode("NOT_A_REAL_CODE"))
	assert.False(t, ok)
}
