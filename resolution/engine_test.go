package resolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAnalyzer struct {
	analysis Analysis
	err      error
}

func (s stubAnalyzer) AnalyzeAutomatedResolution(ctx context.Context, tenant string, rawOrderData map[string]interface{}, reasonCode domain.ReasonCode) (Analysis, error) {
	return s.analysis, s.err
}

type stubExecutor struct {
	succeeds bool
	err      error
	calls    int
}

func (s *stubExecutor) Execute(ctx context.Context, tenant, orderID string, reasonCode domain.ReasonCode) (bool, error) {
	s.calls++
	return s.succeeds, s.err
}

type stubRecorder struct {
	attempts  int
	succeeded bool
	exception *domain.Exception
}

func (s *stubRecorder) RecordResolutionAttempt(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.Exception, error) {
	s.attempts++
	s.succeeded = succeeded
	s.exception.ResolutionAttempts++
	if succeeded {
		s.exception.Status = domain.StatusResolved
	} else if s.exception.ResolutionAttempts >= s.exception.MaxResolutionAttempts {
		s.exception.ResolutionBlocked = true
	}
	return s.exception, nil
}

func eligibleException() *domain.Exception {
	return &domain.Exception{
		ID: "ex1", Tenant: "t1", OrderID: "o1",
		ReasonCode: domain.ReasonAddressInvalid, Status: domain.StatusOpen,
		MaxResolutionAttempts: 2,
	}
}

func TestAttemptResolution_ExecutesWhenGatePasses(t *testing.T) {
	ex := eligibleException()
	executor := &stubExecutor{succeeds: true}
	analyzer := stubAnalyzer{analysis: Analysis{
		CanAutoResolve: true, Confidence: 0.9, SuccessProbability: 0.8,
		AutomatedActions: []Action{ActionAddressValidation},
	}}
	recorder := &stubRecorder{exception: ex}

	engine := NewEngine(analyzer, map[Action]ActionExecutor{ActionAddressValidation: executor}, recorder, nil)
	outcome, err := engine.AttemptResolution(context.Background(), ex, map[string]interface{}{"order_id": "o1"})

	require.NoError(t, err)
	assert.True(t, outcome.Attempted)
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, 1, executor.calls)
	assert.Equal(t, 1, recorder.attempts)
}

func TestAttemptResolution_SkipsWhenGateFails(t *testing.T) {
	ex := eligibleException()
	analyzer := stubAnalyzer{analysis: Analysis{CanAutoResolve: true, Confidence: 0.5, SuccessProbability: 0.8}}
	recorder := &stubRecorder{exception: ex}

	engine := NewEngine(analyzer, nil, recorder, nil)
	outcome, err := engine.AttemptResolution(context.Background(), ex, nil)

	require.NoError(t, err)
	assert.False(t, outcome.Attempted)
	assert.Equal(t, 0, recorder.attempts)
}

func TestAttemptResolution_IneligibleReturnsError(t *testing.T) {
	ex := eligibleException()
	ex.ResolutionBlocked = true
	recorder := &stubRecorder{exception: ex}

	engine := NewEngine(stubAnalyzer{}, nil, recorder, nil)
	_, err := engine.AttemptResolution(context.Background(), ex, nil)
	require.Error(t, err)
}

func TestAttemptResolution_FallsBackOnAnalyzerError(t *testing.T) {
	ex := eligibleException()
	ex.ReasonCode = domain.ReasonAddressInvalid
	executor := &stubExecutor{succeeds: true}
	recorder := &stubRecorder{exception: ex}

	engine := NewEngine(stubAnalyzer{err: errors.New("ai down")}, map[Action]ActionExecutor{ActionAddressValidation: executor}, recorder, nil)
	outcome, err := engine.AttemptResolution(context.Background(), ex, nil)

	require.NoError(t, err)
	assert.True(t, outcome.Analysis.FallbackUsed)
	assert.Equal(t, fallbackConfidence, outcome.Analysis.Confidence)
	assert.True(t, outcome.Attempted)
}

// TestAttemptResolution_BudgetExhaustion is the resolution-engine half of
// E4: two consecutive failures against max_resolution_attempts=2 blocks
// further attempts.
func TestAttemptResolution_BudgetExhaustion(t *testing.T) {
	ex := eligibleException()
	executor := &stubExecutor{succeeds: false}
	analyzer := stubAnalyzer{analysis: Analysis{
		CanAutoResolve: true, Confidence: 0.9, SuccessProbability: 0.8,
		AutomatedActions: []Action{ActionAddressValidation},
	}}
	recorder := &stubRecorder{exception: ex}
	engine := NewEngine(analyzer, map[Action]ActionExecutor{ActionAddressValidation: executor}, recorder, nil)

	_, err := engine.AttemptResolution(context.Background(), ex, nil)
	require.NoError(t, err)
	_, err = engine.AttemptResolution(context.Background(), ex, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, ex.ResolutionAttempts)
	assert.True(t, ex.ResolutionBlocked)
	assert.False(t, ex.IsEligibleForResolution())

	_, err = engine.AttemptResolution(context.Background(), ex, nil)
	require.Error(t, err)
}
