package analyzer

import (
	"context"
	"testing"

	"github.com/octup/fulfillment-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAI struct {
	report Report
	err    error
}

func (s stubAI) AnalyzeOrderProblems(ctx context.Context, tenant string, rawOrder map[string]interface{}) (Report, error) {
	return s.report, s.err
}

func TestAnalyze_UsesAIWhenConfident(t *testing.T) {
	ai := stubAI{report: Report{
		HasProblems: true, Confidence: 0.9,
		Problems: []Problem{{Type: domain.ReasonAddressInvalid, Field: "shipping_address", Reason: "missing zip", Severity: ProblemHigh}},
	}}
	a := NewOrderAnalyzer(ai)

	descriptors, err := a.Analyze(context.Background(), "t1", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "ai", descriptors[0].AnalysisMethod)
	assert.Equal(t, domain.SeverityHigh, descriptors[0].Severity)
}

func TestAnalyze_FallsBackWhenAIConfidenceLow(t *testing.T) {
	ai := stubAI{report: Report{HasProblems: true, Confidence: 0.4}}
	a := NewOrderAnalyzer(ai)

	descriptors, err := a.Analyze(context.Background(), "t1", map[string]interface{}{
		"payment_status": "failed",
	})
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "rule_based_fallback", descriptors[0].AnalysisMethod)
	assert.Equal(t, domain.ReasonPaymentFailed, descriptors[0].ReasonCode)
}

func TestAnalyze_RuleBasedDetectsMultipleProblems(t *testing.T) {
	a := NewOrderAnalyzer(nil)
	descriptors, err := a.Analyze(context.Background(), "t1", map[string]interface{}{
		"address_valid":       false,
		"inventory_available": float64(2),
		"inventory_requested": float64(5),
	})
	require.NoError(t, err)
	assert.Len(t, descriptors, 2)
}

func TestAnalyze_NoProblemsReturnsEmpty(t *testing.T) {
	a := NewOrderAnalyzer(nil)
	descriptors, err := a.Analyze(context.Background(), "t1", map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, descriptors)
}
