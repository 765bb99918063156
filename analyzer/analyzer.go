// Package analyzer implements the Order Analyzer described in spec.md
// §4.5: an AI-first inspector of raw order payloads with a deterministic
// rule-based fallback, emitting candidate exception descriptors.
package analyzer

import (
	"context"

	"github.com/octup/fulfillment-core/domain"
)

// ProblemSeverity mirrors the severity the AI problem report assigns to
// one detected problem, independent of domain.Severity so the AI Adapter
// package has no dependency on exceptionstore's vocabulary.
type ProblemSeverity string

const (
	ProblemLow      ProblemSeverity = "LOW"
	ProblemMedium   ProblemSeverity = "MEDIUM"
	ProblemHigh     ProblemSeverity = "HIGH"
	ProblemCritical ProblemSeverity = "CRITICAL"
)

// Problem is one issue detected in an order payload.
type Problem struct {
	Type     domain.ReasonCode
	Field    string
	Reason   string
	Severity ProblemSeverity
}

// Report is the AI Adapter's AnalyzeOrderProblems result, spec.md §4.5.
type Report struct {
	HasProblems     bool
	Confidence      float64
	Problems        []Problem
	Reasoning       string
	Recommendations []string
}

// ProblemAnalyzer is the narrow AI Adapter surface this package depends
// on.
type ProblemAnalyzer interface {
	AnalyzeOrderProblems(ctx context.Context, tenant string, rawOrder map[string]interface{}) (Report, error)
}

const aiConfidenceThreshold = 0.7

// OrderAnalyzer inspects raw order payloads and emits exception
// descriptors, preferring the AI Adapter and falling back to a
// deterministic rule set when AI confidence is low or AI fails.
type OrderAnalyzer struct {
	ai ProblemAnalyzer
}

func NewOrderAnalyzer(ai ProblemAnalyzer) *OrderAnalyzer {
	return &OrderAnalyzer{ai: ai}
}

// Descriptor is a candidate exception the orchestrator upserts via
// exceptionstore.Store.UpsertOpen.
type Descriptor struct {
	ReasonCode     domain.ReasonCode
	Severity       domain.Severity
	ContextData    map[string]interface{}
	AnalysisMethod string // "ai" or "rule_based_fallback"
}

// Analyze runs the AI-first, rule-based-fallback pipeline and returns
// zero or more exception descriptors.
func (a *OrderAnalyzer) Analyze(ctx context.Context, tenant string, rawOrder map[string]interface{}) ([]Descriptor, error) {
	if a.ai != nil {
		report, err := a.ai.AnalyzeOrderProblems(ctx, tenant, rawOrder)
		if err == nil && report.Confidence >= aiConfidenceThreshold {
			return fromAIReport(report), nil
		}
	}
	return a.ruleBasedFallback(rawOrder), nil
}

func fromAIReport(report Report) []Descriptor {
	descriptors := make([]Descriptor, 0, len(report.Problems))
	for _, p := range report.Problems {
		descriptors = append(descriptors, Descriptor{
			ReasonCode:     p.Type,
			Severity:       mapProblemSeverity(p.Severity),
			ContextData:    map[string]interface{}{"field": p.Field, "reason": p.Reason},
			AnalysisMethod: "ai",
		})
	}
	return descriptors
}

func mapProblemSeverity(s ProblemSeverity) domain.Severity {
	switch s {
	case ProblemCritical:
		return domain.SeverityCritical
	case ProblemHigh:
		return domain.SeverityHigh
	case ProblemMedium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// ruleBasedFallback checks fulfillment status, payment status, address
// validity, inventory sufficiency, package condition, and delivery
// attempt count, per spec.md §4.5.
func (a *OrderAnalyzer) ruleBasedFallback(rawOrder map[string]interface{}) []Descriptor {
	var out []Descriptor

	if status, _ := rawOrder["payment_status"].(string); status == "failed" || status == "declined" {
		out = append(out, Descriptor{
			ReasonCode: domain.ReasonPaymentFailed, Severity: domain.SeverityHigh,
			ContextData: map[string]interface{}{"payment_status": status}, AnalysisMethod: "rule_based_fallback",
		})
	}

	if valid, ok := rawOrder["address_valid"].(bool); ok && !valid {
		out = append(out, Descriptor{
			ReasonCode: domain.ReasonAddressInvalid, Severity: domain.SeverityHigh,
			ContextData: map[string]interface{}{"address_valid": false}, AnalysisMethod: "rule_based_fallback",
		})
	}

	if available, ok := rawOrder["inventory_available"].(float64); ok {
		if requested, ok2 := rawOrder["inventory_requested"].(float64); ok2 && available < requested {
			out = append(out, Descriptor{
				ReasonCode: domain.ReasonInventoryShortage, Severity: domain.SeverityMedium,
				ContextData: map[string]interface{}{"available": available, "requested": requested}, AnalysisMethod: "rule_based_fallback",
			})
		}
	}

	if damaged, ok := rawOrder["package_damaged"].(bool); ok && damaged {
		out = append(out, Descriptor{
			ReasonCode: domain.ReasonDamagedPackage, Severity: domain.SeverityHigh,
			ContextData: map[string]interface{}{"package_damaged": true}, AnalysisMethod: "rule_based_fallback",
		})
	}

	if attempts, ok := rawOrder["delivery_attempts"].(float64); ok && attempts >= 3 {
		out = append(out, Descriptor{
			ReasonCode: domain.ReasonCustomerUnavailable, Severity: domain.SeverityMedium,
			ContextData: map[string]interface{}{"delivery_attempts": attempts}, AnalysisMethod: "rule_based_fallback",
		})
	}

	if status, _ := rawOrder["fulfillment_status"].(string); status == "stuck" || status == "error" {
		out = append(out, Descriptor{
			ReasonCode: domain.ReasonSystemError, Severity: domain.SeverityCritical,
			ContextData: map[string]interface{}{"fulfillment_status": status}, AnalysisMethod: "rule_based_fallback",
		})
	}

	return out
}
