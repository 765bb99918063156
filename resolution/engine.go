// Package resolution implements the automated-resolution decision and
// execution logic described in spec.md §4.4: a closed set of actions,
// consulted against the AI Adapter's analysis, executed under an
// attempt budget enforced by exceptionstore.
package resolution

import (
	"context"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// Action is one of the five automated actions the engine can execute.
type Action string

const (
	ActionAddressValidation   Action = "ADDRESS_VALIDATION"
	ActionPaymentRetry        Action = "PAYMENT_RETRY"
	ActionInventoryReallocation Action = "INVENTORY_REALLOCATION"
	ActionSystemRecovery      Action = "SYSTEM_RECOVERY"
	ActionCarrierAPIUpdate    Action = "CARRIER_API_UPDATE"
)

// ActionExecutor performs one automated action against an external
// service and reports success or failure. Implementations live outside
// this package (address validation client, payment gateway client, ...);
// resolution only orchestrates them.
type ActionExecutor interface {
	Execute(ctx context.Context, tenant, orderID string, reasonCode domain.ReasonCode) (bool, error)
}

// Analysis mirrors the AI Adapter's AnalyzeAutomatedResolution result,
// spec.md §4.4.
type Analysis struct {
	CanAutoResolve     bool
	Confidence         float64
	AutomatedActions   []Action
	SuccessProbability float64
	ResolutionStrategy string
	Reasoning          string
	FallbackUsed       bool
}

// Analyzer is the narrow AI Adapter surface resolution depends on. The ai
// package's Adapter satisfies this; tests use a stub.
type Analyzer interface {
	AnalyzeAutomatedResolution(ctx context.Context, tenant string, rawOrderData map[string]interface{}, reasonCode domain.ReasonCode) (Analysis, error)
}

const (
	minDecisionConfidence   = 0.7
	minSuccessProbability   = 0.6
	lowConfidenceBlockLimit = 0.3
)

// fallbackActions is the deterministic reason-code -> actions table
// consulted when the AI Adapter is unavailable, spec.md §4.4
// "Fallback rules".
var fallbackActions = map[domain.ReasonCode][]Action{
	domain.ReasonAddressInvalid:    {ActionAddressValidation},
	domain.ReasonAddressError:      {ActionAddressValidation},
	domain.ReasonPaymentFailed:     {ActionPaymentRetry},
	domain.ReasonInventoryShortage: {ActionInventoryReallocation},
	domain.ReasonStockMismatch:     {ActionInventoryReallocation},
	domain.ReasonSystemError:       {ActionSystemRecovery},
	domain.ReasonCarrierIssue:      {ActionCarrierAPIUpdate},
}

const fallbackConfidence = 0.6

// Engine decides whether and how to attempt automated resolution of an
// exception and executes the chosen actions.
type Engine struct {
	analyzer  Analyzer
	executors map[Action]ActionExecutor
	store     exceptionAttemptRecorder
	logger    core.Logger
}

// exceptionAttemptRecorder is the narrow slice of exceptionstore.Store
// the engine needs, kept separate to avoid importing exceptionstore
// (which would create an import cycle with packages that wrap
// resolution.Engine around their own store handle).
type exceptionAttemptRecorder interface {
	RecordResolutionAttempt(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.Exception, error)
}

// NewEngine wires an Analyzer, a table of action executors, and the
// exception store used to record attempts.
func NewEngine(analyzer Analyzer, executors map[Action]ActionExecutor, store exceptionAttemptRecorder, logger core.Logger) *Engine {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Engine{analyzer: analyzer, executors: executors, store: store, logger: logger}
}

// Outcome is the result of AttemptResolution, surfaced to callers and
// tests.
type Outcome struct {
	Attempted    bool
	Succeeded    bool
	ActionsTried []Action
	Analysis     Analysis
	Reason       string // why no attempt was made, when Attempted is false
}

// AttemptResolution runs the full decision-and-execute cycle for one
// exception: consult the analyzer, gate on confidence/probability/
// eligibility, execute the chosen actions sequentially, and record the
// attempt. rawOrderData must carry no pre-computed flags — spec.md §4.4's
// "raw-data discipline" — callers are responsible for that; the engine
// passes it straight through to the Analyzer.
func (e *Engine) AttemptResolution(ctx context.Context, exception *domain.Exception, rawOrderData map[string]interface{}) (Outcome, error) {
	if !exception.IsEligibleForResolution() {
		return Outcome{Reason: "exception not eligible for automated resolution"}, core.NewDomainError(
			"resolution.AttemptResolution", core.KindBusinessRule, core.ErrResolutionIneligible)
	}

	analysis, err := e.analyzer.AnalyzeAutomatedResolution(ctx, exception.Tenant, rawOrderData, exception.ReasonCode)
	if err != nil {
		analysis = e.fallback(exception.ReasonCode)
	}

	// A fallback-table result proceeds whenever it names actions; its fixed
	// confidence is not held to the AI decision gate.
	if !e.shouldAttempt(analysis) && !(analysis.FallbackUsed && analysis.CanAutoResolve) {
		// Below lowConfidenceBlockLimit the outcome says so; the
		// exception's resolution_blocked flag is not changed here.
		if analysis.Confidence < lowConfidenceBlockLimit {
			return Outcome{Analysis: analysis, Reason: "low confidence, no automated attempt made"}, nil
		}
		return Outcome{Analysis: analysis, Reason: "decision gate not met"}, nil
	}

	succeeded, tried := e.execute(ctx, exception, analysis.AutomatedActions)

	now := time.Now()
	if _, err := e.store.RecordResolutionAttempt(ctx, exception.Tenant, exception.ID, succeeded, now); err != nil {
		return Outcome{}, err
	}

	return Outcome{Attempted: true, Succeeded: succeeded, ActionsTried: tried, Analysis: analysis}, nil
}

func (e *Engine) shouldAttempt(a Analysis) bool {
	return a.CanAutoResolve && a.Confidence >= minDecisionConfidence && a.SuccessProbability >= minSuccessProbability
}

// execute runs actions sequentially; overall success iff at least one
// succeeded, per spec.md §4.4 "Execution".
func (e *Engine) execute(ctx context.Context, exception *domain.Exception, actions []Action) (bool, []Action) {
	succeeded := false
	tried := make([]Action, 0, len(actions))
	for _, action := range actions {
		executor, ok := e.executors[action]
		if !ok {
			e.logger.Warn("no executor registered for action", map[string]interface{}{"action": action})
			continue
		}
		tried = append(tried, action)
		ok2, err := executor.Execute(ctx, exception.Tenant, exception.OrderID, exception.ReasonCode)
		if err != nil {
			e.logger.Warn("action execution failed", map[string]interface{}{"action": action, "error": err.Error()})
			continue
		}
		if ok2 {
			succeeded = true
		}
	}
	return succeeded, tried
}

func (e *Engine) fallback(reasonCode domain.ReasonCode) Analysis {
	actions := fallbackActions[reasonCode]
	return Analysis{
		CanAutoResolve:     len(actions) > 0,
		Confidence:         fallbackConfidence,
		AutomatedActions:   actions,
		SuccessProbability: minSuccessProbability,
		ResolutionStrategy: "fallback_table",
		Reasoning:          "AI adapter unavailable; used static reason-code table",
		FallbackUsed:       true,
	}
}
