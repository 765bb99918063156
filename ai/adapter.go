package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/octup/fulfillment-core/analyzer"
	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/resilience"
	"github.com/octup/fulfillment-core/resolution"
)

// Classification is the AI Adapter's ClassifyException result, spec.md
// §4.6. It is returned directly rather than through an interface this
// package owns, since nothing downstream of ai needs to depend on ai to
// consume it — a thin shim at the wiring layer adapts it to
// ingestion.Classification.
type Classification struct {
	Label      string
	Confidence float64
	OpsNote    string
	ClientNote string
}

// LintReport is the AI Adapter's LintPolicy result, spec.md §4.6.
type LintReport struct {
	Issues      []string
	Suggestions []string
	Approved    bool
}

// Config tunes one Adapter instance. Zero values are replaced by
// DefaultConfig's values where that makes sense.
type Config struct {
	Model            string
	Timeout          time.Duration
	MaxRetryAttempts int
	MaxDailyTokens   int64
	CacheTTL         time.Duration
	Temperature      float64
	MaxTokens        int
}

// DefaultConfig mirrors core.Config's AI_* defaults (AITimeout 3s,
// AIRetryMaxAttempts 2, AIMaxDailyTokens 200000).
func DefaultConfig() Config {
	return Config{
		Timeout:          3 * time.Second,
		MaxRetryAttempts: 2,
		MaxDailyTokens:   200000,
		CacheTTL:         DefaultCacheTTL,
		Temperature:      0.2,
		MaxTokens:        800,
	}
}

// Adapter is the AI Adapter: an OpenAI-compatible chat client wrapped by
// PII redaction, content-hash caching, a daily token budget, and the
// Resilience Kernel's ai_service circuit breaker. It implements
// analyzer.ProblemAnalyzer and resolution.Analyzer by construction
// (identical method signatures), and exposes ClassifyException/LintPolicy
// as its own stable contract for callers that don't need those
// interfaces.
type Adapter struct {
	chat     ChatClient
	prompts  *PromptLoader
	redactor *Redactor
	cache    ResponseCache
	breaker  *resilience.CircuitBreaker
	budget   *DailyTokenBudget
	logger   core.Logger
	cfg      Config
}

// NewAdapter wires the AI Adapter's dependencies together. cache and
// breaker may be nil (no caching / no circuit breaker, respectively),
// which NewAdapter treats as deliberate opt-outs rather than defaults.
func NewAdapter(chat ChatClient, prompts *PromptLoader, redactor *Redactor, cache ResponseCache, breaker *resilience.CircuitBreaker, budget *DailyTokenBudget, cfg Config, logger core.Logger) *Adapter {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Adapter{
		chat:     chat,
		prompts:  prompts,
		redactor: redactor,
		cache:    cache,
		breaker:  breaker,
		budget:   budget,
		cfg:      cfg,
		logger:   logger,
	}
}

// systemPrompt is fixed across operations; each operation's own prompt
// template carries the task-specific instructions and the JSON schema
// the model must answer in.
const systemPrompt = "You are the automated exception-management assistant for an order fulfillment platform. Respond with a single JSON object only, matching the requested schema exactly. Do not include commentary outside the JSON."

// call renders templateName with vars, serves from cache when possible,
// otherwise executes the chat request under the daily token budget, the
// circuit breaker, and a bounded retry, and caches a successful result.
func (a *Adapter) call(ctx context.Context, cacheKey, templateName string, vars map[string]string) (string, error) {
	if a.cache != nil {
		if cached, ok, err := a.cache.Get(ctx, cacheKey); err == nil && ok {
			return cached, nil
		}
	}

	prompt, err := a.prompts.Render(templateName, vars)
	if err != nil {
		return "", core.NewDomainError("ai.call", core.KindInternal, err)
	}

	if a.budget != nil && !a.budget.TryConsume(int64(a.cfg.MaxTokens)) {
		return "", core.NewDomainError("ai.call", core.KindTransient, core.ErrDailyTokenBudget)
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = a.cfg.MaxRetryAttempts + 1

	var content string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		c, _, err := a.chat.ChatCompletion(callCtx, systemPrompt, prompt, a.cfg.Temperature, a.cfg.MaxTokens)
		if err != nil {
			return err
		}
		content = c
		return nil
	}

	var runErr error
	if a.breaker != nil {
		runErr = resilience.RetryWithCircuitBreaker(ctx, retryCfg, a.breaker, op)
	} else {
		runErr = resilience.Retry(ctx, retryCfg, op)
	}
	if runErr != nil {
		return "", core.NewDomainError("ai.call", core.KindTransient, runErr)
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, content, a.cfg.CacheTTL); err != nil {
			a.logger.Warn("ai response cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return content, nil
}

// ClassifyException implements spec.md §4.6's classification operation.
// rawContext is redacted before it ever reaches the prompt or the cache
// key.
func (a *Adapter) ClassifyException(ctx context.Context, tenant string, exception domain.Exception, rawContext map[string]interface{}) (Classification, error) {
	redacted := a.redactor.Redact(rawContext)
	redactedJSON := mustJSON(redacted)
	key := ContentHash("classify", tenant, string(exception.ReasonCode), last4(exception.OrderID), redactedJSON)
	vars := map[string]string{
		"tenant":      tenant,
		"reason_code": string(exception.ReasonCode),
		"order_id":    exception.OrderID,
		"context":     redactedJSON,
	}

	content, err := a.call(ctx, key, "classify_exception", vars)
	if err != nil {
		return Classification{}, err
	}

	var parsed struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		OpsNote    string  `json:"ops_note"`
		ClientNote string  `json:"client_note"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return Classification{}, core.NewDomainError("ai.ClassifyException", core.KindTransient, fmt.Errorf("parse AI response: %w", err))
	}
	return Classification{
		Label:      parsed.Label,
		Confidence: parsed.Confidence,
		OpsNote:    parsed.OpsNote,
		ClientNote: parsed.ClientNote,
	}, nil
}

// AnalyzeOrderProblems satisfies analyzer.ProblemAnalyzer.
func (a *Adapter) AnalyzeOrderProblems(ctx context.Context, tenant string, rawOrder map[string]interface{}) (analyzer.Report, error) {
	redacted := a.redactor.Redact(rawOrder)
	redactedJSON := mustJSON(redacted)
	key := ContentHash("order_problems", tenant, redactedJSON)
	vars := map[string]string{"tenant": tenant, "order": redactedJSON}

	content, err := a.call(ctx, key, "analyze_order_problems", vars)
	if err != nil {
		return analyzer.Report{}, err
	}

	var parsed struct {
		HasProblems bool    `json:"has_problems"`
		Confidence  float64 `json:"confidence"`
		Problems    []struct {
			Type     string `json:"type"`
			Field    string `json:"field"`
			Reason   string `json:"reason"`
			Severity string `json:"severity"`
		} `json:"problems"`
		Reasoning       string   `json:"reasoning"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return analyzer.Report{}, core.NewDomainError("ai.AnalyzeOrderProblems", core.KindTransient, fmt.Errorf("parse AI response: %w", err))
	}

	report := analyzer.Report{
		HasProblems:     parsed.HasProblems,
		Confidence:      parsed.Confidence,
		Reasoning:       parsed.Reasoning,
		Recommendations: parsed.Recommendations,
	}
	for _, p := range parsed.Problems {
		report.Problems = append(report.Problems, analyzer.Problem{
			Type:     domain.ReasonCode(p.Type),
			Field:    p.Field,
			Reason:   p.Reason,
			Severity: analyzer.ProblemSeverity(p.Severity),
		})
	}
	return report, nil
}

// forbiddenResolutionFields are the pre-computed flags spec.md §4.6 and
// testable property 9 forbid sending into AnalyzeAutomatedResolution:
// the model must reason over raw order data, never over conclusions the
// caller already reached.
var forbiddenResolutionFields = []string{"can_auto_resolve", "fulfillment_delay_hours", "pre_calculated_flags"}

// rawDataDisciplineViolation reports the first forbidden or hint_-prefixed
// key found in data, or "" if none.
func rawDataDisciplineViolation(data map[string]interface{}) string {
	for _, f := range forbiddenResolutionFields {
		if _, ok := data[f]; ok {
			return f
		}
	}
	for k := range data {
		if len(k) > 5 && k[:5] == "hint_" {
			return k
		}
	}
	return ""
}

// AnalyzeAutomatedResolution satisfies resolution.Analyzer. It refuses
// to call out to the model at all if rawOrderData carries a
// pre-computed flag the caller should never have attached (testable
// property 9) — that is a caller bug, not a transient failure, so it is
// reported as an internal error rather than silently stripped.
func (a *Adapter) AnalyzeAutomatedResolution(ctx context.Context, tenant string, rawOrderData map[string]interface{}, reasonCode domain.ReasonCode) (resolution.Analysis, error) {
	if field := rawDataDisciplineViolation(rawOrderData); field != "" {
		return resolution.Analysis{}, core.NewDomainError("ai.AnalyzeAutomatedResolution", core.KindInternal,
			fmt.Errorf("rawOrderData must not carry pre-computed field %q", field))
	}

	redacted := a.redactor.Redact(rawOrderData)
	redactedJSON := mustJSON(redacted)
	key := ContentHash("automated_resolution", tenant, string(reasonCode), redactedJSON)
	vars := map[string]string{"tenant": tenant, "reason_code": string(reasonCode), "order": redactedJSON}

	content, err := a.call(ctx, key, "analyze_automated_resolution", vars)
	if err != nil {
		return resolution.Analysis{}, err
	}

	var parsed struct {
		CanAutoResolve     bool     `json:"can_auto_resolve"`
		Confidence         float64  `json:"confidence"`
		AutomatedActions   []string `json:"automated_actions"`
		SuccessProbability float64  `json:"success_probability"`
		ResolutionStrategy string   `json:"resolution_strategy"`
		Reasoning          string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return resolution.Analysis{}, core.NewDomainError("ai.AnalyzeAutomatedResolution", core.KindTransient, fmt.Errorf("parse AI response: %w", err))
	}

	actions := make([]resolution.Action, 0, len(parsed.AutomatedActions))
	for _, act := range parsed.AutomatedActions {
		actions = append(actions, resolution.Action(act))
	}
	return resolution.Analysis{
		CanAutoResolve:     parsed.CanAutoResolve,
		Confidence:         parsed.Confidence,
		AutomatedActions:   actions,
		SuccessProbability: parsed.SuccessProbability,
		ResolutionStrategy: parsed.ResolutionStrategy,
		Reasoning:          parsed.Reasoning,
	}, nil
}

// LintPolicy implements spec.md §4.6's policy-linting operation: an
// operator-facing sanity check over a proposed SLA or reason-code policy
// document before it's saved. policyText carries no order or customer
// data, so it bypasses the redactor.
func (a *Adapter) LintPolicy(ctx context.Context, policyText, policyType string) (LintReport, error) {
	key := ContentHash("lint_policy", policyType, policyText)
	vars := map[string]string{"policy_type": policyType, "policy_text": policyText}

	content, err := a.call(ctx, key, "lint_policy", vars)
	if err != nil {
		return LintReport{}, err
	}

	var parsed struct {
		Issues      []string `json:"issues"`
		Suggestions []string `json:"suggestions"`
		Approved    bool     `json:"approved"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return LintReport{}, core.NewDomainError("ai.LintPolicy", core.KindTransient, fmt.Errorf("parse AI response: %w", err))
	}
	return LintReport{Issues: parsed.Issues, Suggestions: parsed.Suggestions, Approved: parsed.Approved}, nil
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
