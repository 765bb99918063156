// Package exceptionapi defines the request/response DTOs for the
// exception-management endpoints in spec.md §6 ("GET /exceptions",
// "GET /exceptions/{id}", "PATCH /exceptions/{id}",
// "GET /exceptions/stats/summary") so a transport package can marshal
// them directly without reaching into exceptionstore's domain types.
// The HTTP layer itself is out of scope here.
package exceptionapi

import (
	"time"

	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/exceptionstore"
)

// ListRequest carries the filters and pagination GET /exceptions
// accepts, spec.md §6. A PageSize outside [1,100] is replaced by 20.
type ListRequest struct {
	Status     domain.ExceptionStatus
	ReasonCode domain.ReasonCode
	Severity   domain.Severity
	OrderID    string
	Page       int
	PageSize   int
}

// PatchRequest is the body of PATCH /exceptions/{id}. Only non-nil
// fields are applied; Status changes go through
// exceptionstore.Store.Transition and so are still subject to the
// allowed-transition DAG.
type PatchRequest struct {
	Status   *domain.ExceptionStatus `json:"status,omitempty"`
	Severity *domain.Severity       `json:"severity,omitempty"`
	OpsNote  *string                `json:"ops_note,omitempty"`
}

// Exception is the wire representation of domain.Exception. It exists
// separately from the domain type so storage-internal bookkeeping
// never leaks into the response by accident of struct embedding.
type Exception struct {
	ID                      string                 `json:"id"`
	OrderID                 string                 `json:"order_id"`
	ReasonCode              domain.ReasonCode      `json:"reason_code"`
	Status                  domain.ExceptionStatus `json:"status"`
	Severity                domain.Severity        `json:"severity"`
	AILabel                 string                 `json:"ai_label,omitempty"`
	AIConfidence            *float64               `json:"ai_confidence"`
	OpsNote                 string                 `json:"ops_note,omitempty"`
	ClientNote              string                 `json:"client_note,omitempty"`
	ContextData             map[string]interface{} `json:"context_data,omitempty"`
	CorrelationID           string                 `json:"correlation_id,omitempty"`
	ResolutionAttempts      int                    `json:"resolution_attempts"`
	MaxResolutionAttempts   int                    `json:"max_resolution_attempts"`
	LastResolutionAttemptAt *time.Time             `json:"last_resolution_attempt_at,omitempty"`
	ResolutionBlocked       bool                   `json:"resolution_blocked"`
	ResolutionBlockReason   string                 `json:"resolution_block_reason,omitempty"`
	IsEligible              bool                   `json:"is_eligible"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
	ResolvedAt              *time.Time             `json:"resolved_at,omitempty"`
}

// FromDomain converts a persisted Exception into its wire shape.
func FromDomain(ex *domain.Exception) Exception {
	return Exception{
		ID:                      ex.ID,
		OrderID:                 ex.OrderID,
		ReasonCode:              ex.ReasonCode,
		Status:                  ex.Status,
		Severity:                ex.Severity,
		AILabel:                 ex.AILabel,
		AIConfidence:            ex.AIConfidence,
		OpsNote:                 ex.OpsNote,
		ClientNote:              ex.ClientNote,
		ContextData:             ex.ContextData,
		CorrelationID:           ex.CorrelationID,
		ResolutionAttempts:      ex.ResolutionAttempts,
		MaxResolutionAttempts:   ex.MaxResolutionAttempts,
		LastResolutionAttemptAt: ex.LastResolutionAttemptAt,
		ResolutionBlocked:       ex.ResolutionBlocked,
		ResolutionBlockReason:   ex.ResolutionBlockReason,
		IsEligible:              ex.IsEligibleForResolution(),
		CreatedAt:               ex.CreatedAt,
		UpdatedAt:               ex.UpdatedAt,
		ResolvedAt:              ex.ResolvedAt,
	}
}

// ListResponse is the body of GET /exceptions.
type ListResponse struct {
	Exceptions []Exception `json:"exceptions"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
}

// StatsSummary is the body of GET /exceptions/stats/summary: counts by
// status and by reason code, tenant-scoped like every other read here.
type StatsSummary struct {
	ByStatus     map[domain.ExceptionStatus]int `json:"by_status"`
	ByReasonCode map[domain.ReasonCode]int      `json:"by_reason_code"`
	Total        int                            `json:"total"`
}

func toFilter(req ListRequest) exceptionstore.ListFilter {
	return exceptionstore.ListFilter{
		Status:     req.Status,
		ReasonCode: req.ReasonCode,
		Severity:   req.Severity,
		OrderID:    req.OrderID,
		Page:       req.Page,
		PageSize:   req.PageSize,
	}
}
