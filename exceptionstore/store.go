// Package exceptionstore owns Exception persistence and enforces the
// status state machine from spec.md §4.3 in application code — not as a
// database constraint — because transitions carry a side effect
// (resolved_at bookkeeping). The resolution block is cleared only by
// ResetResolutionBlock, never by a transition.
package exceptionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// Store is the Exception persistence and lifecycle boundary. A Postgres
// implementation lives in storage; tests use an in-memory fake
// satisfying the same interface.
type Store interface {
	// UpsertOpen creates an OPEN exception for (tenant, order_id,
	// reason_code) or, if one is already open, updates only its
	// context_data and updated_at, per spec.md §4.3 "Creation".
	UpsertOpen(ctx context.Context, tenant, orderID string, reasonCode domain.ReasonCode, severity domain.Severity, contextData map[string]interface{}, correlationID string) (*domain.Exception, bool, error)
	Get(ctx context.Context, tenant, id string) (*domain.Exception, error)
	List(ctx context.Context, tenant string, filter ListFilter) ([]domain.Exception, error)
	// Transition applies a status change, enforcing the allowed-transition
	// DAG. Returns core.ErrIllegalTransition if the transition is not in
	// the table.
	Transition(ctx context.Context, tenant, id string, to domain.ExceptionStatus) (*domain.Exception, error)
	// ApplyAIClassification writes AI or rule-based classification fields.
	ApplyAIClassification(ctx context.Context, tenant, id string, label string, confidence *float64, opsNote, clientNote string) (*domain.Exception, error)
	// SetSeverity overrides the severity an operator set via
	// PATCH /exceptions/{id} (spec.md §6), independent of AI classification.
	SetSeverity(ctx context.Context, tenant, id string, severity domain.Severity) (*domain.Exception, error)
	// RecordResolutionAttempt increments the attempt counter and, when the
	// budget is exhausted, sets resolution_blocked with the fixed reason
	// string from spec.md §4.3.
	RecordResolutionAttempt(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.Exception, error)
	// ResetResolutionBlock clears resolution_blocked and the attempt
	// counter on manual operator intervention.
	ResetResolutionBlock(ctx context.Context, tenant, id string) (*domain.Exception, error)
}

// ListFilter narrows List by any non-empty field. Pagination is 1-based;
// List implementations treat a Page below 1 as 1 and a PageSize outside
// [1,100] as 20.
type ListFilter struct {
	Status     domain.ExceptionStatus
	ReasonCode domain.ReasonCode
	Severity   domain.Severity
	OrderID    string
	Page       int
	PageSize   int
}

const maxResolutionBlockReason = "Maximum resolution attempts reached"

// allowedTransitions encodes the table in spec.md §4.3. Absence from this
// map's value set means the transition is rejected.
var allowedTransitions = map[domain.ExceptionStatus]map[domain.ExceptionStatus]bool{
	domain.StatusOpen: {
		domain.StatusAcknowledged: true,
		domain.StatusInProgress:   true,
		domain.StatusClosed:       true,
	},
	domain.StatusAcknowledged: {
		domain.StatusInProgress: true,
		domain.StatusClosed:     true,
	},
	domain.StatusInProgress: {
		domain.StatusResolved: true,
		domain.StatusClosed:   true,
	},
	domain.StatusResolved: {
		domain.StatusClosed: true,
	},
	domain.StatusClosed: {
		domain.StatusResolved: true,
	},
}

// ValidateTransition reports core.ErrIllegalTransition when the move is
// not present in allowedTransitions. Exported so both the Postgres store
// and in-memory fakes enforce the identical rule.
func ValidateTransition(from, to domain.ExceptionStatus) error {
	if from == to {
		return core.NewDomainError("exceptionstore.ValidateTransition", core.KindBusinessRule,
			fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, from, to))
	}
	if targets, ok := allowedTransitions[from]; ok && targets[to] {
		return nil
	}
	return core.NewDomainError("exceptionstore.ValidateTransition", core.KindBusinessRule,
		fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, from, to))
}

// NewID generates an opaque exception identifier.
func NewID() string { return uuid.NewString() }

// resolvedAtFor returns the resolved_at value an exception should carry
// after transitioning to `to`: set for RESOLVED/CLOSED (including the
// CLOSED -> RESOLVED reopen), nil otherwise.
func resolvedAtFor(to domain.ExceptionStatus, now time.Time) *time.Time {
	if to == domain.StatusResolved || to == domain.StatusClosed {
		t := now
		return &t
	}
	return nil
}
