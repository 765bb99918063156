package exceptionapi

import (
	"context"

	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/exceptionstore"
)

// Service implements the exception-management read/write operations
// described in spec.md §6 on top of exceptionstore.Store, translating
// between wire DTOs and domain types. A transport package (HTTP, out
// of scope here) is expected to decode a request into the DTOs above,
// call the matching method, and marshal the result.
type Service struct {
	store exceptionstore.Store
}

// NewService wraps a Store.
func NewService(store exceptionstore.Store) *Service {
	return &Service{store: store}
}

// List returns the tenant's exceptions matching req's filters.
func (s *Service) List(ctx context.Context, tenant string, req ListRequest) (ListResponse, error) {
	filter := toFilter(req)
	exceptions, err := s.store.List(ctx, tenant, filter)
	if err != nil {
		return ListResponse{}, err
	}
	out := make([]Exception, 0, len(exceptions))
	for i := range exceptions {
		out = append(out, FromDomain(&exceptions[i]))
	}
	page, pageSize := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return ListResponse{Exceptions: out, Page: page, PageSize: pageSize}, nil
}

// Get fetches one exception by id, scoped to tenant. Per spec.md §9's
// preserved open question the core returns core.ErrNotFound (surfaced
// as 404, not 403) for both "doesn't exist" and "belongs to another
// tenant", so a cross-tenant probe can't distinguish the two.
func (s *Service) Get(ctx context.Context, tenant, id string) (Exception, error) {
	ex, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return Exception{}, err
	}
	return FromDomain(ex), nil
}

// Patch applies a partial update. Status changes go through
// Store.Transition so the allowed-transition DAG still applies; a
// disallowed transition returns core.ErrIllegalTransition unchanged.
func (s *Service) Patch(ctx context.Context, tenant, id string, req PatchRequest) (Exception, error) {
	ex, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return Exception{}, err
	}

	if req.Status != nil && *req.Status != ex.Status {
		ex, err = s.store.Transition(ctx, tenant, id, *req.Status)
		if err != nil {
			return Exception{}, err
		}
	}

	if req.OpsNote != nil {
		ex, err = s.store.ApplyAIClassification(ctx, tenant, id, ex.AILabel, ex.AIConfidence, *req.OpsNote, ex.ClientNote)
		if err != nil {
			return Exception{}, err
		}
	}

	if req.Severity != nil {
		ex, err = s.store.SetSeverity(ctx, tenant, id, *req.Severity)
		if err != nil {
			return Exception{}, err
		}
	}

	return FromDomain(ex), nil
}

// Stats computes the status/reason-code breakdown GET
// /exceptions/stats/summary returns. exceptionstore.Store has no
// dedicated aggregate query, so this walks List pages — acceptable at
// this domain's exception volume per spec.md §9's "eventual
// consistency is acceptable" note; a production deployment with large
// per-tenant exception counts would push this down to SQL.
func (s *Service) Stats(ctx context.Context, tenant string) (StatsSummary, error) {
	summary := StatsSummary{
		ByStatus:     map[domain.ExceptionStatus]int{},
		ByReasonCode: map[domain.ReasonCode]int{},
	}
	for page := 1; ; page++ {
		batch, err := s.store.List(ctx, tenant, exceptionstore.ListFilter{Page: page, PageSize: 100})
		if err != nil {
			return StatsSummary{}, err
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			summary.ByStatus[batch[i].Status]++
			summary.ByReasonCode[batch[i].ReasonCode]++
			summary.Total++
		}
		if len(batch) < 100 {
			break
		}
	}
	return summary, nil
}
