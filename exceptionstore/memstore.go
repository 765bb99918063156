package exceptionstore

import (
	"context"
	"sync"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// MemStore is an in-process Store used by orchestrator/resolution tests
// and as a local-dev fallback when DATABASE_URL is unset. Not for
// production use — state is lost on restart and there is no tenant
// partitioning beyond a map key check.
type MemStore struct {
	mu      sync.Mutex
	byID    map[string]*domain.Exception
	clock   core.Clock
	defaultMaxAttempts int
}

// NewMemStore builds an empty MemStore. A nil clock defaults to
// core.SystemClock.
func NewMemStore(clock core.Clock, defaultMaxAttempts int) *MemStore {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 2
	}
	return &MemStore{
		byID:               make(map[string]*domain.Exception),
		clock:              clock,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

func (s *MemStore) UpsertOpen(ctx context.Context, tenant, orderID string, reasonCode domain.ReasonCode, severity domain.Severity, contextData map[string]interface{}, correlationID string) (*domain.Exception, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, ex := range s.byID {
		if ex.Tenant == tenant && ex.OrderID == orderID && ex.ReasonCode == reasonCode && ex.Status == domain.StatusOpen {
			ex.ContextData = contextData
			ex.UpdatedAt = now
			return cloneException(ex), false, nil
		}
	}

	ex := &domain.Exception{
		ID:                    NewID(),
		Tenant:                tenant,
		OrderID:               orderID,
		ReasonCode:            reasonCode,
		Status:                domain.StatusOpen,
		Severity:              severity,
		ContextData:           contextData,
		CorrelationID:         correlationID,
		MaxResolutionAttempts: s.defaultMaxAttempts,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	s.byID[ex.ID] = ex
	return cloneException(ex), true, nil
}

func (s *MemStore) Get(ctx context.Context, tenant, id string) (*domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.byID[id]
	if !ok || ex.Tenant != tenant {
		return nil, core.NewDomainError("exceptionstore.Get", core.KindInternal, core.ErrNotFound)
	}
	return cloneException(ex), nil
}

func (s *MemStore) List(ctx context.Context, tenant string, filter ListFilter) ([]domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Exception
	for _, ex := range s.byID {
		if ex.Tenant != tenant {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		if filter.ReasonCode != "" && ex.ReasonCode != filter.ReasonCode {
			continue
		}
		if filter.Severity != "" && ex.Severity != filter.Severity {
			continue
		}
		if filter.OrderID != "" && ex.OrderID != filter.OrderID {
			continue
		}
		out = append(out, *cloneException(ex))
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(out) {
		return []domain.Exception{}, nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *MemStore) Transition(ctx context.Context, tenant, id string, to domain.ExceptionStatus) (*domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.byID[id]
	if !ok || ex.Tenant != tenant {
		return nil, core.NewDomainError("exceptionstore.Transition", core.KindInternal, core.ErrNotFound)
	}
	if err := ValidateTransition(ex.Status, to); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ex.Status = to
	ex.UpdatedAt = now
	ex.ResolvedAt = resolvedAtFor(to, now)
	return cloneException(ex), nil
}

func (s *MemStore) ApplyAIClassification(ctx context.Context, tenant, id string, label string, confidence *float64, opsNote, clientNote string) (*domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.byID[id]
	if !ok || ex.Tenant != tenant {
		return nil, core.NewDomainError("exceptionstore.ApplyAIClassification", core.KindInternal, core.ErrNotFound)
	}

	ex.AILabel = label
	ex.AIConfidence = confidence
	ex.OpsNote = truncate(opsNote, 2000)
	ex.ClientNote = truncate(clientNote, 1000)
	ex.UpdatedAt = s.clock.Now()
	return cloneException(ex), nil
}

func (s *MemStore) SetSeverity(ctx context.Context, tenant, id string, severity domain.Severity) (*domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.byID[id]
	if !ok || ex.Tenant != tenant {
		return nil, core.NewDomainError("exceptionstore.SetSeverity", core.KindInternal, core.ErrNotFound)
	}
	ex.Severity = severity
	ex.UpdatedAt = s.clock.Now()
	return cloneException(ex), nil
}

func (s *MemStore) RecordResolutionAttempt(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.byID[id]
	if !ok || ex.Tenant != tenant {
		return nil, core.NewDomainError("exceptionstore.RecordResolutionAttempt", core.KindInternal, core.ErrNotFound)
	}

	ex.ResolutionAttempts++
	ex.LastResolutionAttemptAt = &now
	ex.UpdatedAt = now

	if succeeded {
		ex.Status = domain.StatusResolved
		ex.ResolvedAt = &now
	} else if ex.ResolutionAttempts >= ex.MaxResolutionAttempts {
		ex.ResolutionBlocked = true
		ex.ResolutionBlockReason = maxResolutionBlockReason
	}
	return cloneException(ex), nil
}

func (s *MemStore) ResetResolutionBlock(ctx context.Context, tenant, id string) (*domain.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.byID[id]
	if !ok || ex.Tenant != tenant {
		return nil, core.NewDomainError("exceptionstore.ResetResolutionBlock", core.KindInternal, core.ErrNotFound)
	}

	ex.ResolutionAttempts = 0
	ex.ResolutionBlocked = false
	ex.ResolutionBlockReason = ""
	ex.UpdatedAt = s.clock.Now()
	return cloneException(ex), nil
}

func cloneException(ex *domain.Exception) *domain.Exception {
	cp := *ex
	return &cp
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
