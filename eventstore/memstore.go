package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// MemStore is an in-process Store for tests and local development
// without a live Postgres instance. It enforces the same
// (tenant, source, event_id) uniqueness the production unique index
// provides.
type MemStore struct {
	mu     sync.Mutex
	events map[string]*domain.OrderEvent
	order  []string
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string]*domain.OrderEvent)}
}

func key(tenant string, source domain.Source, eventID string) string {
	return tenant + "|" + string(source) + "|" + eventID
}

func (s *MemStore) Append(ctx context.Context, event *domain.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(event.Tenant, event.Source, event.EventID)
	if _, exists := s.events[k]; exists {
		return core.NewDomainError("eventstore.Append", core.KindDuplicate, core.ErrDuplicateEvent)
	}

	cp := *event
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now().UTC()
	s.events[k] = &cp
	s.order = append(s.order, k)
	return nil
}

func (s *MemStore) Timeline(ctx context.Context, tenant, orderID string) ([]domain.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.OrderEvent
	for _, k := range s.order {
		ev := s.events[k]
		if ev.Tenant == tenant && ev.OrderID == orderID {
			out = append(out, *ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// AppendBatch inserts every event under one lock, skipping rows that
// collide with an existing (tenant, source, event_id) key, mirroring
// PostgresStore.AppendBatch's ignore-on-conflict semantics.
func (s *MemStore) AppendBatch(ctx context.Context, events []*domain.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, event := range events {
		k := key(event.Tenant, event.Source, event.EventID)
		if _, exists := s.events[k]; exists {
			continue
		}
		cp := *event
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.CreatedAt = now
		s.events[k] = &cp
		s.order = append(s.order, k)
	}
	return nil
}

func (s *MemStore) Exists(ctx context.Context, tenant string, source domain.Source, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[key(tenant, source, eventID)]
	return ok, nil
}
