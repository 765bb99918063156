// Package eventstore owns OrderEvent persistence: the append-only log
// keyed by (tenant, source, event_id) described in spec.md §2/§3. No
// other package writes an OrderEvent directly.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// Store is the OrderEvent persistence boundary. Append returns
// core.ErrDuplicateEvent when the (tenant, source, event_id) unique
// index already holds the row — "database is the source of truth" per
// spec.md §4.1 step 3.
type Store interface {
	// Append persists one OrderEvent. Duplicate (tenant, source,
	// event_id) triples return core.ErrDuplicateEvent and no error
	// otherwise; the event is never mutated after this call succeeds.
	Append(ctx context.Context, event *domain.OrderEvent) error
	// Timeline returns every event for (tenant, order_id) ordered by
	// occurred_at ascending, the input the SLA Engine evaluates.
	Timeline(ctx context.Context, tenant, orderID string) ([]domain.OrderEvent, error)
	// Exists reports whether (tenant, source, event_id) has already been
	// persisted, used by the orchestrator to classify accepted_with_errors
	// retries as duplicates rather than re-processing.
	Exists(ctx context.Context, tenant string, source domain.Source, eventID string) (bool, error)
	// AppendBatch persists every event in one transaction, ignoring rows
	// that violate the (tenant, source, event_id) unique index rather
	// than failing the whole batch — spec.md §4.1 "IngestBatch": "bulk-
	// inserts OrderEvent rows with 'ignore on conflict' semantics...
	// Single commit per batch." Only a transaction-level failure (not a
	// per-row conflict) returns an error.
	AppendBatch(ctx context.Context, events []*domain.OrderEvent) error
}

// PostgresStore is the production Store, backed by the order_events
// table defined in storage/migrations.
type PostgresStore struct {
	db     *sql.DB
	logger core.Logger
}

// NewPostgresStore wraps an already-opened *sql.DB. The caller owns the
// connection's lifecycle (pool sizing, Close).
func NewPostgresStore(db *sql.DB, logger core.Logger) *PostgresStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Append(ctx context.Context, event *domain.OrderEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	event.CreatedAt = now

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return core.NewDomainError("eventstore.Append", core.KindInternal, fmt.Errorf("marshal payload: %w", err))
	}

	const q = `
		INSERT INTO order_events
			(id, tenant, source, event_type, event_id, order_id, occurred_at, payload, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant, source, event_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q,
		event.ID, event.Tenant, string(event.Source), event.EventType, event.EventID,
		event.OrderID, event.OccurredAt.UTC(), payload, event.CorrelationID, now)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return core.NewDomainError("eventstore.Append", core.KindDuplicate, core.ErrDuplicateEvent)
		}
		return core.NewDomainError("eventstore.Append", core.KindTransient, fmt.Errorf("insert order_event: %w", err))
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return core.NewDomainError("eventstore.Append", core.KindTransient, err)
	}
	if rows == 0 {
		return core.NewDomainError("eventstore.Append", core.KindDuplicate, core.ErrDuplicateEvent)
	}
	return nil
}

func (s *PostgresStore) Timeline(ctx context.Context, tenant, orderID string) ([]domain.OrderEvent, error) {
	const q = `
		SELECT id, tenant, source, event_type, event_id, order_id, occurred_at, payload, correlation_id, created_at
		FROM order_events
		WHERE tenant = $1 AND order_id = $2
		ORDER BY occurred_at ASC`

	rows, err := s.db.QueryContext(ctx, q, tenant, orderID)
	if err != nil {
		return nil, core.NewDomainError("eventstore.Timeline", core.KindTransient, err)
	}
	defer rows.Close()

	var out []domain.OrderEvent
	for rows.Next() {
		var ev domain.OrderEvent
		var source string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Tenant, &source, &ev.EventType, &ev.EventID,
			&ev.OrderID, &ev.OccurredAt, &payload, &ev.CorrelationID, &ev.CreatedAt); err != nil {
			return nil, core.NewDomainError("eventstore.Timeline", core.KindInternal, err)
		}
		ev.Source = domain.Source(source)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, core.NewDomainError("eventstore.Timeline", core.KindInternal, fmt.Errorf("unmarshal payload: %w", err))
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendBatch inserts every event inside one transaction via repeated
// ON CONFLICT DO NOTHING statements, matching Append's per-row
// duplicate semantics but committing (or rolling back) as a unit.
func (s *PostgresStore) AppendBatch(ctx context.Context, events []*domain.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewDomainError("eventstore.AppendBatch", core.KindTransient, err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO order_events
			(id, tenant, source, event_type, event_id, order_id, occurred_at, payload, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant, source, event_id) DO NOTHING`

	now := time.Now().UTC()
	for _, event := range events {
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		event.CreatedAt = now

		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return core.NewDomainError("eventstore.AppendBatch", core.KindInternal, fmt.Errorf("marshal payload: %w", err))
		}
		if _, err := tx.ExecContext(ctx, q,
			event.ID, event.Tenant, string(event.Source), event.EventType, event.EventID,
			event.OrderID, event.OccurredAt.UTC(), payload, event.CorrelationID, now); err != nil {
			return core.NewDomainError("eventstore.AppendBatch", core.KindTransient, fmt.Errorf("insert order_event: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return core.NewDomainError("eventstore.AppendBatch", core.KindTransient, fmt.Errorf("commit batch: %w", err))
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, tenant string, source domain.Source, eventID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM order_events WHERE tenant = $1 AND source = $2 AND event_id = $3)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, tenant, string(source), eventID).Scan(&exists); err != nil {
		return false, core.NewDomainError("eventstore.Exists", core.KindTransient, err)
	}
	return exists, nil
}
