// Package dlq implements the dead-letter queue described in spec.md
// §4.8: durable storage for failed processing items, a capped
// exponential retry schedule, and an operator/scheduler-driven replay
// worker.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

const (
	// DefaultMaxAttempts mirrors spec.md §3's DLQItem default.
	DefaultMaxAttempts = 3
	// initialRetryDelay and maxRetryDelay define the capped exponential
	// schedule in spec.md §4.8: min(5 * 2^attempts, 60) minutes.
	initialRetryDelayMinutes = 5
	maxRetryDelayMinutes     = 60
)

// NextRetryDelay returns the backoff for the attempts-th failure,
// property 12: successive failures produce +5, +10, +20, +40, +60
// (capped) minute delays.
func NextRetryDelay(attempts int) time.Duration {
	minutes := float64(initialRetryDelayMinutes) * math.Pow(2, float64(attempts))
	if minutes > maxRetryDelayMinutes {
		minutes = maxRetryDelayMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Store is the DLQItem persistence boundary.
type Store interface {
	// Enqueue creates a PENDING item with attempts=0 and
	// next_retry_at = now + 5min, per spec.md §4.8 "Enqueue".
	Enqueue(ctx context.Context, item *domain.DLQItem) error
	// DuePending returns up to limit PENDING rows with
	// next_retry_at <= now, optionally filtered by tenant.
	DuePending(ctx context.Context, tenant string, limit int, now time.Time) ([]domain.DLQItem, error)
	// RecordResult advances an item's retry bookkeeping after one replay
	// attempt: on success, status becomes PROCESSED; on failure, attempts
	// increments and next_retry_at advances per NextRetryDelay, or the
	// item becomes FAILED once attempts reaches max_attempts.
	RecordResult(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.DLQItem, error)
	// Stats returns counts by status for the admin DLQ-stats contract.
	Stats(ctx context.Context, tenant string) (map[domain.DLQStatus]int, error)
	// Cleanup deletes PROCESSED/FAILED rows older than olderThan,
	// spec.md §4.8 "Cleanup".
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}

// PostgresStore is the production Store, backed by the dlq table.
type PostgresStore struct {
	db     *sql.DB
	logger core.Logger
}

func NewPostgresStore(db *sql.DB, logger core.Logger) *PostgresStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Enqueue(ctx context.Context, item *domain.DLQItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	item.Status = domain.DLQStatusPending
	item.Attempts = 0
	item.NextRetryAt = now.Add(5 * time.Minute)
	item.CreatedAt = now
	item.UpdatedAt = now

	const q = `
		INSERT INTO dlq
			(id, tenant, payload, error_class, error_message, stack_trace, attempts,
			 max_attempts, next_retry_at, status, correlation_id, source_operation,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := s.db.ExecContext(ctx, q,
		item.ID, item.Tenant, item.Payload, item.ErrorClass, item.ErrorMessage, item.StackTrace,
		item.Attempts, item.MaxAttempts, item.NextRetryAt, string(item.Status), item.CorrelationID,
		item.SourceOperation, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return core.NewDomainError("dlq.Enqueue", core.KindTransient, fmt.Errorf("insert dlq row: %w", err))
	}
	return nil
}

func (s *PostgresStore) DuePending(ctx context.Context, tenant string, limit int, now time.Time) ([]domain.DLQItem, error) {
	q := `
		SELECT id, tenant, payload, error_class, error_message, stack_trace, attempts,
		       max_attempts, next_retry_at, status, correlation_id, source_operation,
		       created_at, updated_at
		FROM dlq
		WHERE status = 'PENDING' AND next_retry_at <= $1`
	args := []interface{}{now}
	if tenant != "" {
		q += " AND tenant = $2 ORDER BY next_retry_at ASC LIMIT $3"
		args = append(args, tenant, limit)
	} else {
		q += " ORDER BY next_retry_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.NewDomainError("dlq.DuePending", core.KindTransient, err)
	}
	defer rows.Close()

	var out []domain.DLQItem
	for rows.Next() {
		var item domain.DLQItem
		var status string
		if err := rows.Scan(&item.ID, &item.Tenant, &item.Payload, &item.ErrorClass, &item.ErrorMessage,
			&item.StackTrace, &item.Attempts, &item.MaxAttempts, &item.NextRetryAt, &status,
			&item.CorrelationID, &item.SourceOperation, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, core.NewDomainError("dlq.DuePending", core.KindInternal, err)
		}
		item.Status = domain.DLQStatus(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordResult(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.DLQItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.NewDomainError("dlq.RecordResult", core.KindTransient, err)
	}
	defer tx.Rollback()

	var item domain.DLQItem
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant, payload, error_class, error_message, stack_trace, attempts,
		       max_attempts, next_retry_at, status, correlation_id, source_operation,
		       created_at, updated_at
		FROM dlq WHERE tenant = $1 AND id = $2 FOR UPDATE`, tenant, id).Scan(
		&item.ID, &item.Tenant, &item.Payload, &item.ErrorClass, &item.ErrorMessage,
		&item.StackTrace, &item.Attempts, &item.MaxAttempts, &item.NextRetryAt, &status,
		&item.CorrelationID, &item.SourceOperation, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, core.NewDomainError("dlq.RecordResult", core.KindInternal, core.ErrNotFound)
	}
	item.Status = domain.DLQStatus(status)

	applyResult(&item, succeeded, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE dlq SET attempts=$1, next_retry_at=$2, status=$3, updated_at=$4
		WHERE tenant=$5 AND id=$6`,
		item.Attempts, item.NextRetryAt, string(item.Status), item.UpdatedAt, tenant, id)
	if err != nil {
		return nil, core.NewDomainError("dlq.RecordResult", core.KindTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, core.NewDomainError("dlq.RecordResult", core.KindTransient, err)
	}
	return &item, nil
}

func (s *PostgresStore) Stats(ctx context.Context, tenant string) (map[domain.DLQStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM dlq WHERE tenant = $1 GROUP BY status`, tenant)
	if err != nil {
		return nil, core.NewDomainError("dlq.Stats", core.KindTransient, err)
	}
	defer rows.Close()

	out := map[domain.DLQStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, core.NewDomainError("dlq.Stats", core.KindInternal, err)
		}
		out[domain.DLQStatus(status)] = count
	}
	return out, rows.Err()
}

func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq WHERE status IN ('PROCESSED','FAILED') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, core.NewDomainError("dlq.Cleanup", core.KindTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.NewDomainError("dlq.Cleanup", core.KindTransient, err)
	}
	return int(n), nil
}

// applyResult mutates item per spec.md §4.8's retry schedule and
// terminal-status rule, shared by PostgresStore and MemStore so both
// implementations advance state identically.
func applyResult(item *domain.DLQItem, succeeded bool, now time.Time) {
	item.UpdatedAt = now
	if succeeded {
		item.Status = domain.DLQStatusProcessed
		return
	}
	item.Attempts++
	if item.Attempts >= item.MaxAttempts {
		item.Status = domain.DLQStatusFailed
		return
	}
	item.NextRetryAt = now.Add(NextRetryDelay(item.Attempts))
}

// MemStore is an in-process Store for tests and local development.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*domain.DLQItem
	clock core.Clock
}

func NewMemStore(clock core.Clock) *MemStore {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &MemStore{items: make(map[string]*domain.DLQItem), clock: clock}
}

func (s *MemStore) Enqueue(ctx context.Context, item *domain.DLQItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	now := s.clock.Now()
	item.Status = domain.DLQStatusPending
	item.Attempts = 0
	item.NextRetryAt = now.Add(5 * time.Minute)
	item.CreatedAt = now
	item.UpdatedAt = now

	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemStore) DuePending(ctx context.Context, tenant string, limit int, now time.Time) ([]domain.DLQItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DLQItem
	for _, item := range s.items {
		if item.Status != domain.DLQStatusPending {
			continue
		}
		if tenant != "" && item.Tenant != tenant {
			continue
		}
		if item.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) RecordResult(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.DLQItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Tenant != tenant {
		return nil, core.NewDomainError("dlq.RecordResult", core.KindInternal, core.ErrNotFound)
	}
	applyResult(item, succeeded, now)
	cp := *item
	return &cp, nil
}

func (s *MemStore) Stats(ctx context.Context, tenant string) (map[domain.DLQStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[domain.DLQStatus]int{}
	for _, item := range s.items {
		if item.Tenant != tenant {
			continue
		}
		out[item.Status]++
	}
	return out, nil
}

func (s *MemStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, item := range s.items {
		if (item.Status == domain.DLQStatusProcessed || item.Status == domain.DLQStatusFailed) && item.UpdatedAt.Before(olderThan) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// Payload re-marshals an arbitrary value into the []byte the DLQItem
// model stores verbatim, used by callers enqueuing a failed event/batch.
func Payload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
