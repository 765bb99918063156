// Package storage holds the Postgres-backed implementations of the
// store interfaces that, for testing and local development, also have
// in-memory fakes living alongside their interfaces (exceptionstore,
// eventstore, dlq). It also owns the golang-migrate schema under
// migrations/.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
	"github.com/octup/fulfillment-core/exceptionstore"
)

// ExceptionPostgresStore is the production exceptionstore.Store,
// backed by the exceptions table defined in migrations/. It enforces
// the same state-machine rule exceptionstore.MemStore does, via
// exceptionstore.ValidateTransition, so a row's transition history can
// never diverge between the two implementations.
type ExceptionPostgresStore struct {
	db                 *sql.DB
	logger             core.Logger
	defaultMaxAttempts int
}

// NewExceptionPostgresStore wraps an already-opened *sql.DB. The caller
// owns the connection's lifecycle.
func NewExceptionPostgresStore(db *sql.DB, defaultMaxAttempts int, logger core.Logger) *ExceptionPostgresStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 2
	}
	return &ExceptionPostgresStore{db: db, defaultMaxAttempts: defaultMaxAttempts, logger: logger}
}

func (s *ExceptionPostgresStore) UpsertOpen(ctx context.Context, tenant, orderID string, reasonCode domain.ReasonCode, severity domain.Severity, contextData map[string]interface{}, correlationID string) (*domain.Exception, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindTransient, err)
	}
	defer tx.Rollback()

	contextJSON, err := json.Marshal(contextData)
	if err != nil {
		return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindInternal, fmt.Errorf("marshal context_data: %w", err))
	}

	existing, err := scanException(tx.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+`
		FROM exceptions
		WHERE tenant = $1 AND order_id = $2 AND reason_code = $3 AND status = 'OPEN'
		FOR UPDATE`, tenant, orderID, string(reasonCode)))
	now := time.Now().UTC()

	switch {
	case err == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE exceptions SET context_data = $1, updated_at = $2 WHERE id = $3`,
			contextJSON, now, existing.ID); execErr != nil {
			return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindTransient, execErr)
		}
		existing.ContextData = contextData
		existing.UpdatedAt = now
		if err := tx.Commit(); err != nil {
			return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindTransient, err)
		}
		return existing, false, nil

	case err == sql.ErrNoRows:
		ex := &domain.Exception{
			ID:                    exceptionstore.NewID(),
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
		const q = `
			INSERT INTO exceptions
				(id, tenant, order_id, reason_code, status, severity, ai_label, ai_confidence,
				 ops_note, client_note, context_data, correlation_id, resolution_attempts,
				 max_resolution_attempts, last_resolution_attempt_at, resolution_blocked,
				 resolution_block_reason, created_at, updated_at, resolved_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
		if _, execErr := tx.ExecContext(ctx, q,
			ex.ID, ex.Tenant, ex.OrderID, string(ex.ReasonCode), string(ex.Status), string(ex.Severity),
			ex.AILabel, ex.AIConfidence, ex.OpsNote, ex.ClientNote, contextJSON, ex.CorrelationID,
			ex.ResolutionAttempts, ex.MaxResolutionAttempts, ex.LastResolutionAttemptAt,
			ex.ResolutionBlocked, ex.ResolutionBlockReason, ex.CreatedAt, ex.UpdatedAt, ex.ResolvedAt,
		); execErr != nil {
			return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindTransient, fmt.Errorf("insert exception: %w", execErr))
		}
		if err := tx.Commit(); err != nil {
			return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindTransient, err)
		}
		return ex, true, nil

	default:
		return nil, false, core.NewDomainError("exceptionstore.UpsertOpen", core.KindTransient, err)
	}
}

func (s *ExceptionPostgresStore) Get(ctx context.Context, tenant, id string) (*domain.Exception, error) {
	ex, err := scanException(s.db.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+` FROM exceptions WHERE tenant = $1 AND id = $2`, tenant, id))
	if err == sql.ErrNoRows {
		return nil, core.NewDomainError("exceptionstore.Get", core.KindInternal, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.Get", core.KindTransient, err)
	}
	return ex, nil
}

func (s *ExceptionPostgresStore) List(ctx context.Context, tenant string, filter exceptionstore.ListFilter) ([]domain.Exception, error) {
	q := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE tenant = $1`
	args := []interface{}{tenant}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ReasonCode != "" {
		args = append(args, string(filter.ReasonCode))
		q += fmt.Sprintf(" AND reason_code = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		q += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if filter.OrderID != "" {
		args = append(args, filter.OrderID)
		q += fmt.Sprintf(" AND order_id = $%d", len(args))
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	args = append(args, pageSize, (page-1)*pageSize)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.List", core.KindTransient, err)
	}
	defer rows.Close()

	out := []domain.Exception{}
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, core.NewDomainError("exceptionstore.List", core.KindInternal, err)
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

func (s *ExceptionPostgresStore) Transition(ctx context.Context, tenant, id string, to domain.ExceptionStatus) (*domain.Exception, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.Transition", core.KindTransient, err)
	}
	defer tx.Rollback()

	ex, err := scanException(tx.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+` FROM exceptions WHERE tenant = $1 AND id = $2 FOR UPDATE`, tenant, id))
	if err == sql.ErrNoRows {
		return nil, core.NewDomainError("exceptionstore.Transition", core.KindInternal, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.Transition", core.KindTransient, err)
	}

	if err := exceptionstore.ValidateTransition(ex.Status, to); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	resolvedAt := resolvedAtFor(to, now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE exceptions SET status = $1, resolved_at = $2, updated_at = $3 WHERE tenant = $4 AND id = $5`,
		string(to), resolvedAt, now, tenant, id); err != nil {
		return nil, core.NewDomainError("exceptionstore.Transition", core.KindTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, core.NewDomainError("exceptionstore.Transition", core.KindTransient, err)
	}

	ex.Status = to
	ex.ResolvedAt = resolvedAt
	ex.UpdatedAt = now
	return ex, nil
}

func (s *ExceptionPostgresStore) ApplyAIClassification(ctx context.Context, tenant, id string, label string, confidence *float64, opsNote, clientNote string) (*domain.Exception, error) {
	opsNote = truncate(opsNote, 2000)
	clientNote = truncate(clientNote, 1000)
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE exceptions
		SET ai_label = $1, ai_confidence = $2, ops_note = $3, client_note = $4, updated_at = $5
		WHERE tenant = $6 AND id = $7`,
		label, confidence, opsNote, clientNote, now, tenant, id)
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.ApplyAIClassification", core.KindTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.NewDomainError("exceptionstore.ApplyAIClassification", core.KindInternal, core.ErrNotFound)
	}
	return s.Get(ctx, tenant, id)
}

func (s *ExceptionPostgresStore) SetSeverity(ctx context.Context, tenant, id string, severity domain.Severity) (*domain.Exception, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE exceptions SET severity = $1, updated_at = $2 WHERE tenant = $3 AND id = $4`,
		string(severity), now, tenant, id)
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.SetSeverity", core.KindTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.NewDomainError("exceptionstore.SetSeverity", core.KindInternal, core.ErrNotFound)
	}
	return s.Get(ctx, tenant, id)
}

func (s *ExceptionPostgresStore) RecordResolutionAttempt(ctx context.Context, tenant, id string, succeeded bool, now time.Time) (*domain.Exception, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.RecordResolutionAttempt", core.KindTransient, err)
	}
	defer tx.Rollback()

	ex, err := scanException(tx.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+` FROM exceptions WHERE tenant = $1 AND id = $2 FOR UPDATE`, tenant, id))
	if err == sql.ErrNoRows {
		return nil, core.NewDomainError("exceptionstore.RecordResolutionAttempt", core.KindInternal, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.RecordResolutionAttempt", core.KindTransient, err)
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

	if _, err := tx.ExecContext(ctx, `
		UPDATE exceptions
		SET status = $1, resolved_at = $2, resolution_attempts = $3, last_resolution_attempt_at = $4,
		    resolution_blocked = $5, resolution_block_reason = $6, updated_at = $7
		WHERE tenant = $8 AND id = $9`,
		string(ex.Status), ex.ResolvedAt, ex.ResolutionAttempts, ex.LastResolutionAttemptAt,
		ex.ResolutionBlocked, ex.ResolutionBlockReason, ex.UpdatedAt, tenant, id); err != nil {
		return nil, core.NewDomainError("exceptionstore.RecordResolutionAttempt", core.KindTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, core.NewDomainError("exceptionstore.RecordResolutionAttempt", core.KindTransient, err)
	}
	return ex, nil
}

func (s *ExceptionPostgresStore) ResetResolutionBlock(ctx context.Context, tenant, id string) (*domain.Exception, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE exceptions
		SET resolution_attempts = 0, resolution_blocked = false, resolution_block_reason = '', updated_at = $1
		WHERE tenant = $2 AND id = $3`, now, tenant, id)
	if err != nil {
		return nil, core.NewDomainError("exceptionstore.ResetResolutionBlock", core.KindTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.NewDomainError("exceptionstore.ResetResolutionBlock", core.KindInternal, core.ErrNotFound)
	}
	return s.Get(ctx, tenant, id)
}

const maxResolutionBlockReason = "Maximum resolution attempts reached"

// resolvedAtFor mirrors exceptionstore.MemStore's unexported helper of
// the same name: resolved_at is set to now for a RESOLVED or CLOSED
// target (including CLOSED -> RESOLVED) and nil for any other target.
func resolvedAtFor(to domain.ExceptionStatus, now time.Time) *time.Time {
	if to == domain.StatusResolved || to == domain.StatusClosed {
		t := now
		return &t
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

const exceptionColumns = `
	id, tenant, order_id, reason_code, status, severity, ai_label, ai_confidence,
	ops_note, client_note, context_data, correlation_id, resolution_attempts,
	max_resolution_attempts, last_resolution_attempt_at, resolution_blocked,
	resolution_block_reason, created_at, updated_at, resolved_at`

// rowScanner abstracts over *sql.Row and *sql.Rows so scanException can
// serve both a single-row QueryRowContext and a List loop.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanException(row rowScanner) (*domain.Exception, error) {
	var ex domain.Exception
	var reasonCode, status, severity string
	var contextJSON []byte
	if err := row.Scan(
		&ex.ID, &ex.Tenant, &ex.OrderID, &reasonCode, &status, &severity, &ex.AILabel, &ex.AIConfidence,
		&ex.OpsNote, &ex.ClientNote, &contextJSON, &ex.CorrelationID, &ex.ResolutionAttempts,
		&ex.MaxResolutionAttempts, &ex.LastResolutionAttemptAt, &ex.ResolutionBlocked,
		&ex.ResolutionBlockReason, &ex.CreatedAt, &ex.UpdatedAt, &ex.ResolvedAt,
	); err != nil {
		return nil, err
	}
	ex.ReasonCode = domain.ReasonCode(reasonCode)
	ex.Status = domain.ExceptionStatus(status)
	ex.Severity = domain.Severity(severity)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &ex.ContextData); err != nil {
			return nil, fmt.Errorf("unmarshal context_data: %w", err)
		}
	}
	return &ex, nil
}

