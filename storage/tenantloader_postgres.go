package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// TenantPostgresLoader is the production policystore.TenantLoader,
// backed by the tenants table defined in migrations/. SLA rules and
// holiday dates are stored as JSON columns since they're read as a
// whole policy document, never queried by individual rule.
type TenantPostgresLoader struct {
	db *sql.DB
}

// NewTenantPostgresLoader wraps an already-opened *sql.DB.
func NewTenantPostgresLoader(db *sql.DB) *TenantPostgresLoader {
	return &TenantPostgresLoader{db: db}
}

type slaPolicyDoc struct {
	Rules                []domain.SLARule `json:"rules"`
	WeekendMultiplier    float64          `json:"weekend_multiplier"`
	HolidayMultiplier    float64          `json:"holiday_multiplier"`
	HighVolumeMultiplier float64          `json:"high_volume_multiplier"`
	HighVolumeThreshold  int              `json:"high_volume_threshold"`
	HolidayDates         map[string]bool  `json:"holiday_dates"`
}

func (l *TenantPostgresLoader) LoadSLAPolicy(ctx context.Context, tenant string) (domain.SLAPolicy, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT sla_policy FROM tenants WHERE id = $1`, tenant).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.SLAPolicy{}, core.NewDomainError("storage.LoadSLAPolicy", core.KindInternal, core.ErrNotFound)
	}
	if err != nil {
		return domain.SLAPolicy{}, core.NewDomainError("storage.LoadSLAPolicy", core.KindTransient, err)
	}

	var doc slaPolicyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.SLAPolicy{}, core.NewDomainError("storage.LoadSLAPolicy", core.KindInternal, fmt.Errorf("unmarshal sla_policy: %w", err))
	}
	return domain.SLAPolicy{
		Rules:                doc.Rules,
		WeekendMultiplier:    doc.WeekendMultiplier,
		HolidayMultiplier:    doc.HolidayMultiplier,
		HighVolumeMultiplier: doc.HighVolumeMultiplier,
		HighVolumeThreshold:  doc.HighVolumeThreshold,
		HolidayDates:         doc.HolidayDates,
	}, nil
}

// UpsertTenant writes or replaces a tenant's SLA policy document, used
// by the (out of scope here) admin tenant-config endpoint and by
// migration seed scripts.
func (l *TenantPostgresLoader) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	doc := slaPolicyDoc{
		Rules:                t.SLAPolicy.Rules,
		WeekendMultiplier:    t.SLAPolicy.WeekendMultiplier,
		HolidayMultiplier:    t.SLAPolicy.HolidayMultiplier,
		HighVolumeMultiplier: t.SLAPolicy.HighVolumeMultiplier,
		HighVolumeThreshold:  t.SLAPolicy.HighVolumeThreshold,
		HolidayDates:         t.SLAPolicy.HolidayDates,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return core.NewDomainError("storage.UpsertTenant", core.KindInternal, fmt.Errorf("marshal sla_policy: %w", err))
	}

	const q = `
		INSERT INTO tenants (id, display_name, sla_policy, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET display_name = $2, sla_policy = $3, updated_at = now()`
	if _, err := l.db.ExecContext(ctx, q, t.ID, t.DisplayName, raw); err != nil {
		return core.NewDomainError("storage.UpsertTenant", core.KindTransient, err)
	}
	return nil
}
