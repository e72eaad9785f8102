package store

import (
	"context"
	"fmt"
)

// RuleStore reads alert rules. Precedence (unit > site > tenant) is decided
// by the threshold resolver; this store only returns the candidates.
type RuleStore struct{}

func NewRuleStore() *RuleStore { return &RuleStore{} }

// ListEnabledForUnit returns every enabled rule of the given type that could
// apply to the unit: its own unit-scope rule, its site's rule and the tenant
// default. Ordered most specific first, then oldest first as tie-break.
func (rs *RuleStore) ListEnabledForUnit(ctx context.Context, q Querier, tenantID, siteID, unitID, alertType string) ([]AlertRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rule_id, tenant_id, site_id, unit_id, alert_type, enabled,
		       min_temp, max_temp, confirm_minutes, created_at
		FROM alert_rules
		WHERE tenant_id = $1 AND alert_type = $4 AND enabled
		  AND (unit_id = $3
		       OR (unit_id IS NULL AND site_id = $2)
		       OR (unit_id IS NULL AND site_id IS NULL))
		ORDER BY (unit_id IS NOT NULL) DESC, (site_id IS NOT NULL) DESC, created_at ASC`,
		tenantID, siteID, unitID, alertType)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []AlertRule
	for rows.Next() {
		var r AlertRule
		if err := rows.Scan(&r.RuleID, &r.TenantID, &r.SiteID, &r.UnitID,
			&r.AlertType, &r.Enabled, &r.MinTemp, &r.MaxTemp,
			&r.ConfirmMinutes, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
