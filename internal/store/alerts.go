package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AlertStore manages the alert lifecycle rows.
type AlertStore struct{}

func NewAlertStore() *AlertStore { return &AlertStore{} }

const alertColumns = `alert_id, unit_id, alert_type, severity, status,
	trigger_temp, bound_violated, triggered_at, acknowledged_at, acknowledged_by,
	ack_notes, resolved_at, resolved_by, resolution, corrective_note,
	escalation_level, escalated_at, metadata`

func scanAlert(row interface{ Scan(...interface{}) error }) (*Alert, error) {
	var a Alert
	var severity, status string
	err := row.Scan(&a.AlertID, &a.UnitID, &a.AlertType, &severity, &status,
		&a.TriggerTemp, &a.BoundViolated, &a.TriggeredAt, &a.AcknowledgedAt,
		&a.AcknowledgedBy, &a.AckNotes, &a.ResolvedAt, &a.ResolvedBy,
		&a.Resolution, &a.CorrectiveNote, &a.EscalationLevel, &a.EscalatedAt,
		&a.Metadata)
	if err != nil {
		return nil, err
	}
	a.Severity = AlertSeverity(severity)
	a.Status = AlertStatus(status)
	return &a, nil
}

// CreateIfNoOpenAlert inserts the alert unless the unit already has an open
// alert of the same type. The partial unique index makes the insert a no-op
// in the duplicate case; returns created=false then, with the existing row.
func (as *AlertStore) CreateIfNoOpenAlert(ctx context.Context, q Querier, a *Alert) (created bool, existing *Alert, err error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO alerts
			(alert_id, unit_id, alert_type, severity, status, trigger_temp,
			 bound_violated, triggered_at, escalation_level, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		ON CONFLICT (unit_id, alert_type)
			WHERE status IN ('active', 'acknowledged', 'escalated')
		DO NOTHING`,
		a.AlertID, a.UnitID, a.AlertType, string(a.Severity), string(AlertActive),
		a.TriggerTemp, a.BoundViolated, a.TriggeredAt, nullableJSON(a.Metadata))
	if err != nil {
		return false, nil, fmt.Errorf("create alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil, nil
	}
	existing, err = as.GetOpenForUnit(ctx, q, a.UnitID, a.AlertType)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetOpenForUnit returns the open alert of the given type for a unit, or
// (nil, nil) when none exists.
func (as *AlertStore) GetOpenForUnit(ctx context.Context, q Querier, unitID, alertType string) (*Alert, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE unit_id = $1 AND alert_type = $2
		  AND status IN ('active', 'acknowledged', 'escalated')`,
		unitID, alertType)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open alert: %w", err)
	}
	return a, nil
}

// GetScoped loads an alert after verifying the owning tenant through the
// unit hierarchy. Returns (nil, nil) when absent or cross-tenant.
func (as *AlertStore) GetScoped(ctx context.Context, q Querier, tenantID, alertID string) (*Alert, error) {
	row := q.QueryRowContext(ctx, `
		SELECT al.alert_id, al.unit_id, al.alert_type, al.severity, al.status,
		       al.trigger_temp, al.bound_violated, al.triggered_at,
		       al.acknowledged_at, al.acknowledged_by, al.ack_notes,
		       al.resolved_at, al.resolved_by, al.resolution, al.corrective_note,
		       al.escalation_level, al.escalated_at, al.metadata
		FROM alerts al
		JOIN units u ON u.unit_id = al.unit_id
		JOIN areas a ON a.area_id = u.area_id
		JOIN sites s ON s.site_id = a.site_id
		WHERE al.alert_id = $1 AND s.tenant_id = $2`,
		alertID, tenantID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// GetScopedWithSite is GetScoped plus the owning site, for fan-out to site
// rooms.
func (as *AlertStore) GetScopedWithSite(ctx context.Context, q Querier, tenantID, alertID string) (*Alert, string, error) {
	row := q.QueryRowContext(ctx, `
		SELECT al.alert_id, al.unit_id, al.alert_type, al.severity, al.status,
		       al.trigger_temp, al.bound_violated, al.triggered_at,
		       al.acknowledged_at, al.acknowledged_by, al.ack_notes,
		       al.resolved_at, al.resolved_by, al.resolution, al.corrective_note,
		       al.escalation_level, al.escalated_at, al.metadata,
		       s.site_id
		FROM alerts al
		JOIN units u ON u.unit_id = al.unit_id
		JOIN areas a ON a.area_id = u.area_id
		JOIN sites s ON s.site_id = a.site_id
		WHERE al.alert_id = $1 AND s.tenant_id = $2`,
		alertID, tenantID)
	var al Alert
	var severity, status, siteID string
	err := row.Scan(&al.AlertID, &al.UnitID, &al.AlertType, &severity, &status,
		&al.TriggerTemp, &al.BoundViolated, &al.TriggeredAt, &al.AcknowledgedAt,
		&al.AcknowledgedBy, &al.AckNotes, &al.ResolvedAt, &al.ResolvedBy,
		&al.Resolution, &al.CorrectiveNote, &al.EscalationLevel, &al.EscalatedAt,
		&al.Metadata, &siteID)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("get alert: %w", err)
	}
	al.Severity = AlertSeverity(severity)
	al.Status = AlertStatus(status)
	return &al, siteID, nil
}

// RaiseSeverity promotes an open alert to the given severity if it is lower
// today. No-op when the alert already sits at or above the target.
func (as *AlertStore) RaiseSeverity(ctx context.Context, q Querier, alertID string, severity AlertSeverity) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE alerts SET severity = $2
		WHERE alert_id = $1
		  AND status IN ('active', 'acknowledged', 'escalated')
		  AND CASE severity
			WHEN 'info' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END
		      < CASE $2 WHEN 'info' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END`,
		alertID, string(severity))
	if err != nil {
		return false, fmt.Errorf("raise severity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Acknowledge stamps the alert as acknowledged. Acknowledging an already
// acknowledged or escalated alert is a no-op; resolved alerts are rejected.
func (as *AlertStore) Acknowledge(ctx context.Context, q Querier, alertID, userID string, notes *string, at time.Time) (*Alert, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE alerts
		SET status = CASE WHEN status = 'active' THEN 'acknowledged' ELSE status END,
		    acknowledged_at = COALESCE(acknowledged_at, $3),
		    acknowledged_by = COALESCE(acknowledged_by, $2),
		    ack_notes = COALESCE(ack_notes, $4)
		WHERE alert_id = $1 AND status <> 'resolved'
		RETURNING `+alertColumns,
		alertID, userID, at, notes)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	return a, nil
}

// Resolve closes an open alert with a resolution note. The caller is
// responsible for the companion unit status write within the same tx.
func (as *AlertStore) Resolve(ctx context.Context, q Querier, alertID, userID string, resolution string, note *string, at time.Time) (*Alert, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE alerts
		SET status = 'resolved', resolved_at = $3, resolved_by = $2,
		    resolution = $4, corrective_note = $5
		WHERE alert_id = $1 AND status <> 'resolved'
		RETURNING `+alertColumns,
		alertID, userID, at, resolution, note)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	return a, nil
}

// BumpEscalation advances the escalation level and marks the alert escalated.
// The level only moves forward.
func (as *AlertStore) BumpEscalation(ctx context.Context, q Querier, alertID string, level int, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE alerts
		SET escalation_level = $2, escalated_at = $3,
		    status = CASE WHEN status = 'active' THEN 'escalated' ELSE status END
		WHERE alert_id = $1 AND status <> 'resolved' AND escalation_level < $2`,
		alertID, level, at)
	if err != nil {
		return fmt.Errorf("bump escalation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AlertFilter narrows ListByTenant. Zero values mean "no filter".
type AlertFilter struct {
	Status   AlertStatus
	Severity AlertSeverity
	SiteID   string
	UnitID   string
	Since    *time.Time
	Limit    int
	Offset   int
}

// AlertRow is an alert joined with its location for list endpoints.
type AlertRow struct {
	Alert
	UnitName string
	SiteID   string
	SiteName string
}

// ListByTenant returns the tenant's alerts newest first, with optional
// status/severity/location filters and pagination.
func (as *AlertStore) ListByTenant(ctx context.Context, q Querier, tenantID string, f AlertFilter) ([]AlertRow, error) {
	var (
		conds = []string{"s.tenant_id = $1"}
		args  = []interface{}{tenantID}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("al.status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("al.severity = $%d", string(f.Severity))
	}
	if f.SiteID != "" {
		add("s.site_id = $%d", f.SiteID)
	}
	if f.UnitID != "" {
		add("al.unit_id = $%d", f.UnitID)
	}
	if f.Since != nil {
		add("al.triggered_at >= $%d", *f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT al.alert_id, al.unit_id, al.alert_type, al.severity, al.status,
		       al.trigger_temp, al.bound_violated, al.triggered_at,
		       al.acknowledged_at, al.acknowledged_by, al.ack_notes,
		       al.resolved_at, al.resolved_by, al.resolution, al.corrective_note,
		       al.escalation_level, al.escalated_at, al.metadata,
		       u.name, s.site_id, s.name
		FROM alerts al
		JOIN units u ON u.unit_id = al.unit_id
		JOIN areas a ON a.area_id = u.area_id
		JOIN sites s ON s.site_id = a.site_id
		WHERE %s
		ORDER BY al.triggered_at DESC
		LIMIT %d OFFSET %d`,
		strings.Join(conds, " AND "), limit, f.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRow
	for rows.Next() {
		var r AlertRow
		var severity, status string
		if err := rows.Scan(&r.AlertID, &r.Alert.UnitID, &r.AlertType, &severity,
			&status, &r.TriggerTemp, &r.BoundViolated, &r.TriggeredAt,
			&r.AcknowledgedAt, &r.AcknowledgedBy, &r.AckNotes, &r.ResolvedAt,
			&r.ResolvedBy, &r.Resolution, &r.CorrectiveNote, &r.EscalationLevel,
			&r.EscalatedAt, &r.Metadata, &r.UnitName, &r.SiteID, &r.SiteName); err != nil {
			return nil, err
		}
		r.Severity = AlertSeverity(severity)
		r.Status = AlertStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EscalationCandidate is an open, unacknowledged alert due for the sweep.
type EscalationCandidate struct {
	Alert
	TenantID string
	SiteID   string
	UnitName string
}

// ListEscalationCandidates returns open alerts at the given severity that
// are below maxLevel and whose last escalation (falling back to the trigger
// time) is at or before dueBefore. Oldest first.
func (as *AlertStore) ListEscalationCandidates(ctx context.Context, q Querier, severity AlertSeverity, maxLevel int, dueBefore time.Time) ([]EscalationCandidate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT al.alert_id, al.unit_id, al.alert_type, al.severity, al.status,
		       al.trigger_temp, al.bound_violated, al.triggered_at,
		       al.escalation_level, al.escalated_at,
		       s.tenant_id, s.site_id, u.name
		FROM alerts al
		JOIN units u ON u.unit_id = al.unit_id
		JOIN areas a ON a.area_id = u.area_id
		JOIN sites s ON s.site_id = a.site_id
		WHERE al.status IN ('active', 'acknowledged', 'escalated')
		  AND al.severity = $1
		  AND al.escalation_level < $2
		  AND COALESCE(al.escalated_at, al.triggered_at) <= $3
		ORDER BY al.triggered_at ASC`,
		string(severity), maxLevel, dueBefore)
	if err != nil {
		return nil, fmt.Errorf("list escalation candidates: %w", err)
	}
	defer rows.Close()

	var out []EscalationCandidate
	for rows.Next() {
		var c EscalationCandidate
		var sev, status string
		if err := rows.Scan(&c.AlertID, &c.Alert.UnitID, &c.AlertType, &sev,
			&status, &c.TriggerTemp, &c.BoundViolated, &c.TriggeredAt,
			&c.EscalationLevel, &c.EscalatedAt,
			&c.TenantID, &c.SiteID, &c.UnitName); err != nil {
			return nil, err
		}
		c.Severity = AlertSeverity(sev)
		c.Status = AlertStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
