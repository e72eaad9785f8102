package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// UnitStore reads and mutates unit rows. Status transitions go through
// UpdateStatus only; last-seen tracking through UpdateLastReading.
type UnitStore struct{}

func NewUnitStore() *UnitStore { return &UnitStore{} }

const unitColumns = `u.unit_id, u.area_id, a.site_id, s.tenant_id, u.name,
	u.min_temp, u.max_temp, u.temp_unit, u.status, u.status_changed_at,
	u.last_reading_at, u.last_temp, u.restore_streak, u.active`

func scanUnit(row interface{ Scan(...interface{}) error }) (*Unit, error) {
	var u Unit
	var status string
	err := row.Scan(&u.UnitID, &u.AreaID, &u.SiteID, &u.TenantID, &u.Name,
		&u.MinTemp, &u.MaxTemp, &u.TempUnit, &status, &u.StatusChangedAt,
		&u.LastReadingAt, &u.LastTemp, &u.RestoreStreak, &u.Active)
	if err != nil {
		return nil, err
	}
	u.Status = UnitStatus(status)
	return &u, nil
}

// GetScoped loads a unit after validating the tenant chain and active flags.
// Returns (nil, nil) when absent or cross-tenant.
func (us *UnitStore) GetScoped(ctx context.Context, q Querier, tenantID, unitID string) (*Unit, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+unitColumns+`
		FROM units u
		JOIN areas a ON a.area_id = u.area_id AND a.active
		JOIN sites s ON s.site_id = a.site_id AND s.active
		WHERE u.unit_id = $1 AND s.tenant_id = $2 AND u.active`,
		unitID, tenantID)
	u, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

// GetForUpdate locks the unit row for the duration of the transaction so
// concurrent evaluations of the same unit serialize at the database.
func (us *UnitStore) GetForUpdate(ctx context.Context, tx *sql.Tx, tenantID, unitID string) (*Unit, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+unitColumns+`
		FROM units u
		JOIN areas a ON a.area_id = u.area_id AND a.active
		JOIN sites s ON s.site_id = a.site_id AND s.active
		WHERE u.unit_id = $1 AND s.tenant_id = $2 AND u.active
		FOR UPDATE OF u`,
		unitID, tenantID)
	u, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock unit: %w", err)
	}
	return u, nil
}

// FilterOwned returns the subset of unitIDs that belong to the tenant via
// the hierarchy join. IDs owned by other tenants are simply absent from the
// result (silent filter).
func (us *UnitStore) FilterOwned(ctx context.Context, q Querier, tenantID string, unitIDs []string) (map[string]bool, error) {
	owned := make(map[string]bool, len(unitIDs))
	if len(unitIDs) == 0 {
		return owned, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT u.unit_id
		FROM units u
		JOIN areas a ON a.area_id = u.area_id AND a.active
		JOIN sites s ON s.site_id = a.site_id AND s.active
		WHERE s.tenant_id = $1 AND u.active AND u.unit_id = ANY($2)`,
		tenantID, pq.Array(unitIDs))
	if err != nil {
		return nil, fmt.Errorf("filter units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owned[id] = true
	}
	return owned, rows.Err()
}

// UpdateStatus writes a status transition plus the restore streak counter.
func (us *UnitStore) UpdateStatus(ctx context.Context, q Querier, unitID string, status UnitStatus, at time.Time, restoreStreak int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE units SET status = $2, status_changed_at = $3, restore_streak = $4
		WHERE unit_id = $1`,
		unitID, string(status), at, restoreStreak)
	if err != nil {
		return fmt.Errorf("update unit status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRestoreStreak updates only the streak counter (no transition).
func (us *UnitStore) SetRestoreStreak(ctx context.Context, q Querier, unitID string, streak int) error {
	_, err := q.ExecContext(ctx,
		`UPDATE units SET restore_streak = $2 WHERE unit_id = $1`, unitID, streak)
	return err
}

// UpdateLastReading records the most recent reading time and temperature.
// Guarded so an out-of-order batch never moves last_reading_at backwards.
func (us *UnitStore) UpdateLastReading(ctx context.Context, q Querier, unitID string, at time.Time, tempTenths int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE units SET last_reading_at = $2, last_temp = $3
		WHERE unit_id = $1
		  AND (last_reading_at IS NULL OR last_reading_at <= $2)`,
		unitID, at, tempTenths)
	if err != nil {
		return fmt.Errorf("update last reading: %w", err)
	}
	return nil
}

// StaleUnit is a unit eligible for the offline downgrade sweep.
type StaleUnit struct {
	UnitID   string
	TenantID string
	SiteID   string
	Status   UnitStatus
}

// ListStale returns active units whose last reading is older than the
// offline cutoff (or that never reported and were created before the grace
// cutoff) and that are not already offline.
func (us *UnitStore) ListStale(ctx context.Context, q Querier, offlineCutoff, graceCutoff time.Time) ([]StaleUnit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT u.unit_id, s.tenant_id, s.site_id, u.status
		FROM units u
		JOIN areas a ON a.area_id = u.area_id AND a.active
		JOIN sites s ON s.site_id = a.site_id AND s.active
		WHERE u.active
		  AND u.status NOT IN ('offline')
		  AND (
			(u.last_reading_at IS NOT NULL AND u.last_reading_at < $1)
			OR (u.last_reading_at IS NULL AND u.status_changed_at < $2)
		  )`,
		offlineCutoff, graceCutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale units: %w", err)
	}
	defer rows.Close()

	var out []StaleUnit
	for rows.Next() {
		var su StaleUnit
		var status string
		if err := rows.Scan(&su.UnitID, &su.TenantID, &su.SiteID, &status); err != nil {
			return nil, err
		}
		su.Status = UnitStatus(status)
		out = append(out, su)
	}
	return out, rows.Err()
}
