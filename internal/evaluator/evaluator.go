package evaluator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/threshold"
)

// Result describes what one evaluation did. Nil pointers mean "nothing".
type Result struct {
	UnitID     string
	TenantID   string
	SiteID     string
	FromStatus store.UnitStatus
	ToStatus   store.UnitStatus

	AlertCreated  *store.Alert
	AlertPromoted *store.Alert
	AlertResolved *store.Alert
}

// Transitioned reports whether the unit's status changed.
func (r *Result) Transitioned() bool { return r.FromStatus != r.ToStatus }

// Evaluator applies the FSM to readings, one unit at a time, inside a
// transaction holding the unit row lock.
type Evaluator struct {
	db       *sql.DB
	units    *store.UnitStore
	alerts   *store.AlertStore
	resolver *threshold.Resolver
	logger   *log.Logger
}

func New(db *sql.DB, units *store.UnitStore, alerts *store.AlertStore, resolver *threshold.Resolver) *Evaluator {
	return &Evaluator{
		db:       db,
		units:    units,
		alerts:   alerts,
		resolver: resolver,
		logger:   log.New(log.Writer(), "[EVALUATOR] ", log.LstdFlags),
	}
}

// Evaluate runs one FSM tick for a reading. Returns (nil, nil) when the unit
// is missing, cross-tenant, or has no thresholds configured.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, unitID string, tempTenths int, recordedAt time.Time) (*Result, error) {
	var result *Result
	err := store.WithinTx(ctx, e.db, func(tx *sql.Tx) error {
		unit, err := e.units.GetForUpdate(ctx, tx, tenantID, unitID)
		if err != nil {
			return err
		}
		if unit == nil {
			return nil
		}

		th, err := e.resolver.Resolve(ctx, tx, unit)
		if errors.Is(err, threshold.ErrNoThresholds) {
			return nil
		}
		if err != nil {
			return err
		}

		d := Decide(unit.Status, unit.StatusChangedAt, unit.RestoreStreak, th, tempTenths, recordedAt)

		// manual_required never auto-clears on a healthy reading.
		if unit.Status == store.UnitManualRequired && d.NewStatus == store.UnitOK && !d.CreateAlert {
			d.NewStatus = store.UnitManualRequired
		}

		r := &Result{
			UnitID:     unit.UnitID,
			TenantID:   unit.TenantID,
			SiteID:     unit.SiteID,
			FromStatus: unit.Status,
			ToStatus:   d.NewStatus,
		}

		if d.NewStatus != unit.Status {
			if err := e.units.UpdateStatus(ctx, tx, unit.UnitID, d.NewStatus, recordedAt, d.RestoreStreak); err != nil {
				return err
			}
		} else if d.RestoreStreak != unit.RestoreStreak {
			if err := e.units.SetRestoreStreak(ctx, tx, unit.UnitID, d.RestoreStreak); err != nil {
				return err
			}
		}

		switch {
		case d.CreateAlert:
			alert := &store.Alert{
				AlertID:       uuid.NewString(),
				UnitID:        unit.UnitID,
				AlertType:     store.AlertTypeTemperature,
				Severity:      store.SeverityWarning,
				Status:        store.AlertActive,
				TriggerTemp:   tempTenths,
				BoundViolated: string(d.Bound),
				TriggeredAt:   recordedAt,
			}
			created, existing, err := e.alerts.CreateIfNoOpenAlert(ctx, tx, alert)
			if err != nil {
				return err
			}
			if created {
				r.AlertCreated = alert
			} else if existing != nil {
				e.logger.Printf("Open %s alert %s already covers unit %s", existing.AlertType, existing.AlertID, unit.UnitID)
			}

		case d.PromoteAlert:
			open, err := e.alerts.GetOpenForUnit(ctx, tx, unit.UnitID, store.AlertTypeTemperature)
			if err != nil {
				return err
			}
			if open != nil {
				if _, err := e.alerts.RaiseSeverity(ctx, tx, open.AlertID, store.SeverityCritical); err != nil {
					return err
				}
				if err := e.alerts.BumpEscalation(ctx, tx, open.AlertID, 1, recordedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				open.Severity = store.SeverityCritical
				open.EscalationLevel = 1
				r.AlertPromoted = open
			}

		case d.ResolveAlert:
			open, err := e.alerts.GetOpenForUnit(ctx, tx, unit.UnitID, store.AlertTypeTemperature)
			if err != nil {
				return err
			}
			if open != nil {
				resolved, err := e.alerts.Resolve(ctx, tx, open.AlertID, "system", "auto_restored", nil, recordedAt)
				if err != nil {
					return err
				}
				r.AlertResolved = resolved
			}
		}

		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate unit %s: %w", unitID, err)
	}
	return result, nil
}
