// Package threshold resolves the effective temperature limits for a unit
// from the rule hierarchy and the unit's own bounds.
package threshold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldsense/backend/internal/store"
)

// HysteresisTenths is how far inside the violated bound a reading must sit
// before it counts toward recovery. Tenths of a degree.
const HysteresisTenths = 5

// ErrNoThresholds means neither the unit nor any rule supplies a usable
// envelope (both bounds, min below max). The caller skips evaluation for
// such units.
var ErrNoThresholds = errors.New("no thresholds configured")

// Thresholds is the resolved envelope for one unit.
type Thresholds struct {
	MinTemp      *int
	MaxTemp      *int
	ConfirmDelay time.Duration
	SourceRuleID string // empty when taken from the unit row
}

// Violation reports which bound a temperature breaks, if any.
type Violation string

const (
	ViolationNone Violation = ""
	ViolationMin  Violation = "min"
	ViolationMax  Violation = "max"
)

// Check classifies a temperature against the envelope.
func (t *Thresholds) Check(tempTenths int) Violation {
	if t.MinTemp != nil && tempTenths < *t.MinTemp {
		return ViolationMin
	}
	if t.MaxTemp != nil && tempTenths > *t.MaxTemp {
		return ViolationMax
	}
	return ViolationNone
}

// Restored reports whether the temperature has re-entered the band by at
// least the hysteresis margin on both sides. This, not Check, gates the
// transition out of an alarm.
func (t *Thresholds) Restored(tempTenths int) bool {
	if t.MinTemp != nil && tempTenths < *t.MinTemp+HysteresisTenths {
		return false
	}
	if t.MaxTemp != nil && tempTenths > *t.MaxTemp-HysteresisTenths {
		return false
	}
	return true
}

// RuleLister is the slice of the rule store the resolver needs.
type RuleLister interface {
	ListEnabledForUnit(ctx context.Context, q store.Querier, tenantID, siteID, unitID, alertType string) ([]store.AlertRule, error)
}

// Resolver picks the effective thresholds: the most specific enabled rule
// (unit beats site beats tenant), falling back to the unit's own bounds.
type Resolver struct {
	rules RuleLister
}

func NewResolver(rules RuleLister) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve returns the thresholds in effect for the unit, or ErrNoThresholds.
// The unit's own bounds are the base; the most specific enabled rule
// overrides whichever bounds it sets and supplies the confirmation delay.
// The merged envelope must carry both bounds with min below max; anything
// less is unusable and the unit is skipped.
func (r *Resolver) Resolve(ctx context.Context, q store.Querier, u *store.Unit) (*Thresholds, error) {
	rules, err := r.rules.ListEnabledForUnit(ctx, q, u.TenantID, u.SiteID, u.UnitID, store.AlertTypeTemperature)
	if err != nil {
		return nil, fmt.Errorf("resolve thresholds: %w", err)
	}
	th := &Thresholds{MinTemp: u.MinTemp, MaxTemp: u.MaxTemp}
	if len(rules) > 0 {
		// Rules arrive most specific first.
		rule := rules[0]
		if rule.MinTemp != nil {
			th.MinTemp = rule.MinTemp
		}
		if rule.MaxTemp != nil {
			th.MaxTemp = rule.MaxTemp
		}
		th.ConfirmDelay = time.Duration(rule.ConfirmMinutes) * time.Minute
		th.SourceRuleID = rule.RuleID
	}
	if th.MinTemp == nil || th.MaxTemp == nil || *th.MinTemp >= *th.MaxTemp {
		return nil, ErrNoThresholds
	}
	return th, nil
}
