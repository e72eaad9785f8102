// Package evaluator drives the per-unit temperature state machine. The pure
// transition logic lives in Decide; Evaluate applies a decision to the
// database under a row lock.
package evaluator

import (
	"time"

	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/threshold"
)

// restoreStreakTarget is how many consecutive restored readings a unit in
// restoring must report before it returns to ok.
const restoreStreakTarget = 3

// Decision is the outcome of one FSM tick. NewStatus equals the input status
// when no transition fires.
type Decision struct {
	NewStatus     store.UnitStatus
	RestoreStreak int

	CreateAlert  bool
	Bound        threshold.Violation
	PromoteAlert bool // escalate the open alert to critical, level 1
	ResolveAlert bool
}

// evaluatorStatus maps the statuses owned by other paths onto the four FSM
// states. offline and monitoring_interrupted behave like ok so a reporting
// unit recovers; manual_required also evaluates like ok but never auto-clears
// (the caller holds it in place on an in-band reading).
func evaluatorStatus(s store.UnitStatus) store.UnitStatus {
	switch s {
	case store.UnitOffline, store.UnitMonitoringInterrupted, store.UnitManualRequired:
		return store.UnitOK
	}
	return s
}

// Decide computes the next state for a single reading. It never touches the
// database. now is the reading's recorded time, not wall clock, so replayed
// batches evaluate consistently.
func Decide(status store.UnitStatus, statusChangedAt time.Time, restoreStreak int, th *threshold.Thresholds, tempTenths int, now time.Time) Decision {
	d := Decision{NewStatus: status, RestoreStreak: restoreStreak}
	violation := th.Check(tempTenths)

	switch evaluatorStatus(status) {
	case store.UnitOK:
		if violation != threshold.ViolationNone {
			d.NewStatus = store.UnitExcursion
			d.RestoreStreak = 0
			d.CreateAlert = true
			d.Bound = violation
		} else if status == store.UnitOffline || status == store.UnitMonitoringInterrupted {
			// A healthy reading from a dark unit brings it back.
			d.NewStatus = store.UnitOK
		}

	case store.UnitExcursion:
		switch {
		case violation != threshold.ViolationNone:
			if now.Sub(statusChangedAt) >= th.ConfirmDelay {
				d.NewStatus = store.UnitAlarmActive
				d.PromoteAlert = true
				d.Bound = violation
			}
		case th.Restored(tempTenths):
			d.NewStatus = store.UnitRestoring
			d.RestoreStreak = 1
			d.ResolveAlert = true
		}
		// In band but inside the hysteresis margin: hold excursion.

	case store.UnitAlarmActive:
		if violation == threshold.ViolationNone && th.Restored(tempTenths) {
			d.NewStatus = store.UnitRestoring
			d.RestoreStreak = 1
			d.ResolveAlert = true
		}

	case store.UnitRestoring:
		switch {
		case violation != threshold.ViolationNone:
			d.NewStatus = store.UnitExcursion
			d.RestoreStreak = 0
			d.CreateAlert = true
			d.Bound = violation
		case th.Restored(tempTenths):
			d.RestoreStreak = restoreStreak + 1
			if d.RestoreStreak >= restoreStreakTarget {
				d.NewStatus = store.UnitOK
				d.RestoreStreak = 0
			}
		default:
			// Back inside the margin; the streak restarts.
			d.RestoreStreak = 0
		}
	}
	return d
}
