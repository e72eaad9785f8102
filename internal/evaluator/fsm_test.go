package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/threshold"
)

func intp(v int) *int { return &v }

func testThresholds(confirm time.Duration) *threshold.Thresholds {
	return &threshold.Thresholds{
		MinTemp:      intp(320),
		MaxTemp:      intp(400),
		ConfirmDelay: confirm,
	}
}

func TestDecideColdEntry(t *testing.T) {
	th := testThresholds(600 * time.Second)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := Decide(store.UnitOK, t0.Add(-time.Hour), 0, th, 410, t0)
	assert.Equal(t, store.UnitExcursion, d.NewStatus)
	assert.True(t, d.CreateAlert)
	assert.Equal(t, threshold.ViolationMax, d.Bound)

	// Still out of range before the confirmation delay elapses: no
	// transition, no new alert.
	d = Decide(store.UnitExcursion, t0, 0, th, 415, t0.Add(300*time.Second))
	assert.Equal(t, store.UnitExcursion, d.NewStatus)
	assert.False(t, d.CreateAlert)
	assert.False(t, d.PromoteAlert)
}

func TestDecideConfirmation(t *testing.T) {
	th := testThresholds(600 * time.Second)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := Decide(store.UnitExcursion, t0, 0, th, 420, t0.Add(610*time.Second))
	assert.Equal(t, store.UnitAlarmActive, d.NewStatus)
	assert.True(t, d.PromoteAlert)
	assert.False(t, d.CreateAlert)
}

func TestDecideHysteresisRestoration(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	// max-4 is inside the band but within the hysteresis margin: hold.
	d := Decide(store.UnitAlarmActive, now.Add(-time.Hour), 0, th, 396, now)
	assert.Equal(t, store.UnitAlarmActive, d.NewStatus)
	assert.False(t, d.ResolveAlert)

	// max-6 clears the margin: restoring, alert resolved.
	d = Decide(store.UnitAlarmActive, now.Add(-time.Hour), 0, th, 394, now)
	assert.Equal(t, store.UnitRestoring, d.NewStatus)
	assert.True(t, d.ResolveAlert)
	assert.Equal(t, 1, d.RestoreStreak)
}

func TestDecideIdempotentExcursion(t *testing.T) {
	th := testThresholds(600 * time.Second)
	t0 := time.Now()

	d := Decide(store.UnitExcursion, t0, 0, th, 412, t0.Add(10*time.Second))
	assert.Equal(t, store.UnitExcursion, d.NewStatus)
	assert.False(t, d.CreateAlert)
}

func TestDecideZeroConfirmDelay(t *testing.T) {
	th := testThresholds(0)
	now := time.Now()

	// With C=0 the very next out-of-range reading confirms.
	d := Decide(store.UnitExcursion, now, 0, th, 410, now)
	assert.Equal(t, store.UnitAlarmActive, d.NewStatus)
	assert.True(t, d.PromoteAlert)
}

func TestDecideRestoringStreak(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	d := Decide(store.UnitRestoring, now, 1, th, 360, now)
	assert.Equal(t, store.UnitRestoring, d.NewStatus)
	assert.Equal(t, 2, d.RestoreStreak)

	d = Decide(store.UnitRestoring, now, 2, th, 360, now)
	assert.Equal(t, store.UnitOK, d.NewStatus)
	assert.Equal(t, 0, d.RestoreStreak)
}

func TestDecideRestoringRelapse(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	d := Decide(store.UnitRestoring, now, 2, th, 410, now)
	assert.Equal(t, store.UnitExcursion, d.NewStatus)
	assert.True(t, d.CreateAlert)
	assert.Equal(t, 0, d.RestoreStreak)
}

func TestDecideRestoringMarginBreaksStreak(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	// In band but within H of max: stay restoring, streak restarts.
	d := Decide(store.UnitRestoring, now, 2, th, 397, now)
	assert.Equal(t, store.UnitRestoring, d.NewStatus)
	assert.Equal(t, 0, d.RestoreStreak)
	assert.False(t, d.CreateAlert)
}

func TestDecideOfflineRecovers(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	d := Decide(store.UnitOffline, now.Add(-time.Hour), 0, th, 360, now)
	assert.Equal(t, store.UnitOK, d.NewStatus)

	d = Decide(store.UnitMonitoringInterrupted, now.Add(-time.Hour), 0, th, 360, now)
	assert.Equal(t, store.UnitOK, d.NewStatus)
}

func TestDecideOfflineExcursion(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	d := Decide(store.UnitOffline, now.Add(-time.Hour), 0, th, 310, now)
	assert.Equal(t, store.UnitExcursion, d.NewStatus)
	assert.True(t, d.CreateAlert)
	assert.Equal(t, threshold.ViolationMin, d.Bound)
}

func TestDecideManualRequired(t *testing.T) {
	th := testThresholds(600 * time.Second)
	now := time.Now()

	// In band: Decide suggests ok; the evaluator holds manual_required in
	// place, so no alert activity either way.
	d := Decide(store.UnitManualRequired, now.Add(-time.Hour), 0, th, 360, now)
	assert.Equal(t, store.UnitOK, d.NewStatus)
	assert.False(t, d.CreateAlert)
	assert.False(t, d.ResolveAlert)

	// Out of band: a fresh excursion still starts.
	d = Decide(store.UnitManualRequired, now.Add(-time.Hour), 0, th, 410, now)
	assert.Equal(t, store.UnitExcursion, d.NewStatus)
	assert.True(t, d.CreateAlert)
	assert.Equal(t, threshold.ViolationMax, d.Bound)
}
