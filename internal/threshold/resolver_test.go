package threshold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsense/backend/internal/store"
)

type fakeRules struct {
	rules []store.AlertRule
}

func (f *fakeRules) ListEnabledForUnit(ctx context.Context, q store.Querier, tenantID, siteID, unitID, alertType string) ([]store.AlertRule, error) {
	return f.rules, nil
}

func intp(v int) *int { return &v }
func strp(s string) *string { return &s }

func testUnit() *store.Unit {
	return &store.Unit{
		UnitID:   "unit-1",
		SiteID:   "site-1",
		TenantID: "tenant-1",
		MinTemp:  intp(320),
		MaxTemp:  intp(400),
	}
}

func TestResolveUnitRuleWins(t *testing.T) {
	rules := &fakeRules{rules: []store.AlertRule{
		{RuleID: "r-unit", UnitID: strp("unit-1"), MinTemp: intp(300), MaxTemp: intp(380), ConfirmMinutes: 10},
		{RuleID: "r-site", SiteID: strp("site-1"), MinTemp: intp(310)},
	}}
	r := NewResolver(rules)

	th, err := r.Resolve(context.Background(), nil, testUnit())
	require.NoError(t, err)
	assert.Equal(t, "r-unit", th.SourceRuleID)
	assert.Equal(t, 300, *th.MinTemp)
	assert.Equal(t, 380, *th.MaxTemp)
	assert.Equal(t, 10*time.Minute, th.ConfirmDelay)
}

func TestResolvePartialRuleKeepsUnitBound(t *testing.T) {
	// A rule setting only one bound overrides that bound; the other stays
	// the unit's own.
	rules := &fakeRules{rules: []store.AlertRule{
		{RuleID: "r-tenant", MinTemp: intp(330), ConfirmMinutes: 5},
	}}
	r := NewResolver(rules)

	th, err := r.Resolve(context.Background(), nil, testUnit())
	require.NoError(t, err)
	assert.Equal(t, "r-tenant", th.SourceRuleID)
	assert.Equal(t, 330, *th.MinTemp)
	assert.Equal(t, 400, *th.MaxTemp)
	assert.Equal(t, 5*time.Minute, th.ConfirmDelay)
}

func TestResolveBoundlessRuleStillSetsConfirmDelay(t *testing.T) {
	rules := &fakeRules{rules: []store.AlertRule{
		{RuleID: "r-unit", UnitID: strp("unit-1"), ConfirmMinutes: 10}, // no bounds
	}}
	r := NewResolver(rules)

	th, err := r.Resolve(context.Background(), nil, testUnit())
	require.NoError(t, err)
	assert.Equal(t, "r-unit", th.SourceRuleID)
	assert.Equal(t, 320, *th.MinTemp)
	assert.Equal(t, 400, *th.MaxTemp)
	assert.Equal(t, 10*time.Minute, th.ConfirmDelay)
}

func TestResolveFallsBackToUnitBounds(t *testing.T) {
	r := NewResolver(&fakeRules{})

	th, err := r.Resolve(context.Background(), nil, testUnit())
	require.NoError(t, err)
	assert.Empty(t, th.SourceRuleID)
	assert.Equal(t, 320, *th.MinTemp)
	assert.Equal(t, 400, *th.MaxTemp)
	assert.Zero(t, th.ConfirmDelay)
}

func TestResolveNoThresholds(t *testing.T) {
	r := NewResolver(&fakeRules{})
	u := testUnit()
	u.MinTemp, u.MaxTemp = nil, nil

	_, err := r.Resolve(context.Background(), nil, u)
	assert.ErrorIs(t, err, ErrNoThresholds)
}

func TestResolveOneSidedEnvelopeSkipped(t *testing.T) {
	// A single bound is not a usable envelope; the unit is skipped rather
	// than evaluated one-sided.
	r := NewResolver(&fakeRules{})
	u := testUnit()
	u.MaxTemp = nil

	_, err := r.Resolve(context.Background(), nil, u)
	assert.ErrorIs(t, err, ErrNoThresholds)
}

func TestResolveInvertedMergeSkipped(t *testing.T) {
	// A rule min above the unit max produces an empty band; skip it.
	rules := &fakeRules{rules: []store.AlertRule{
		{RuleID: "r-unit", UnitID: strp("unit-1"), MinTemp: intp(450)},
	}}
	r := NewResolver(rules)

	_, err := r.Resolve(context.Background(), nil, testUnit())
	assert.ErrorIs(t, err, ErrNoThresholds)
}

func TestCheckAndRestored(t *testing.T) {
	th := &Thresholds{MinTemp: intp(320), MaxTemp: intp(400)}

	assert.Equal(t, ViolationMin, th.Check(319))
	assert.Equal(t, ViolationMax, th.Check(401))
	assert.Equal(t, ViolationNone, th.Check(360))

	assert.False(t, th.Restored(324)) // within H of min
	assert.False(t, th.Restored(396)) // within H of max
	assert.True(t, th.Restored(325))
	assert.True(t, th.Restored(395))
}
