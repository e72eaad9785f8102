package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsense/backend/internal/evaluator"
	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/stream"
)

// ==== fakes ====

type fakeUnits struct {
	owned      map[string]bool
	lastSeen   map[string]time.Time
	lastTemp   map[string]int
}

func (f *fakeUnits) FilterOwned(ctx context.Context, q store.Querier, tenantID string, unitIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range unitIDs {
		if f.owned[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeUnits) GetScoped(ctx context.Context, q store.Querier, tenantID, unitID string) (*store.Unit, error) {
	if !f.owned[unitID] {
		return nil, nil
	}
	return &store.Unit{UnitID: unitID, TenantID: tenantID, SiteID: "site-1", Status: store.UnitOK}, nil
}

func (f *fakeUnits) UpdateLastReading(ctx context.Context, q store.Querier, unitID string, at time.Time, tempTenths int) error {
	if f.lastSeen == nil {
		f.lastSeen = map[string]time.Time{}
		f.lastTemp = map[string]int{}
	}
	f.lastSeen[unitID] = at
	f.lastTemp[unitID] = tempTenths
	return nil
}

type fakeReadings struct {
	inserted []store.Reading
	err      error
}

func (f *fakeReadings) InsertBatch(ctx context.Context, q store.Querier, readings []store.Reading) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, readings...)
	return nil
}

type fakeAgg struct {
	calls     int
	anomalies int
	err       error
}

func (f *fakeAgg) Aggregate(ctx context.Context, q store.Querier, unit *store.Unit, readings []store.Reading) (int, int, error) {
	f.calls++
	if f.err != nil {
		return 0, 0, f.err
	}
	return 1, f.anomalies, nil
}

type fakeEval struct {
	calls   []string
	results map[string]*evaluator.Result
	err     error
}

func (f *fakeEval) Evaluate(ctx context.Context, tenantID, unitID string, tempTenths int, recordedAt time.Time) (*evaluator.Result, error) {
	f.calls = append(f.calls, unitID)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[unitID], nil
}

type fakeBuffer struct {
	added []stream.ReadingPayload
}

func (f *fakeBuffer) Add(tenantID string, r stream.ReadingPayload) {
	f.added = append(f.added, r)
}

type fakeSink struct {
	triggered    []string
	resolved     []string
	metrics      int
	stateChanges []stream.StateChangePayload
}

func (f *fakeSink) AlertTriggered(tenantID, siteID string, a *store.Alert) {
	f.triggered = append(f.triggered, a.AlertID)
}

func (f *fakeSink) AlertResolved(tenantID, siteID string, a *store.Alert) {
	f.resolved = append(f.resolved, a.AlertID)
}

func (f *fakeSink) MetricsUpdated(tenantID, unitID string, p stream.MetricsPayload) {
	f.metrics++
}

func (f *fakeSink) UnitStateChanged(tenantID, unitID string, p stream.StateChangePayload) {
	f.stateChanges = append(f.stateChanges, p)
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Invalidate(tenantID, unitID string) {
	f.invalidated = append(f.invalidated, tenantID+"/"+unitID)
}

// ==== helpers ====

type fixture struct {
	orch     *Orchestrator
	units    *fakeUnits
	readings *fakeReadings
	agg      *fakeAgg
	eval     *fakeEval
	buffer   *fakeBuffer
	sink     *fakeSink
	cache    *fakeCache
}

func newFixture(owned ...string) *fixture {
	f := &fixture{
		units:    &fakeUnits{owned: map[string]bool{}},
		readings: &fakeReadings{},
		agg:      &fakeAgg{},
		eval:     &fakeEval{results: map[string]*evaluator.Result{}},
		buffer:   &fakeBuffer{},
		sink:     &fakeSink{},
		cache:    &fakeCache{},
	}
	for _, id := range owned {
		f.units.owned[id] = true
	}
	f.orch = NewOrchestrator(nil, f.units, f.readings, f.agg, f.eval, f.buffer, f.sink, f.cache)
	f.orch.runTx = func(ctx context.Context, fn func(q store.Querier) error) error {
		return fn(nil)
	}
	return f
}

func rd(unitID string, temp int, at time.Time) store.Reading {
	return store.Reading{UnitID: unitID, Temperature: temp, RecordedAt: at}
}

// ==== tests ====

func TestIngestSilentlyDropsForeignUnits(t *testing.T) {
	f := newFixture("u-mine")
	now := time.Now()

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u-mine", 350, now),
		rd("u-theirs", 999, now),
		rd("u-mine", 352, now.Add(time.Second)),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inserted)
	assert.Len(t, result.ReadingIDs, 2)
	assert.Len(t, f.readings.inserted, 2)
	for _, r := range f.readings.inserted {
		assert.Equal(t, "u-mine", r.UnitID)
	}
	// The foreign unit never reaches evaluation or the stream.
	assert.Equal(t, []string{"u-mine"}, f.eval.calls)
	assert.Len(t, f.buffer.added, 2)
}

func TestIngestAssignsReadingIDs(t *testing.T) {
	f := newFixture("u1")

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 350, time.Now()),
	})
	require.NoError(t, err)
	require.Len(t, result.ReadingIDs, 1)
	assert.NotEmpty(t, result.ReadingIDs[0])
}

func TestIngestUpdatesLastSeenWithLatest(t *testing.T) {
	f := newFixture("u1")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Out of order batch; the newest recorded time must win.
	_, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 355, base.Add(2*time.Second)),
		rd("u1", 350, base),
	})
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Second), f.units.lastSeen["u1"])
	assert.Equal(t, 355, f.units.lastTemp["u1"])
}

func TestIngestEvaluatesLatestPerUnit(t *testing.T) {
	f := newFixture("u1", "u2")
	now := time.Now()
	f.eval.results["u1"] = &evaluator.Result{
		UnitID:     "u1",
		SiteID:     "site-1",
		FromStatus: store.UnitOK,
		ToStatus:   store.UnitExcursion,
		AlertCreated: &store.Alert{
			AlertID: "a1", Severity: store.SeverityWarning,
		},
	}

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 420, now), rd("u2", 350, now),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"u1", "u2"}, f.eval.calls)
	assert.Equal(t, 1, result.AlertsTriggered)
	assert.Equal(t, []string{"a1"}, f.sink.triggered)
}

func TestIngestPublishesStateTransition(t *testing.T) {
	f := newFixture("u1")
	recorded := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.eval.results["u1"] = &evaluator.Result{
		UnitID:     "u1",
		TenantID:   "tenant-1",
		FromStatus: store.UnitOK,
		ToStatus:   store.UnitExcursion,
		AlertCreated: &store.Alert{
			AlertID: "a1", Severity: store.SeverityWarning,
		},
	}

	_, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 420, recorded),
	})
	require.NoError(t, err)

	// The stale dashboard snapshot is dropped and subscribers hear about
	// the transition.
	assert.Equal(t, []string{"tenant-1/u1"}, f.cache.invalidated)
	require.Len(t, f.sink.stateChanges, 1)
	sc := f.sink.stateChanges[0]
	assert.Equal(t, "u1", sc.UnitID)
	assert.Equal(t, "normal", sc.PreviousState)
	assert.Equal(t, "warning", sc.NewState)
	assert.Equal(t, "temperature out of range", sc.Reason)
	assert.Equal(t, recorded, sc.Timestamp)
}

func TestIngestQuietWhenRollupUnchanged(t *testing.T) {
	f := newFixture("u1")
	// restoring back to ok is invisible on the dashboard; the cache entry
	// still goes.
	f.eval.results["u1"] = &evaluator.Result{
		UnitID:     "u1",
		FromStatus: store.UnitRestoring,
		ToStatus:   store.UnitOK,
	}

	_, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 360, time.Now()),
	})
	require.NoError(t, err)
	assert.Len(t, f.cache.invalidated, 1)
	assert.Empty(t, f.sink.stateChanges)
}

func TestIngestSteadyStateKeepsCache(t *testing.T) {
	f := newFixture("u1")
	f.eval.results["u1"] = &evaluator.Result{
		UnitID:     "u1",
		FromStatus: store.UnitOK,
		ToStatus:   store.UnitOK,
	}

	_, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 360, time.Now()),
	})
	require.NoError(t, err)
	assert.Empty(t, f.cache.invalidated)
	assert.Empty(t, f.sink.stateChanges)
}

func TestIngestSurvivesEvaluatorFailure(t *testing.T) {
	f := newFixture("u1")
	f.eval.err = assert.AnError

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 350, time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	// Stream publication still happens after an evaluation failure.
	assert.Len(t, f.buffer.added, 1)
}

func TestIngestSurvivesAggregatorFailure(t *testing.T) {
	f := newFixture("u1")
	f.agg.err = assert.AnError

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 350, time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 0, result.MetricsUpdated)
	assert.Len(t, f.eval.calls, 1)
}

func TestIngestCountsAnomalies(t *testing.T) {
	f := newFixture("u1")
	f.agg.anomalies = 2

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u1", 420, time.Now()), rd("u1", 430, time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MetricsUpdated)
	assert.Equal(t, 2, result.AnomaliesDetected)
	assert.Equal(t, 1, f.sink.metrics)
}

func TestIngestEmptyBatch(t *testing.T) {
	f := newFixture("u1")

	result, err := f.orch.Ingest(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Empty(t, result.ReadingIDs)
}

func TestIngestAllForeignBatch(t *testing.T) {
	f := newFixture() // tenant owns nothing

	result, err := f.orch.Ingest(context.Background(), "tenant-1", []store.Reading{
		rd("u-theirs", 350, time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Empty(t, f.readings.inserted)
	assert.Empty(t, f.eval.calls)
}
