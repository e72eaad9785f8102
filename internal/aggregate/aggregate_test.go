package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/threshold"
)

func intp(v int) *int { return &v }

type fakeBuckets struct {
	upserts []store.MetricBucket
}

func (f *fakeBuckets) Upsert(ctx context.Context, q store.Querier, b *store.MetricBucket) error {
	f.upserts = append(f.upserts, *b)
	return nil
}

type fakeResolver struct {
	th  *threshold.Thresholds
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, q store.Querier, u *store.Unit) (*threshold.Thresholds, error) {
	return f.th, f.err
}

func rd(temp int, at time.Time) store.Reading {
	return store.Reading{Temperature: temp, RecordedAt: at}
}

func TestBuildBucketsGroupsByHour(t *testing.T) {
	h1 := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	h2 := time.Date(2026, 3, 1, 13, 5, 0, 0, time.UTC)

	buckets := BuildBuckets("U", []store.Reading{
		rd(300, h1), rd(350, h1.Add(5*time.Minute)),
		rd(340, h1.Add(20*time.Minute)), rd(310, h1.Add(40*time.Minute)),
		rd(360, h2),
	}, nil)

	require.Len(t, buckets, 2)
	b := buckets[0]
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), b.PeriodStart)
	assert.Equal(t, 300, b.TempMin)
	assert.Equal(t, 350, b.TempMax)
	assert.Equal(t, int64(1300), b.TempSum)
	assert.Equal(t, int64(4), b.Count)
	assert.InDelta(t, 325.0, b.Avg(), 0.001)
	assert.Equal(t, int64(0), b.Anomalies)

	assert.Equal(t, int64(1), buckets[1].Count)
}

func TestBuildBucketsCountsAnomalies(t *testing.T) {
	th := &threshold.Thresholds{MinTemp: intp(320), MaxTemp: intp(400)}
	h := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	buckets := BuildBuckets("U", []store.Reading{
		rd(310, h), rd(350, h), rd(410, h), rd(400, h),
	}, th)

	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Anomalies)
}

func TestBuildBucketsHumidityOnlyWhenPresent(t *testing.T) {
	h := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	readings := []store.Reading{
		{Temperature: 350, RecordedAt: h},
		{Temperature: 352, Humidity: intp(40), RecordedAt: h},
		{Temperature: 354, Humidity: intp(60), RecordedAt: h},
	}

	buckets := BuildBuckets("U", readings, nil)
	require.Len(t, buckets, 1)
	b := buckets[0]
	require.NotNil(t, b.HumidityN)
	assert.Equal(t, int64(2), *b.HumidityN)
	assert.Equal(t, 40, *b.HumidityMin)
	assert.Equal(t, 60, *b.HumidityMax)
	assert.Equal(t, int64(100), *b.HumiditySum)

	// No humidity at all leaves the aggregates nil.
	dry := BuildBuckets("U", []store.Reading{rd(350, h)}, nil)
	assert.Nil(t, dry[0].HumidityN)
}

func TestAggregateProceedsWithoutThresholds(t *testing.T) {
	buckets := &fakeBuckets{}
	agg := New(buckets, &fakeResolver{err: threshold.ErrNoThresholds})
	unit := &store.Unit{UnitID: "U"}

	updated, anomalies, err := agg.Aggregate(context.Background(), nil, unit, []store.Reading{
		rd(9999, time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 0, anomalies)
	require.Len(t, buckets.upserts, 1)
}

func TestAggregateUpsertsEachGroup(t *testing.T) {
	buckets := &fakeBuckets{}
	th := &threshold.Thresholds{MinTemp: intp(320), MaxTemp: intp(400)}
	agg := New(buckets, &fakeResolver{th: th})
	unit := &store.Unit{UnitID: "U"}
	h := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	updated, anomalies, err := agg.Aggregate(context.Background(), nil, unit, []store.Reading{
		rd(310, h), rd(350, h.Add(time.Hour)), rd(420, h.Add(2*time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated)
	assert.Equal(t, 2, anomalies)
	assert.Len(t, buckets.upserts, 3)
}
