// Package aggregate rolls readings up into hourly metric buckets. The merge
// with existing rows happens in the database upsert, one round trip per
// bucket, so concurrent batches for the same hour never race.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/threshold"
)

type bucketUpserter interface {
	Upsert(ctx context.Context, q store.Querier, b *store.MetricBucket) error
}

type thresholdResolver interface {
	Resolve(ctx context.Context, q store.Querier, u *store.Unit) (*threshold.Thresholds, error)
}

// Aggregator groups a unit's readings by hour and upserts each group.
type Aggregator struct {
	buckets  bucketUpserter
	resolver thresholdResolver
	logger   *log.Logger
}

func New(buckets bucketUpserter, resolver thresholdResolver) *Aggregator {
	return &Aggregator{
		buckets:  buckets,
		resolver: resolver,
		logger:   log.New(log.Writer(), "[AGGREGATE] ", log.LstdFlags),
	}
}

// Aggregate builds hour buckets for the unit's readings and upserts them.
// When thresholds cannot be resolved the anomaly count is zero and
// aggregation proceeds. Returns the number of buckets touched and the total
// anomalies counted.
func (a *Aggregator) Aggregate(ctx context.Context, q store.Querier, unit *store.Unit, readings []store.Reading) (int, int, error) {
	if len(readings) == 0 {
		return 0, 0, nil
	}

	th, err := a.resolver.Resolve(ctx, q, unit)
	if errors.Is(err, threshold.ErrNoThresholds) {
		a.logger.Printf("No thresholds for unit %s; anomaly count will be zero", unit.UnitID)
		th = nil
	} else if err != nil {
		return 0, 0, fmt.Errorf("aggregate unit %s: %w", unit.UnitID, err)
	}

	buckets := BuildBuckets(unit.UnitID, readings, th)
	anomalies := 0
	for i := range buckets {
		if err := a.buckets.Upsert(ctx, q, &buckets[i]); err != nil {
			return 0, 0, fmt.Errorf("aggregate unit %s: %w", unit.UnitID, err)
		}
		anomalies += int(buckets[i].Anomalies)
	}
	return len(buckets), anomalies, nil
}

// HourBucket floors t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// BuildBuckets computes the local aggregates per (unit, hour) group. th may
// be nil, in which case every anomaly count is zero. Buckets come back in
// period order.
func BuildBuckets(unitID string, readings []store.Reading, th *threshold.Thresholds) []store.MetricBucket {
	groups := make(map[time.Time]*store.MetricBucket)
	for _, r := range readings {
		period := HourBucket(r.RecordedAt)
		b, ok := groups[period]
		if !ok {
			b = &store.MetricBucket{
				UnitID:      unitID,
				PeriodStart: period,
				Granularity: store.GranularityHourly,
				TempMin:     r.Temperature,
				TempMax:     r.Temperature,
			}
			groups[period] = b
		}

		if r.Temperature < b.TempMin {
			b.TempMin = r.Temperature
		}
		if r.Temperature > b.TempMax {
			b.TempMax = r.Temperature
		}
		b.TempSum += int64(r.Temperature)
		b.Count++

		if r.Humidity != nil {
			addHumidity(b, *r.Humidity)
		}
		if th != nil && th.Check(r.Temperature) != threshold.ViolationNone {
			b.Anomalies++
		}
	}

	out := make([]store.MetricBucket, 0, len(groups))
	for _, b := range groups {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}

func addHumidity(b *store.MetricBucket, h int) {
	if b.HumidityN == nil {
		hMin, hMax := h, h
		hSum, n := int64(h), int64(1)
		b.HumidityMin, b.HumidityMax = &hMin, &hMax
		b.HumiditySum, b.HumidityN = &hSum, &n
		return
	}
	if h < *b.HumidityMin {
		*b.HumidityMin = h
	}
	if h > *b.HumidityMax {
		*b.HumidityMax = h
	}
	*b.HumiditySum += int64(h)
	*b.HumidityN++
}
