package store

import (
	"context"
	"fmt"
	"time"
)

// MetricBucketStore maintains per-(unit, hour) rollups via a single
// conflict-aware upsert, so concurrent ingests for the same hour merge
// without read-modify-write races.
type MetricBucketStore struct{}

func NewMetricBucketStore() *MetricBucketStore { return &MetricBucketStore{} }

// Upsert merges an increment into the bucket row. Humidity aggregates only
// change when the increment carries humidity samples; an increment without
// humidity leaves the stored humidity columns untouched.
func (ms *MetricBucketStore) Upsert(ctx context.Context, q Querier, b *MetricBucket) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metric_buckets
			(unit_id, period_start, granularity, temp_min, temp_max, temp_sum,
			 temp_count, humidity_min, humidity_max, humidity_sum, humidity_n,
			 anomalies)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (unit_id, period_start, granularity) DO UPDATE SET
			temp_min     = LEAST(metric_buckets.temp_min, EXCLUDED.temp_min),
			temp_max     = GREATEST(metric_buckets.temp_max, EXCLUDED.temp_max),
			temp_sum     = metric_buckets.temp_sum + EXCLUDED.temp_sum,
			temp_count   = metric_buckets.temp_count + EXCLUDED.temp_count,
			humidity_min = CASE WHEN EXCLUDED.humidity_n IS NULL THEN metric_buckets.humidity_min
			                    ELSE LEAST(COALESCE(metric_buckets.humidity_min, EXCLUDED.humidity_min), EXCLUDED.humidity_min) END,
			humidity_max = CASE WHEN EXCLUDED.humidity_n IS NULL THEN metric_buckets.humidity_max
			                    ELSE GREATEST(COALESCE(metric_buckets.humidity_max, EXCLUDED.humidity_max), EXCLUDED.humidity_max) END,
			humidity_sum = CASE WHEN EXCLUDED.humidity_n IS NULL THEN metric_buckets.humidity_sum
			                    ELSE COALESCE(metric_buckets.humidity_sum, 0) + EXCLUDED.humidity_sum END,
			humidity_n   = CASE WHEN EXCLUDED.humidity_n IS NULL THEN metric_buckets.humidity_n
			                    ELSE COALESCE(metric_buckets.humidity_n, 0) + EXCLUDED.humidity_n END,
			anomalies    = metric_buckets.anomalies + EXCLUDED.anomalies`,
		b.UnitID, b.PeriodStart, b.Granularity, b.TempMin, b.TempMax, b.TempSum,
		b.Count, b.HumidityMin, b.HumidityMax, b.HumiditySum, b.HumidityN,
		b.Anomalies)
	if err != nil {
		return fmt.Errorf("upsert metric bucket: %w", err)
	}
	return nil
}

// ListRange returns a unit's hourly buckets within [from, to), oldest first.
func (ms *MetricBucketStore) ListRange(ctx context.Context, q Querier, unitID string, from, to time.Time) ([]MetricBucket, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT unit_id, period_start, granularity, temp_min, temp_max, temp_sum,
		       temp_count, humidity_min, humidity_max, humidity_sum, humidity_n,
		       anomalies
		FROM metric_buckets
		WHERE unit_id = $1 AND granularity = $2
		  AND period_start >= $3 AND period_start < $4
		ORDER BY period_start ASC`,
		unitID, GranularityHourly, from, to)
	if err != nil {
		return nil, fmt.Errorf("list metric buckets: %w", err)
	}
	defer rows.Close()

	var out []MetricBucket
	for rows.Next() {
		var b MetricBucket
		if err := rows.Scan(&b.UnitID, &b.PeriodStart, &b.Granularity,
			&b.TempMin, &b.TempMax, &b.TempSum, &b.Count, &b.HumidityMin,
			&b.HumidityMax, &b.HumiditySum, &b.HumidityN, &b.Anomalies); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
