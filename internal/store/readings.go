package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// insertChunkSize caps the number of rows per multi-value INSERT.
const insertChunkSize = 500

// ReadingStore persists sensor readings. Rows are append-only.
type ReadingStore struct{}

func NewReadingStore() *ReadingStore { return &ReadingStore{} }

// InsertBatch writes readings in chunks of at most insertChunkSize rows per
// statement. Reading IDs must be set by the caller before insert.
func (rs *ReadingStore) InsertBatch(ctx context.Context, q Querier, readings []Reading) error {
	for start := 0; start < len(readings); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(readings) {
			end = len(readings)
		}
		if err := rs.insertChunk(ctx, q, readings[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (rs *ReadingStore) insertChunk(ctx context.Context, q Querier, chunk []Reading) error {
	if len(chunk) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO readings
		(reading_id, unit_id, device_id, temperature, humidity, battery, signal,
		 recorded_at, received_at, source, raw_payload) VALUES `)
	args := make([]interface{}, 0, len(chunk)*11)
	for i, r := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		received := r.ReceivedAt
		if received.IsZero() {
			received = time.Now().UTC()
		}
		args = append(args, r.ReadingID, r.UnitID, r.DeviceID, r.Temperature,
			r.Humidity, r.Battery, r.Signal, r.RecordedAt, received, r.Source,
			nullableJSON(r.RawPayload))
	}
	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert readings: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// ListRecent returns the newest readings for a unit, newest first.
func (rs *ReadingStore) ListRecent(ctx context.Context, q Querier, unitID string, limit int) ([]Reading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT reading_id, unit_id, device_id, temperature, humidity, battery,
		       signal, recorded_at, received_at, source
		FROM readings
		WHERE unit_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`,
		unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ReadingID, &r.UnitID, &r.DeviceID, &r.Temperature,
			&r.Humidity, &r.Battery, &r.Signal, &r.RecordedAt, &r.ReceivedAt,
			&r.Source); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
