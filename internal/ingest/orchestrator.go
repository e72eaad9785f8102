// Package ingest is the reading intake pipeline: tenancy filter, chunked
// insert, last-seen tracking, then best-effort fan-out to the aggregator,
// the evaluator and the stream buffer.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/coldsense/backend/internal/evaluator"
	"github.com/coldsense/backend/internal/metrics"
	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/stream"
	"github.com/coldsense/backend/internal/unitstate"
)

// Result summarizes one ingest batch.
type Result struct {
	Inserted          int      `json:"insertedCount"`
	ReadingIDs        []string `json:"readingIds"`
	AlertsTriggered   int      `json:"alertsTriggered"`
	MetricsUpdated    int      `json:"metricsUpdated"`
	AnomaliesDetected int      `json:"anomaliesDetected"`
}

type unitStore interface {
	FilterOwned(ctx context.Context, q store.Querier, tenantID string, unitIDs []string) (map[string]bool, error)
	GetScoped(ctx context.Context, q store.Querier, tenantID, unitID string) (*store.Unit, error)
	UpdateLastReading(ctx context.Context, q store.Querier, unitID string, at time.Time, tempTenths int) error
}

type readingStore interface {
	InsertBatch(ctx context.Context, q store.Querier, readings []store.Reading) error
}

type aggregator interface {
	Aggregate(ctx context.Context, q store.Querier, unit *store.Unit, readings []store.Reading) (int, int, error)
}

type evaluatorService interface {
	Evaluate(ctx context.Context, tenantID, unitID string, tempTenths int, recordedAt time.Time) (*evaluator.Result, error)
}

type streamBuffer interface {
	Add(tenantID string, r stream.ReadingPayload)
}

// eventSink receives alert, metric and state events for the real-time hub.
// The stream Hub satisfies it.
type eventSink interface {
	AlertTriggered(tenantID, siteID string, a *store.Alert)
	AlertResolved(tenantID, siteID string, a *store.Alert)
	MetricsUpdated(tenantID, unitID string, p stream.MetricsPayload)
	UnitStateChanged(tenantID, unitID string, p stream.StateChangePayload)
}

// stateCache drops stale dashboard snapshots after a status transition. The
// unitstate Cache satisfies it.
type stateCache interface {
	Invalidate(tenantID, unitID string)
}

// Orchestrator runs the ingest pipeline. The insert and last-seen writes are
// one transaction; everything after tolerates partial failure by logging and
// continuing.
type Orchestrator struct {
	db       *sql.DB
	units    unitStore
	readings readingStore
	agg      aggregator
	eval     evaluatorService
	buffer   streamBuffer
	events   eventSink
	cache    stateCache
	logger   *log.Logger

	runTx func(ctx context.Context, fn func(q store.Querier) error) error
}

func NewOrchestrator(db *sql.DB, units unitStore, readings readingStore, agg aggregator, eval evaluatorService, buffer streamBuffer, events eventSink, cache stateCache) *Orchestrator {
	o := &Orchestrator{
		db:       db,
		units:    units,
		readings: readings,
		agg:      agg,
		eval:     eval,
		buffer:   buffer,
		events:   events,
		cache:    cache,
		logger:   log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
	o.runTx = func(ctx context.Context, fn func(q store.Querier) error) error {
		return store.WithinTx(ctx, db, func(tx *sql.Tx) error { return fn(tx) })
	}
	return o
}

// Ingest processes one reading batch for a tenant. Readings for units the
// tenant does not own are silently dropped. Missing reading IDs are
// assigned; recorded times must be set by the caller.
func (o *Orchestrator) Ingest(ctx context.Context, tenantID string, readings []store.Reading) (*Result, error) {
	started := time.Now()
	defer func() { metrics.IngestBatchDuration.Observe(time.Since(started).Seconds()) }()

	result := &Result{ReadingIDs: []string{}}
	if len(readings) == 0 {
		return result, nil
	}

	// Silent filter: drop readings for units outside the tenant.
	unitIDs := distinctUnitIDs(readings)
	owned, err := o.units.FilterOwned(ctx, o.db, tenantID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("ingest filter: %w", err)
	}
	valid := readings[:0:0]
	dropped := 0
	for _, r := range readings {
		if !owned[r.UnitID] {
			dropped++
			continue
		}
		if r.ReadingID == "" {
			r.ReadingID = uuid.NewString()
		}
		if r.ReceivedAt.IsZero() {
			r.ReceivedAt = time.Now().UTC()
		}
		valid = append(valid, r)
	}
	if dropped > 0 {
		metrics.ReadingsDropped.WithLabelValues(tenantID).Add(float64(dropped))
		o.logger.Printf("Dropped %d readings outside tenant %s", dropped, tenantID)
	}
	if len(valid) == 0 {
		return result, nil
	}

	byUnit := groupByUnit(valid)

	// Insert and last-seen update are one transaction.
	err = o.runTx(ctx, func(q store.Querier) error {
		if err := o.readings.InsertBatch(ctx, q, valid); err != nil {
			return err
		}
		for unitID, rs := range byUnit {
			latest := rs[len(rs)-1]
			if err := o.units.UpdateLastReading(ctx, q, unitID, latest.RecordedAt, latest.Temperature); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest insert: %w", err)
	}

	result.Inserted = len(valid)
	for _, r := range valid {
		result.ReadingIDs = append(result.ReadingIDs, r.ReadingID)
	}
	metrics.ReadingsIngested.WithLabelValues(tenantID).Add(float64(len(valid)))

	// Post-insert fan-out is per-unit best-effort.
	for unitID, rs := range byUnit {
		o.fanOut(ctx, tenantID, unitID, rs, result)
	}
	return result, nil
}

func (o *Orchestrator) fanOut(ctx context.Context, tenantID, unitID string, rs []store.Reading, result *Result) {
	unit, err := o.units.GetScoped(ctx, o.db, tenantID, unitID)
	if err != nil || unit == nil {
		o.logger.Printf("Fan-out lookup for unit %s failed: %v", unitID, err)
		return
	}

	if updated, anomalies, err := o.agg.Aggregate(ctx, o.db, unit, rs); err != nil {
		o.logger.Printf("Aggregation for unit %s failed: %v", unitID, err)
	} else {
		result.MetricsUpdated += updated
		result.AnomaliesDetected += anomalies
		if o.events != nil && updated > 0 {
			latest := rs[len(rs)-1]
			o.events.MetricsUpdated(tenantID, unitID, stream.MetricsPayload{
				UnitID:      unitID,
				PeriodStart: latest.RecordedAt.UTC().Truncate(time.Hour),
				Granularity: store.GranularityHourly,
			})
		}
	}

	latest := rs[len(rs)-1]
	evalResult, err := o.eval.Evaluate(ctx, tenantID, unitID, latest.Temperature, latest.RecordedAt)
	if err != nil {
		metrics.EvaluationErrors.Inc()
		o.logger.Printf("Evaluation for unit %s failed: %v", unitID, err)
	} else if evalResult != nil {
		if evalResult.Transitioned() {
			if o.cache != nil {
				o.cache.Invalidate(tenantID, unitID)
			}
			o.publishStateChange(tenantID, unitID, evalResult, latest.RecordedAt)
		}
		if evalResult.AlertCreated != nil {
			result.AlertsTriggered++
			metrics.AlertsTriggered.WithLabelValues(string(evalResult.AlertCreated.Severity)).Inc()
			if o.events != nil {
				o.events.AlertTriggered(tenantID, evalResult.SiteID, evalResult.AlertCreated)
			}
		}
		if evalResult.AlertResolved != nil {
			metrics.AlertsResolved.Inc()
			if o.events != nil {
				o.events.AlertResolved(tenantID, evalResult.SiteID, evalResult.AlertResolved)
			}
		}
	}

	for _, r := range rs {
		o.buffer.Add(tenantID, stream.ReadingPayload{
			ReadingID:   r.ReadingID,
			UnitID:      r.UnitID,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			Battery:     r.Battery,
			Signal:      r.Signal,
			RecordedAt:  r.RecordedAt,
		})
	}
}

// publishStateChange emits unit:state:changed when the transition is visible
// at the dashboard level. ok to restoring and similar same-rollup moves stay
// quiet.
func (o *Orchestrator) publishStateChange(tenantID, unitID string, r *evaluator.Result, at time.Time) {
	if o.events == nil {
		return
	}
	prev := unitstate.DeriveState(r.FromStatus, &at, at, at)
	next := unitstate.DeriveState(r.ToStatus, &at, at, at)
	if prev == next {
		return
	}
	o.events.UnitStateChanged(tenantID, unitID, stream.StateChangePayload{
		UnitID:        unitID,
		PreviousState: string(prev),
		NewState:      string(next),
		Reason:        transitionReason(r.ToStatus),
		Timestamp:     at,
	})
}

func transitionReason(to store.UnitStatus) string {
	switch to {
	case store.UnitExcursion:
		return "temperature out of range"
	case store.UnitAlarmActive:
		return "excursion confirmed"
	case store.UnitRestoring:
		return "temperature back in range"
	case store.UnitOK:
		return "unit recovered"
	}
	return "status changed"
}

func distinctUnitIDs(readings []store.Reading) []string {
	seen := make(map[string]bool, len(readings))
	var out []string
	for _, r := range readings {
		if !seen[r.UnitID] {
			seen[r.UnitID] = true
			out = append(out, r.UnitID)
		}
	}
	return out
}

// groupByUnit splits readings per unit, each group sorted by recorded time.
func groupByUnit(readings []store.Reading) map[string][]store.Reading {
	byUnit := make(map[string][]store.Reading)
	for _, r := range readings {
		byUnit[r.UnitID] = append(byUnit[r.UnitID], r)
	}
	for _, rs := range byUnit {
		sort.Slice(rs, func(i, j int) bool {
			return rs[i].RecordedAt.Before(rs[j].RecordedAt)
		})
	}
	return byUnit
}
