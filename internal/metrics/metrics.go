// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldsense_readings_ingested_total",
		Help: "Readings accepted and persisted, per tenant.",
	}, []string{"tenant"})

	ReadingsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldsense_readings_dropped_total",
		Help: "Readings silently dropped by the tenancy filter.",
	}, []string{"tenant"})

	IngestBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coldsense_ingest_batch_seconds",
		Help:    "Wall time of one ingest batch, insert through fan-out.",
		Buckets: prometheus.DefBuckets,
	})

	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldsense_alerts_triggered_total",
		Help: "Alerts created by the evaluator, per severity.",
	}, []string{"severity"})

	AlertsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_alerts_resolved_total",
		Help: "Alerts resolved, automatically or by an operator.",
	})

	EscalationsPerformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldsense_escalations_total",
		Help: "Escalation level bumps, per severity.",
	}, []string{"severity"})

	EscalationsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldsense_escalations_skipped_total",
		Help: "Escalations skipped, per reason.",
	}, []string{"reason"})

	SMSQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_sms_queued_total",
		Help: "SMS jobs pushed onto the delivery queue.",
	})

	SMSSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_sms_sent_total",
		Help: "SMS accepted by the provider.",
	})

	SMSSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_sms_send_failures_total",
		Help: "Provider send attempts that failed.",
	})

	StreamBatchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_stream_batches_emitted_total",
		Help: "Reading batches emitted to subscription rooms.",
	})

	UnitsMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_units_marked_offline_total",
		Help: "Units downgraded to offline by the staleness sweep.",
	})

	EvaluationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldsense_evaluation_errors_total",
		Help: "Evaluator failures during post-insert fan-out.",
	})
)
