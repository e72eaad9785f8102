// Package store provides database/sql repositories for the coldsense core
// tables. All scoped reads validate the full tenant → site → area → unit
// chain and return nil (not an error) when the entity is absent or owned by
// another tenant.
package store

import (
	"encoding/json"
	"time"
)

// UnitStatus is the FSM state persisted on a unit row. The evaluator owns
// transitions between ok/excursion/alarm_active/restoring; the offline sweep
// owns offline/monitoring_interrupted.
type UnitStatus string

const (
	UnitOK                     UnitStatus = "ok"
	UnitExcursion              UnitStatus = "excursion"
	UnitAlarmActive            UnitStatus = "alarm_active"
	UnitRestoring              UnitStatus = "restoring"
	UnitManualRequired         UnitStatus = "manual_required"
	UnitMonitoringInterrupted  UnitStatus = "monitoring_interrupted"
	UnitOffline                UnitStatus = "offline"
)

// AlertStatus lifecycle: active → acknowledged → escalated → resolved.
// An alert in any non-resolved status counts as "open".
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertEscalated    AlertStatus = "escalated"
	AlertResolved     AlertStatus = "resolved"
)

// AlertSeverity levels.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertTypeTemperature is the alert type raised by the temperature FSM.
const AlertTypeTemperature = "temperature_excursion"

// DeliveryStatus for outbound SMS records.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// GranularityHourly is the only metric bucket granularity in scope.
const GranularityHourly = "hourly"

// Tenant is the root isolation scope.
type Tenant struct {
	TenantID  string
	Name      string
	Status    string
	CreatedAt time.Time
}

// APIKey authenticates ingest and query calls for one tenant.
// Format handed to the caller: cs_<key_id>.<secret>; only the bcrypt hash of
// the secret is stored.
type APIKey struct {
	KeyID      string
	TenantID   string
	Name       string
	KeyHash    string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// Site → Area → Unit location hierarchy. Children carry the parent identity;
// every leaf query joins the full chain.
type Site struct {
	SiteID   string
	TenantID string
	Name     string
	Active   bool
}

type Area struct {
	AreaID   string
	SiteID   string
	Name     string
	Active   bool
}

// Unit is a refrigeration enclosure. Temperatures are tenths of a degree.
type Unit struct {
	UnitID          string
	AreaID          string
	SiteID          string // denormalized via join, not a column
	TenantID        string // denormalized via join, not a column
	Name            string
	MinTemp         *int
	MaxTemp         *int
	TempUnit        string // "F" | "C"
	Status          UnitStatus
	StatusChangedAt time.Time
	LastReadingAt   *time.Time
	LastTemp        *int
	RestoreStreak   int
	Active          bool
}

// Reading is an immutable time-series row.
type Reading struct {
	ReadingID   string
	UnitID      string
	DeviceID    *string
	Temperature int // tenths of a degree
	Humidity    *int
	Battery     *int
	Signal      *int
	RecordedAt  time.Time
	ReceivedAt  time.Time
	Source      string
	RawPayload  json.RawMessage
}

// AlertRule is an optional threshold override at unit, site or tenant scope.
// Exactly two of (UnitID, SiteID) are nil for site/tenant scope rules.
type AlertRule struct {
	RuleID         string
	TenantID       string
	SiteID         *string
	UnitID         *string
	AlertType      string
	Enabled        bool
	MinTemp        *int
	MaxTemp        *int
	ConfirmMinutes int
	CreatedAt      time.Time
}

// Alert is a materialized excursion event.
type Alert struct {
	AlertID         string
	UnitID          string
	AlertType       string
	Severity        AlertSeverity
	Status          AlertStatus
	TriggerTemp     int
	BoundViolated   string // "min" | "max"
	TriggeredAt     time.Time
	AcknowledgedAt  *time.Time
	AcknowledgedBy  *string
	AckNotes        *string
	ResolvedAt      *time.Time
	ResolvedBy      *string
	Resolution      *string
	CorrectiveNote  *string
	EscalationLevel int
	EscalatedAt     *time.Time
	Metadata        json.RawMessage
}

// Open reports whether the alert still requires attention.
func (a *Alert) Open() bool {
	return a.Status == AlertActive || a.Status == AlertAcknowledged || a.Status == AlertEscalated
}

// EscalationContact is a per-tenant SMS recipient. Lower priority = earlier
// tier.
type EscalationContact struct {
	ContactID string
	TenantID  string
	Name      string
	Phone     string // E.164
	Priority  int
	Active    bool
	UserID    *string
}

// NotificationDelivery is one outbound SMS attempt for one recipient at one
// escalation level.
type NotificationDelivery struct {
	DeliveryID        string
	AlertID           string
	Phone             string
	UserID            *string
	Channel           string // "sms"
	Status            DeliveryStatus
	EscalationLevel   int
	ProviderMessageID *string
	ScheduledAt       time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	ErrorText         *string
}

// MetricBucket is the per-(unit, hour) aggregate row, mutated only via the
// conflict-aware upsert in MetricBucketStore.
type MetricBucket struct {
	UnitID      string
	PeriodStart time.Time
	Granularity string
	TempMin     int
	TempMax     int
	TempSum     int64
	Count       int64
	HumidityMin *int
	HumidityMax *int
	HumiditySum *int64
	HumidityN   *int64
	Anomalies   int64
}

// Avg returns the mean temperature in tenths, or 0 for an empty bucket.
func (b *MetricBucket) Avg() float64 {
	if b.Count == 0 {
		return 0
	}
	return float64(b.TempSum) / float64(b.Count)
}
