// Package stream buffers readings per (tenant, unit) and fans them out to
// tenant-scoped subscription rooms over socket.io, with an optional pub/sub
// bridge for multi-instance deployments.
package stream

import (
	"fmt"
	"time"
)

// Event names emitted to subscribers.
const (
	EventReadingsBatch    = "sensor:readings:batch"
	EventAlertTriggered   = "alert:triggered"
	EventAlertEscalated   = "alert:escalated"
	EventAlertResolved    = "alert:resolved"
	EventUnitStateChanged = "unit:state:changed"
	EventMetricsUpdated   = "metrics:updated"
)

// Room name builders. A socket's tenant is fixed at connect time and every
// room it can join is derived from it.
func RoomTenant(tenantID string) string { return "tenant:" + tenantID }

func RoomSite(tenantID, siteID string) string {
	return fmt.Sprintf("tenant:%s:site:%s", tenantID, siteID)
}

func RoomUnit(tenantID, unitID string) string {
	return fmt.Sprintf("tenant:%s:unit:%s", tenantID, unitID)
}

// ReadingPayload is one reading as streamed to dashboards.
type ReadingPayload struct {
	ReadingID   string    `json:"reading_id"`
	UnitID      string    `json:"unit_id"`
	Temperature int       `json:"temperature"`
	Humidity    *int      `json:"humidity,omitempty"`
	Battery     *int      `json:"battery,omitempty"`
	Signal      *int      `json:"signal,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// BatchPayload is the per-unit flush emitted as EventReadingsBatch.
type BatchPayload struct {
	UnitID   string           `json:"unit_id"`
	Count    int              `json:"count"`
	Readings []ReadingPayload `json:"readings"`
}

// AlertPayload accompanies the alert lifecycle events.
type AlertPayload struct {
	AlertID         string    `json:"alert_id"`
	UnitID          string    `json:"unit_id"`
	AlertType       string    `json:"alert_type"`
	Severity        string    `json:"severity"`
	Status          string    `json:"status"`
	TriggerTemp     int       `json:"trigger_temp"`
	BoundViolated   string    `json:"bound_violated"`
	TriggeredAt     time.Time `json:"triggered_at"`
	EscalationLevel int       `json:"escalation_level"`
}

// StateChangePayload accompanies EventUnitStateChanged.
type StateChangePayload struct {
	UnitID        string    `json:"unit_id"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// MetricsPayload accompanies EventMetricsUpdated.
type MetricsPayload struct {
	UnitID      string    `json:"unit_id"`
	PeriodStart time.Time `json:"period_start"`
	Granularity string    `json:"granularity"`
}
