package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/coldsense/backend/internal/metrics"
	"github.com/coldsense/backend/internal/notify"
	"github.com/coldsense/backend/internal/store"
	"github.com/coldsense/backend/internal/tenancy"
	"github.com/coldsense/backend/internal/unitstate"
)

// ==== ingest ====

type readingInput struct {
	UnitID         string          `json:"unitId"`
	DeviceID       *string         `json:"deviceId,omitempty"`
	Temperature    *float64        `json:"temperature"`
	Humidity       *int            `json:"humidity,omitempty"`
	Battery        *int            `json:"battery,omitempty"`
	SignalStrength *int            `json:"signalStrength,omitempty"`
	RecordedAt     string          `json:"recordedAt"`
	Source         string          `json:"source"`
	RawPayload     json.RawMessage `json:"rawPayload,omitempty"`
}

type ingestRequest struct {
	Readings []readingInput `json:"readings"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.FromContext(r.Context())
	if !ok {
		forbidden(w)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		invalidInput(w, "malformed request body", nil)
		return
	}
	if len(req.Readings) == 0 {
		invalidInput(w, "readings must not be empty", nil)
		return
	}

	readings := make([]store.Reading, 0, len(req.Readings))
	var fieldErrors []map[string]string
	for i, in := range req.Readings {
		if in.UnitID == "" {
			fieldErrors = append(fieldErrors, fieldError(i, "unitId", "required"))
			continue
		}
		if in.Temperature == nil {
			fieldErrors = append(fieldErrors, fieldError(i, "temperature", "required"))
			continue
		}
		recordedAt, err := time.Parse(time.RFC3339, in.RecordedAt)
		if err != nil {
			fieldErrors = append(fieldErrors, fieldError(i, "recordedAt", "must be ISO-8601"))
			continue
		}
		readings = append(readings, store.Reading{
			UnitID:      in.UnitID,
			DeviceID:    in.DeviceID,
			Temperature: int(math.Round(*in.Temperature * 10)),
			Humidity:    in.Humidity,
			Battery:     in.Battery,
			Signal:      in.SignalStrength,
			RecordedAt:  recordedAt,
			Source:      in.Source,
			RawPayload:  in.RawPayload,
		})
	}
	if len(fieldErrors) > 0 {
		invalidInput(w, "invalid readings", fieldErrors)
		return
	}

	result, err := s.orch.Ingest(r.Context(), tenantID, readings)
	if err != nil {
		s.logger.Printf("Ingest for tenant %s failed: %v", tenantID, err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func fieldError(index int, field, problem string) map[string]string {
	return map[string]string{
		"index":   strconv.Itoa(index),
		"field":   field,
		"problem": problem,
	}
}

// ==== alerts ====

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	q := r.URL.Query()

	filter := store.AlertFilter{
		Status:   store.AlertStatus(q.Get("status")),
		Severity: store.AlertSeverity(q.Get("severity")),
		SiteID:   q.Get("siteId"),
		UnitID:   q.Get("unitId"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			invalidInput(w, "since must be ISO-8601", nil)
			return
		}
		filter.Since = &t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	rows, err := s.alerts.ListByTenant(r.Context(), s.db, tenantID, filter)
	if err != nil {
		s.logger.Printf("Alert list for tenant %s failed: %v", tenantID, err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alertRows(rows),
		"count":  len(rows),
	})
}

type alertJSON struct {
	AlertID         string     `json:"alertId"`
	UnitID          string     `json:"unitId"`
	UnitName        string     `json:"unitName,omitempty"`
	SiteID          string     `json:"siteId,omitempty"`
	SiteName        string     `json:"siteName,omitempty"`
	AlertType       string     `json:"alertType"`
	Severity        string     `json:"severity"`
	Status          string     `json:"status"`
	TriggerTemp     float64    `json:"triggerTemp"`
	BoundViolated   string     `json:"boundViolated"`
	TriggeredAt     time.Time  `json:"triggeredAt"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy  *string    `json:"acknowledgedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	Resolution      *string    `json:"resolution,omitempty"`
	EscalationLevel int        `json:"escalationLevel"`
	EscalatedAt     *time.Time `json:"escalatedAt,omitempty"`
}

func alertToJSON(a *store.Alert) alertJSON {
	return alertJSON{
		AlertID:         a.AlertID,
		UnitID:          a.UnitID,
		AlertType:       a.AlertType,
		Severity:        string(a.Severity),
		Status:          string(a.Status),
		TriggerTemp:     float64(a.TriggerTemp) / 10,
		BoundViolated:   a.BoundViolated,
		TriggeredAt:     a.TriggeredAt,
		AcknowledgedAt:  a.AcknowledgedAt,
		AcknowledgedBy:  a.AcknowledgedBy,
		ResolvedAt:      a.ResolvedAt,
		Resolution:      a.Resolution,
		EscalationLevel: a.EscalationLevel,
		EscalatedAt:     a.EscalatedAt,
	}
}

func alertRows(rows []store.AlertRow) []alertJSON {
	out := make([]alertJSON, 0, len(rows))
	for i := range rows {
		j := alertToJSON(&rows[i].Alert)
		j.UnitName = rows[i].UnitName
		j.SiteID = rows[i].SiteID
		j.SiteName = rows[i].SiteName
		out = append(out, j)
	}
	return out
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	alertID := mux.Vars(r)["id"]

	alert, err := s.alerts.GetScoped(r.Context(), s.db, tenantID, alertID)
	if err != nil {
		internalError(w)
		return
	}
	if alert == nil {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, alertToJSON(alert))
}

type ackRequest struct {
	Actor string  `json:"actor"`
	Notes *string `json:"notes,omitempty"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	alertID := mux.Vars(r)["id"]

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		invalidInput(w, "actor is required", nil)
		return
	}

	scoped, err := s.alerts.GetScoped(r.Context(), s.db, tenantID, alertID)
	if err != nil {
		internalError(w)
		return
	}
	if scoped == nil {
		notFound(w)
		return
	}
	if scoped.Status == store.AlertResolved {
		conflict(w, "alert already resolved")
		return
	}

	alert, err := s.alerts.Acknowledge(r.Context(), s.db, alertID, req.Actor, req.Notes, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		conflict(w, "alert already resolved")
		return
	}
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, alertToJSON(alert))
}

type resolveRequest struct {
	Actor            string  `json:"actor"`
	Resolution       string  `json:"resolution"`
	CorrectiveAction *string `json:"correctiveAction,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	alertID := mux.Vars(r)["id"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" || req.Resolution == "" {
		invalidInput(w, "actor and resolution are required", nil)
		return
	}

	scoped, err := s.alerts.GetScoped(r.Context(), s.db, tenantID, alertID)
	if err != nil {
		internalError(w)
		return
	}
	if scoped == nil {
		notFound(w)
		return
	}
	if scoped.Status == store.AlertResolved {
		conflict(w, "alert already resolved")
		return
	}

	var resolved *store.Alert
	var siteID string
	err = store.WithinTx(r.Context(), s.db, func(tx *sql.Tx) error {
		resolved, err = s.alerts.Resolve(r.Context(), tx, alertID, req.Actor, req.Resolution, req.CorrectiveAction, time.Now().UTC())
		if err != nil {
			return err
		}
		unit, err := s.units.GetForUpdate(r.Context(), tx, tenantID, resolved.UnitID)
		if err != nil || unit == nil {
			return err
		}
		siteID = unit.SiteID
		switch unit.Status {
		case store.UnitExcursion, store.UnitAlarmActive, store.UnitRestoring:
			return s.units.UpdateStatus(r.Context(), tx, unit.UnitID, store.UnitOK, time.Now().UTC(), 0)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		conflict(w, "alert already resolved")
		return
	}
	if err != nil {
		s.logger.Printf("Resolve of alert %s failed: %v", alertID, err)
		internalError(w)
		return
	}

	metrics.AlertsResolved.Inc()
	s.cache.Invalidate(tenantID, resolved.UnitID)
	if s.hub != nil {
		s.hub.AlertResolved(tenantID, siteID, resolved)
	}
	writeJSON(w, http.StatusOK, alertToJSON(resolved))
}

type escalateRequest struct {
	TargetLevel int `json:"targetLevel"`
}

func (s *Server) handleManualEscalate(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	alertID := mux.Vars(r)["id"]

	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		invalidInput(w, "malformed request body", nil)
		return
	}

	outcome, err := s.engine.EscalateManual(r.Context(), tenantID, alertID, req.TargetLevel)
	if err != nil {
		s.logger.Printf("Manual escalate of alert %s failed: %v", alertID, err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    outcome.Success,
		"newLevel":   outcome.NewLevel,
		"smsQueued":  outcome.SMSQueued,
		"skipReason": outcome.SkipReason,
	})
}

// ==== units ====

func (s *Server) handleUnitState(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	unitID := mux.Vars(r)["id"]

	if entry, ok := s.cache.Get(tenantID, unitID); ok {
		writeUnitState(w, entry)
		return
	}

	unit, err := s.units.GetScoped(r.Context(), s.db, tenantID, unitID)
	if err != nil {
		internalError(w)
		return
	}
	if unit == nil {
		notFound(w)
		return
	}
	entry := unitstate.Entry{
		TenantID:      tenantID,
		UnitID:        unit.UnitID,
		State:         unitstate.DeriveState(unit.Status, unit.LastReadingAt, unit.StatusChangedAt, time.Now()),
		LastReadingAt: unit.LastReadingAt,
		LastTemp:      unit.LastTemp,
	}
	s.cache.Put(entry)
	writeUnitState(w, entry)
}

func writeUnitState(w http.ResponseWriter, e unitstate.Entry) {
	body := map[string]interface{}{
		"unitId": e.UnitID,
		"state":  string(e.State),
	}
	if e.LastReadingAt != nil {
		body["lastReadingAt"] = e.LastReadingAt
	}
	if e.LastTemp != nil {
		body["lastTemp"] = float64(*e.LastTemp) / 10
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUnitMetrics(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	unitID := mux.Vars(r)["id"]

	unit, err := s.units.GetScoped(r.Context(), s.db, tenantID, unitID)
	if err != nil {
		internalError(w)
		return
	}
	if unit == nil {
		notFound(w)
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			invalidInput(w, "from must be ISO-8601", nil)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			invalidInput(w, "to must be ISO-8601", nil)
			return
		}
	}

	buckets, err := s.buckets.ListRange(r.Context(), s.db, unitID, from, to)
	if err != nil {
		internalError(w)
		return
	}

	type bucketJSON struct {
		PeriodStart time.Time `json:"periodStart"`
		TempMin     float64   `json:"tempMin"`
		TempMax     float64   `json:"tempMax"`
		TempAvg     float64   `json:"tempAvg"`
		Count       int64     `json:"count"`
		Anomalies   int64     `json:"anomalies"`
	}
	out := make([]bucketJSON, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, bucketJSON{
			PeriodStart: b.PeriodStart,
			TempMin:     float64(b.TempMin) / 10,
			TempMax:     float64(b.TempMax) / 10,
			TempAvg:     b.Avg() / 10,
			Count:       b.Count,
			Anomalies:   b.Anomalies,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": out})
}

func (s *Server) handleUnitReadings(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.FromContext(r.Context())
	unitID := mux.Vars(r)["id"]

	unit, err := s.units.GetScoped(r.Context(), s.db, tenantID, unitID)
	if err != nil {
		internalError(w)
		return
	}
	if unit == nil {
		notFound(w)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	readings, err := s.readings.ListRecent(r.Context(), s.db, unitID, limit)
	if err != nil {
		internalError(w)
		return
	}

	type readingJSON struct {
		ReadingID   string    `json:"readingId"`
		Temperature float64   `json:"temperature"`
		Humidity    *int      `json:"humidity,omitempty"`
		Battery     *int      `json:"battery,omitempty"`
		Signal      *int      `json:"signal,omitempty"`
		RecordedAt  time.Time `json:"recordedAt"`
	}
	out := make([]readingJSON, 0, len(readings))
	for _, rd := range readings {
		out = append(out, readingJSON{
			ReadingID:   rd.ReadingID,
			Temperature: float64(rd.Temperature) / 10,
			Humidity:    rd.Humidity,
			Battery:     rd.Battery,
			Signal:      rd.Signal,
			RecordedAt:  rd.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"readings": out})
}

// ==== webhooks ====

type smsWebhookEnvelope struct {
	Data struct {
		EventType  string `json:"event_type"`
		OccurredAt string `json:"occurred_at"`
		Payload    struct {
			ID     string `json:"id"`
			Errors []struct {
				Detail string `json:"detail"`
			} `json:"errors"`
		} `json:"payload"`
	} `json:"data"`
}

func (s *Server) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	var env smsWebhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		invalidInput(w, "malformed webhook body", nil)
		return
	}

	ev := notify.ProviderEvent{
		EventType: env.Data.EventType,
		MessageID: env.Data.Payload.ID,
	}
	if env.Data.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339, env.Data.OccurredAt); err == nil {
			ev.OccurredAt = t
		}
	}
	for _, e := range env.Data.Payload.Errors {
		ev.Errors = append(ev.Errors, e.Detail)
	}

	if _, err := s.webhook.Apply(r.Context(), ev); err != nil {
		s.logger.Printf("SMS webhook apply failed: %v", err)
		internalError(w)
		return
	}
	// Always 200 so the provider does not replay indefinitely.
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
