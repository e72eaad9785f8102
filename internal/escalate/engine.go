package escalate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coldsense/backend/internal/metrics"
	"github.com/coldsense/backend/internal/notify"
	"github.com/coldsense/backend/internal/queue"
	"github.com/coldsense/backend/internal/store"
)

// Skip reasons returned in Outcome.SkipReason.
const (
	SkipCooldown     = "Alert is in cooldown"
	SkipOrgRateLimit = "Organization SMS rate limit exceeded"
	SkipNoRule       = "No escalation rule for severity"
	SkipMaxLevel     = "Alert already at maximum escalation level"
	SkipNotFound     = "Alert not found"
	SkipResolved     = "Alert already resolved"
)

// Outcome reports what a single escalate call did.
type Outcome struct {
	Success    bool
	NewLevel   int
	SMSQueued  int
	SkipReason string
}

func skipped(reason string) *Outcome {
	metrics.EscalationsSkipped.WithLabelValues(reason).Inc()
	return &Outcome{SkipReason: reason}
}

// alertStore, contactStore, deliveryStore are the store slices the engine
// needs; the production types satisfy them directly.
type alertStore interface {
	GetScopedWithSite(ctx context.Context, q store.Querier, tenantID, alertID string) (*store.Alert, string, error)
	BumpEscalation(ctx context.Context, q store.Querier, alertID string, level int, at time.Time) error
	ListEscalationCandidates(ctx context.Context, q store.Querier, severity store.AlertSeverity, maxLevel int, dueBefore time.Time) ([]store.EscalationCandidate, error)
}

type contactStore interface {
	ListActiveUpToPriority(ctx context.Context, q store.Querier, tenantID string, maxPriority int) ([]store.EscalationContact, error)
}

type deliveryStore interface {
	Insert(ctx context.Context, q store.Querier, d *store.NotificationDelivery) error
	CountTenantWindow(ctx context.Context, q store.Querier, tenantID string, since time.Time) (int, error)
	HasRecentForPhone(ctx context.Context, q store.Querier, phone string, since time.Time) (bool, error)
}

// JobEnqueuer pushes SMS work onto the shared queue.
type JobEnqueuer interface {
	EnqueueSMS(ctx context.Context, job queue.SMSJob) error
}

// EventSink receives escalation events for the real-time stream. Optional.
type EventSink interface {
	AlertEscalated(tenantID, siteID, unitID string, alert *store.Alert, newLevel int)
}

// Engine owns escalation-level bumps. Cooldown checks are race-tolerant:
// concurrent calls may both pass, but the monotonic level bound keeps the
// damage to one extra tier of SMS.
type Engine struct {
	q        store.Querier
	cfg      Config
	alerts   alertStore
	contacts contactStore
	delivs   deliveryStore
	jobs     JobEnqueuer
	events   EventSink
	logger   *log.Logger
	now      func() time.Time
}

func NewEngine(q store.Querier, cfg Config, alerts alertStore, contacts contactStore, delivs deliveryStore, jobs JobEnqueuer, events EventSink) *Engine {
	return &Engine{
		q:        q,
		cfg:      cfg,
		alerts:   alerts,
		contacts: contacts,
		delivs:   delivs,
		jobs:     jobs,
		events:   events,
		logger:   log.New(log.Writer(), "[ESCALATE] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Escalate bumps the alert one level and dispatches SMS to the tier the new
// level unlocks. Skips are reported via Outcome, not errors.
func (e *Engine) Escalate(ctx context.Context, tenantID, alertID string) (*Outcome, error) {
	return e.escalate(ctx, tenantID, alertID, 0, false)
}

// EscalateManual is operator-driven: the per-alert cooldown is bypassed and
// the target level is clamped to [current+1, rule.MaxLevel]. The per-user
// and tenant-window cooldowns still apply.
func (e *Engine) EscalateManual(ctx context.Context, tenantID, alertID string, targetLevel int) (*Outcome, error) {
	return e.escalate(ctx, tenantID, alertID, targetLevel, true)
}

func (e *Engine) escalate(ctx context.Context, tenantID, alertID string, targetLevel int, manual bool) (*Outcome, error) {
	now := e.now()

	alert, siteID, err := e.alerts.GetScopedWithSite(ctx, e.q, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return skipped(SkipNotFound), nil
	}
	if alert.Status == store.AlertResolved {
		return skipped(SkipResolved), nil
	}

	if !manual && alert.EscalatedAt != nil &&
		now.Sub(*alert.EscalatedAt) < e.cfg.Cooldowns.PerAlert {
		return skipped(SkipCooldown), nil
	}

	sent, err := e.delivs.CountTenantWindow(ctx, e.q, tenantID, now.Add(-e.cfg.Cooldowns.OrgWindow))
	if err != nil {
		return nil, err
	}
	if sent >= e.cfg.Cooldowns.MaxSMSPerOrgWindow {
		return skipped(SkipOrgRateLimit), nil
	}

	rule, ok := e.cfg.Rules[alert.Severity]
	if !ok {
		return skipped(SkipNoRule), nil
	}
	if alert.EscalationLevel >= rule.MaxLevel {
		return skipped(SkipMaxLevel), nil
	}

	newLevel := alert.EscalationLevel + 1
	if manual && targetLevel > newLevel {
		newLevel = targetLevel
	}
	if newLevel > rule.MaxLevel {
		newLevel = rule.MaxLevel
	}

	if err := e.alerts.BumpEscalation(ctx, e.q, alert.AlertID, newLevel, now); err != nil {
		return nil, fmt.Errorf("bump alert %s: %w", alert.AlertID, err)
	}

	metrics.EscalationsPerformed.WithLabelValues(string(alert.Severity)).Inc()
	outcome := &Outcome{Success: true, NewLevel: newLevel}
	if rule.SendSMS {
		outcome.SMSQueued, err = e.dispatch(ctx, tenantID, alert, rule, newLevel, now)
		if err != nil {
			// The level bump stands; dispatch problems surface in logs
			// and on the delivery rows.
			e.logger.Printf("Dispatch for alert %s level %d incomplete: %v", alert.AlertID, newLevel, err)
		}
	}

	if e.events != nil {
		e.events.AlertEscalated(tenantID, siteID, alert.UnitID, alert, newLevel)
	}
	e.logger.Printf("Alert %s escalated to level %d (%d SMS queued)", alert.AlertID, newLevel, outcome.SMSQueued)
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, tenantID string, alert *store.Alert, rule Rule, level int, now time.Time) (int, error) {
	threshold := rule.PriorityThresholdFor(level)
	contacts, err := e.contacts.ListActiveUpToPriority(ctx, e.q, tenantID, threshold)
	if err != nil {
		return 0, err
	}

	message := buildMessage(alert, level)
	queued := 0
	for _, c := range contacts {
		if !notify.ValidE164(c.Phone) {
			e.logger.Printf("Contact %s has non-E.164 phone, skipping", c.ContactID)
			continue
		}
		recent, err := e.delivs.HasRecentForPhone(ctx, e.q, c.Phone, now.Add(-e.cfg.Cooldowns.PerUser))
		if err != nil {
			return queued, err
		}
		if recent {
			continue
		}

		delivery := &store.NotificationDelivery{
			DeliveryID:      uuid.NewString(),
			AlertID:         alert.AlertID,
			Phone:           c.Phone,
			UserID:          c.UserID,
			Channel:         "sms",
			Status:          store.DeliveryPending,
			EscalationLevel: level,
			ScheduledAt:     now,
		}
		if err := e.delivs.Insert(ctx, e.q, delivery); err != nil {
			return queued, err
		}
		job := queue.SMSJob{
			TenantID:   tenantID,
			Phone:      c.Phone,
			Message:    message,
			AlertID:    alert.AlertID,
			DeliveryID: delivery.DeliveryID,
			UserID:     c.UserID,
			AlertType:  alert.AlertType,
		}
		if err := e.jobs.EnqueueSMS(ctx, job); err != nil {
			e.logger.Printf("Enqueue for delivery %s failed: %v", delivery.DeliveryID, err)
			continue
		}
		metrics.SMSQueued.Inc()
		queued++
	}
	return queued, nil
}

func buildMessage(alert *store.Alert, level int) string {
	direction := "above max"
	if alert.BoundViolated == "min" {
		direction = "below min"
	}
	return fmt.Sprintf("[L%d %s] Temperature alert: unit %s at %.1f° (%s) since %s. Reply via dashboard to acknowledge.",
		level, alert.Severity, alert.UnitID, float64(alert.TriggerTemp)/10,
		direction, alert.TriggeredAt.UTC().Format(time.RFC3339))
}
