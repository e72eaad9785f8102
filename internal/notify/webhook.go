package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coldsense/backend/internal/store"
)

// ProviderEvent is a decoded SMS status webhook.
type ProviderEvent struct {
	EventType  string // message.sent | message.delivered | message.failed
	MessageID  string
	OccurredAt time.Time
	Errors     []string
}

// deliveryApplier is the slice of the delivery store the webhook needs.
type deliveryApplier interface {
	ApplyProviderEvent(ctx context.Context, q store.Querier, providerMessageID string, status store.DeliveryStatus, errText *string, at time.Time) (bool, error)
}

// Webhook folds provider events into notification_deliveries rows.
// Replayed events are no-ops because the row status only moves forward.
type Webhook struct {
	q          store.Querier
	deliveries deliveryApplier
	logger     *log.Logger
}

func NewWebhook(q store.Querier, deliveries deliveryApplier) *Webhook {
	return &Webhook{
		q:          q,
		deliveries: deliveries,
		logger:     log.New(log.Writer(), "[SMS-WEBHOOK] ", log.LstdFlags),
	}
}

// Apply maps the event type to a delivery status transition. Returns false
// when the event matched no row or was a replay.
func (w *Webhook) Apply(ctx context.Context, ev ProviderEvent) (bool, error) {
	if ev.MessageID == "" {
		return false, fmt.Errorf("provider event missing message id")
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var status store.DeliveryStatus
	var errText *string
	switch ev.EventType {
	case "message.sent":
		status = store.DeliverySent
	case "message.delivered":
		status = store.DeliveryDelivered
	case "message.failed", "message.sending_failed":
		status = store.DeliveryFailed
		if len(ev.Errors) > 0 {
			joined := strings.Join(ev.Errors, "; ")
			errText = &joined
		}
	default:
		w.logger.Printf("Ignoring provider event type %q for message %s", ev.EventType, ev.MessageID)
		return false, nil
	}

	applied, err := w.deliveries.ApplyProviderEvent(ctx, w.q, ev.MessageID, status, errText, at)
	if err != nil {
		return false, err
	}
	if !applied {
		w.logger.Printf("Event %s for message %s matched no pending delivery (replay or unknown)", ev.EventType, ev.MessageID)
	}
	return applied, nil
}
