package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeliveryStore tracks outbound SMS attempts and provider status callbacks.
type DeliveryStore struct{}

func NewDeliveryStore() *DeliveryStore { return &DeliveryStore{} }

// Insert records a pending delivery.
func (ds *DeliveryStore) Insert(ctx context.Context, q Querier, d *NotificationDelivery) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO notification_deliveries
			(delivery_id, alert_id, phone, user_id, channel, status,
			 escalation_level, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.DeliveryID, d.AlertID, d.Phone, d.UserID, d.Channel,
		string(DeliveryPending), d.EscalationLevel, d.ScheduledAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// Get loads a delivery by ID. Returns (nil, nil) when absent.
func (ds *DeliveryStore) Get(ctx context.Context, q Querier, deliveryID string) (*NotificationDelivery, error) {
	row := q.QueryRowContext(ctx, `
		SELECT delivery_id, alert_id, phone, user_id, channel, status,
		       escalation_level, provider_message_id, scheduled_at, sent_at,
		       delivered_at, failed_at, error_text
		FROM notification_deliveries
		WHERE delivery_id = $1`,
		deliveryID)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func scanDelivery(row interface{ Scan(...interface{}) error }) (*NotificationDelivery, error) {
	var d NotificationDelivery
	var status string
	err := row.Scan(&d.DeliveryID, &d.AlertID, &d.Phone, &d.UserID, &d.Channel,
		&status, &d.EscalationLevel, &d.ProviderMessageID, &d.ScheduledAt,
		&d.SentAt, &d.DeliveredAt, &d.FailedAt, &d.ErrorText)
	if err != nil {
		return nil, err
	}
	d.Status = DeliveryStatus(status)
	return &d, nil
}

// CountTenantWindow counts the tenant's SMS attempts scheduled within the
// window. Failed attempts do not count against the budget.
func (ds *DeliveryStore) CountTenantWindow(ctx context.Context, q Querier, tenantID string, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notification_deliveries d
		JOIN alerts al ON al.alert_id = d.alert_id
		JOIN units u ON u.unit_id = al.unit_id
		JOIN areas a ON a.area_id = u.area_id
		JOIN sites s ON s.site_id = a.site_id
		WHERE s.tenant_id = $1
		  AND d.scheduled_at >= $2
		  AND d.status IN ('pending', 'sent', 'delivered')`,
		tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tenant deliveries: %w", err)
	}
	return n, nil
}

// HasRecentForPhone reports whether the recipient already has an attempt
// (pending included) scheduled since the cutoff, for any alert.
func (ds *DeliveryStore) HasRecentForPhone(ctx context.Context, q Querier, phone string, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_deliveries
			WHERE phone = $1 AND scheduled_at >= $2
			  AND status IN ('pending', 'sent', 'delivered')
		)`,
		phone, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent delivery: %w", err)
	}
	return exists, nil
}

// MarkSent records a successful provider accept. Only a pending delivery can
// move to sent, which makes the send worker idempotent across retries.
func (ds *DeliveryStore) MarkSent(ctx context.Context, q Querier, deliveryID, providerMessageID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = 'sent', provider_message_id = $2, sent_at = $3
		WHERE delivery_id = $1 AND status = 'pending'`,
		deliveryID, providerMessageID, at)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed records a terminal send failure.
func (ds *DeliveryStore) MarkFailed(ctx context.Context, q Querier, deliveryID, errText string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = 'failed', failed_at = $3, error_text = $2
		WHERE delivery_id = $1 AND status IN ('pending', 'sent')`,
		deliveryID, errText, at)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ApplyProviderEvent folds a provider webhook into the delivery row keyed by
// provider message ID. Status only moves forward (sent → delivered/failed),
// so replayed webhooks are no-ops. Returns false when no row matched.
func (ds *DeliveryStore) ApplyProviderEvent(ctx context.Context, q Querier, providerMessageID string, status DeliveryStatus, errText *string, at time.Time) (bool, error) {
	var res sql.Result
	var err error
	switch status {
	case DeliveryDelivered:
		res, err = q.ExecContext(ctx, `
			UPDATE notification_deliveries
			SET status = 'delivered', delivered_at = COALESCE(delivered_at, $2)
			WHERE provider_message_id = $1 AND status = 'sent'`,
			providerMessageID, at)
	case DeliveryFailed:
		res, err = q.ExecContext(ctx, `
			UPDATE notification_deliveries
			SET status = 'failed', failed_at = COALESCE(failed_at, $2),
			    error_text = COALESCE(error_text, $3)
			WHERE provider_message_id = $1 AND status IN ('pending', 'sent')`,
			providerMessageID, at, errText)
	case DeliverySent:
		res, err = q.ExecContext(ctx, `
			UPDATE notification_deliveries
			SET sent_at = COALESCE(sent_at, $2)
			WHERE provider_message_id = $1 AND status = 'sent'`,
			providerMessageID, at)
	default:
		return false, fmt.Errorf("unknown provider status %q", status)
	}
	if err != nil {
		return false, fmt.Errorf("apply provider event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
