package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coldsense/backend/internal/metrics"
	"github.com/coldsense/backend/internal/notify"
	"github.com/coldsense/backend/internal/store"
)

type workerDeliveries interface {
	Get(ctx context.Context, q store.Querier, deliveryID string) (*store.NotificationDelivery, error)
	MarkSent(ctx context.Context, q store.Querier, deliveryID, providerMessageID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, q store.Querier, deliveryID, errText string, at time.Time) error
}

// SMSWorker turns queued jobs into provider sends. Re-delivered jobs are
// no-ops once the delivery row has left pending, which is what makes the
// queue's at-least-once delivery safe.
type SMSWorker struct {
	q          store.Querier
	deliveries workerDeliveries
	provider   notify.ProviderClient
	logger     *log.Logger
}

func NewSMSWorker(q store.Querier, deliveries workerDeliveries, provider notify.ProviderClient) *SMSWorker {
	return &SMSWorker{
		q:          q,
		deliveries: deliveries,
		provider:   provider,
		logger:     log.New(log.Writer(), "[SMS-WORKER] ", log.LstdFlags),
	}
}

// Handle processes one job. Returning an error re-enqueues with backoff.
func (w *SMSWorker) Handle(ctx context.Context, job SMSJob) error {
	delivery, err := w.deliveries.Get(ctx, w.q, job.DeliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		w.logger.Printf("Delivery %s vanished, dropping job", job.DeliveryID)
		return nil
	}
	if delivery.Status != store.DeliveryPending {
		// Already handled by an earlier attempt or another instance.
		return nil
	}

	res, err := w.provider.Send(ctx, job.Phone, job.Message)
	if err != nil {
		metrics.SMSSendFailures.Inc()
		return fmt.Errorf("send delivery %s: %w", job.DeliveryID, err)
	}

	if _, err := w.deliveries.MarkSent(ctx, w.q, job.DeliveryID, res.ProviderMessageID, time.Now().UTC()); err != nil {
		// The SMS went out; a failed stamp must not trigger a resend.
		w.logger.Printf("MarkSent for delivery %s failed: %v", job.DeliveryID, err)
		return nil
	}
	metrics.SMSSent.Inc()
	return nil
}

// OnDead records the terminal failure after the queue exhausts attempts.
func (w *SMSWorker) OnDead(ctx context.Context, job SMSJob, cause error) {
	if err := w.deliveries.MarkFailed(ctx, w.q, job.DeliveryID, cause.Error(), time.Now().UTC()); err != nil {
		w.logger.Printf("MarkFailed for delivery %s failed: %v", job.DeliveryID, err)
	}
}
