package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsense/backend/internal/notify"
	"github.com/coldsense/backend/internal/store"
)

// ==== fakes ====

type fakeDeliveries struct {
	delivery    *store.NotificationDelivery
	sentWith    string
	markSentErr error
	failedWith  string
}

func (f *fakeDeliveries) Get(ctx context.Context, q store.Querier, deliveryID string) (*store.NotificationDelivery, error) {
	return f.delivery, nil
}

func (f *fakeDeliveries) MarkSent(ctx context.Context, q store.Querier, deliveryID, providerMessageID string, at time.Time) (bool, error) {
	if f.markSentErr != nil {
		return false, f.markSentErr
	}
	f.sentWith = providerMessageID
	return true, nil
}

func (f *fakeDeliveries) MarkFailed(ctx context.Context, q store.Querier, deliveryID, errText string, at time.Time) error {
	f.failedWith = errText
	return nil
}

type fakeProvider struct {
	sends int
	err   error
}

func (f *fakeProvider) Send(ctx context.Context, to, message string) (*notify.SendResult, error) {
	f.sends++
	if f.err != nil {
		return nil, f.err
	}
	return &notify.SendResult{ProviderMessageID: "prov-1", Status: "queued"}, nil
}

func pendingDelivery() *store.NotificationDelivery {
	return &store.NotificationDelivery{
		DeliveryID: "del-1",
		AlertID:    "alert-1",
		Phone:      "+15551234567",
		Status:     store.DeliveryPending,
	}
}

func testJob() SMSJob {
	return SMSJob{
		TenantID:   "tenant-1",
		Phone:      "+15551234567",
		Message:    "CRITICAL alert",
		AlertID:    "alert-1",
		DeliveryID: "del-1",
		Attempt:    1,
	}
}

// ==== worker ====

func TestWorkerSendsPendingDelivery(t *testing.T) {
	deliveries := &fakeDeliveries{delivery: pendingDelivery()}
	provider := &fakeProvider{}
	w := NewSMSWorker(nil, deliveries, provider)

	err := w.Handle(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, 1, provider.sends)
	assert.Equal(t, "prov-1", deliveries.sentWith)
}

func TestWorkerSkipsNonPendingDelivery(t *testing.T) {
	// A redelivered job whose first attempt already went out must not send
	// the SMS twice.
	d := pendingDelivery()
	d.Status = store.DeliverySent
	deliveries := &fakeDeliveries{delivery: d}
	provider := &fakeProvider{}
	w := NewSMSWorker(nil, deliveries, provider)

	err := w.Handle(context.Background(), testJob())
	require.NoError(t, err)
	assert.Zero(t, provider.sends)
}

func TestWorkerDropsVanishedDelivery(t *testing.T) {
	deliveries := &fakeDeliveries{delivery: nil}
	provider := &fakeProvider{}
	w := NewSMSWorker(nil, deliveries, provider)

	err := w.Handle(context.Background(), testJob())
	require.NoError(t, err)
	assert.Zero(t, provider.sends)
}

func TestWorkerProviderFailureRetries(t *testing.T) {
	deliveries := &fakeDeliveries{delivery: pendingDelivery()}
	provider := &fakeProvider{err: errors.New("provider 500")}
	w := NewSMSWorker(nil, deliveries, provider)

	err := w.Handle(context.Background(), testJob())
	assert.Error(t, err)
	assert.Empty(t, deliveries.sentWith)
}

func TestWorkerMarkSentFailureDoesNotResend(t *testing.T) {
	// The SMS left the building; a failed status stamp must swallow the
	// error so the queue does not redeliver.
	deliveries := &fakeDeliveries{delivery: pendingDelivery(), markSentErr: errors.New("db down")}
	provider := &fakeProvider{}
	w := NewSMSWorker(nil, deliveries, provider)

	err := w.Handle(context.Background(), testJob())
	assert.NoError(t, err)
	assert.Equal(t, 1, provider.sends)
}

func TestWorkerOnDeadMarksFailed(t *testing.T) {
	deliveries := &fakeDeliveries{delivery: pendingDelivery()}
	w := NewSMSWorker(nil, deliveries, &fakeProvider{})

	w.OnDead(context.Background(), testJob(), errors.New("exhausted attempts"))
	assert.Equal(t, "exhausted attempts", deliveries.failedWith)
}

// ==== backoff ====

func TestBackoffDoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, 8*time.Second, Backoff(3))
	assert.Equal(t, 32*time.Second, Backoff(5))
}
