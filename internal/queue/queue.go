// Package queue is a Redis-backed work queue for outbound SMS jobs. Jobs are
// re-delivered with exponential backoff through a delayed set; consumers must
// be idempotent (jobs carry the delivery id that names their intended effect).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	smsJobsKey    = "coldsense:sms:jobs"
	smsdelayedKey = "coldsense:sms:delayed"

	// MaxAttempts is the total delivery attempts per job.
	MaxAttempts = 5
	backoffBase = 2 * time.Second
)

// SMSJob is one outbound SMS unit of work.
type SMSJob struct {
	TenantID   string  `json:"tenant_id"`
	Phone      string  `json:"phone"`
	Message    string  `json:"message"`
	AlertID    string  `json:"alert_id"`
	DeliveryID string  `json:"delivery_id"`
	UserID     *string `json:"user_id,omitempty"`
	AlertType  string  `json:"alert_type"`
	Attempt    int     `json:"attempt"`
}

// Handler processes one job. A returned error triggers re-enqueue with
// backoff until MaxAttempts is exhausted.
type Handler func(ctx context.Context, job SMSJob) error

// Queue produces and consumes SMS jobs on Redis.
type Queue struct {
	rdb     *redis.Client
	logger  *log.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	handler Handler
	onDead  func(ctx context.Context, job SMSJob, err error)
}

func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// EnqueueSMS pushes a job for immediate delivery.
func (q *Queue) EnqueueSMS(ctx context.Context, job SMSJob) error {
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal sms job: %w", err)
	}
	if err := q.rdb.LPush(ctx, smsJobsKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue sms job: %w", err)
	}
	return nil
}

// enqueueDelayed schedules a retry at the given time.
func (q *Queue) enqueueDelayed(ctx context.Context, job SMSJob, at time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal sms job: %w", err)
	}
	err = q.rdb.ZAdd(ctx, smsdelayedKeyName(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule sms retry: %w", err)
	}
	return nil
}

func smsdelayedKeyName() string { return smsdelayedKey }

// Backoff returns the delay before the given attempt (1-based) retries.
func Backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Start launches the consumer loop and the delayed-job mover. onDead, if
// non-nil, fires once when a job exhausts its attempts.
func (q *Queue) Start(handler Handler, onDead func(ctx context.Context, job SMSJob, err error)) {
	q.handler = handler
	q.onDead = onDead
	go q.consumeLoop()
	go q.moveDelayedLoop()
	q.logger.Printf("SMS queue consumer started (max %d attempts)", MaxAttempts)
}

// Stop signals the loops to exit and waits for the consumer to drain its
// current job.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

func (q *Queue) consumeLoop() {
	defer close(q.doneCh)
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		res, err := q.rdb.BRPop(ctx, 2*time.Second, smsJobsKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			q.logger.Printf("BRPOP failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		// res[0] is the key name.
		var job SMSJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Printf("Dropping malformed job: %v", err)
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job SMSJob) {
	err := q.handler(ctx, job)
	if err == nil {
		return
	}
	if job.Attempt >= MaxAttempts {
		q.logger.Printf("Job for delivery %s dead after %d attempts: %v", job.DeliveryID, job.Attempt, err)
		if q.onDead != nil {
			q.onDead(ctx, job, err)
		}
		return
	}
	delay := Backoff(job.Attempt)
	job.Attempt++
	q.logger.Printf("Job for delivery %s failed (attempt %d): %v; retrying in %s", job.DeliveryID, job.Attempt-1, err, delay)
	if err := q.enqueueDelayed(ctx, job, time.Now().Add(delay)); err != nil {
		q.logger.Printf("Failed to schedule retry for delivery %s: %v", job.DeliveryID, err)
	}
}

// moveDelayedLoop promotes due delayed jobs back onto the main list.
func (q *Queue) moveDelayedLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			members, err := q.rdb.ZRangeByScore(ctx, smsdelayedKey, &redis.ZRangeBy{
				Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
			}).Result()
			if err != nil || len(members) == 0 {
				continue
			}
			for _, m := range members {
				if removed, err := q.rdb.ZRem(ctx, smsdelayedKey, m).Result(); err != nil || removed == 0 {
					// Another instance claimed it.
					continue
				}
				if err := q.rdb.LPush(ctx, smsJobsKey, m).Err(); err != nil {
					q.logger.Printf("Failed to promote delayed job: %v", err)
				}
			}
		}
	}
}
