package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Dispatcher routes jobs onto the four durable queues. Every job lands in
// the jobs table; jobs eligible right away are additionally pushed to a
// redis list so idle workers wake up without waiting for the DB poll.
// Delayed jobs rely on the DB poll alone, which also recovers anything redis
// lost.
type Dispatcher struct {
	jobs  domain.JobStore
	redis *redis.Client
	log   zerolog.Logger
	now   func() time.Time

	transportAttempts int
	transportPolicy   RetryPolicy

	mu     sync.RWMutex
	paused map[string]bool
}

func NewDispatcher(jobs domain.JobStore, redisClient *redis.Client, transportAttempts int, logger *zerolog.Logger) *Dispatcher {
	if transportAttempts <= 0 {
		transportAttempts = 3
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "dispatcher").Logger()
	}
	return &Dispatcher{
		jobs:              jobs,
		redis:             redisClient,
		log:               log,
		now:               time.Now,
		transportAttempts: transportAttempts,
		transportPolicy: RetryPolicy{
			MaxRetries:    transportAttempts,
			InitialDelay:  5 * time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
		paused: make(map[string]bool),
	}
}

// SetClock overrides the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// AddOrderSyncJob enqueues a full sheet reconciliation. Manual triggers get
// top priority; webhook triggers are briefly delayed so a burst of
// notifications for one resource collapses into a single run.
func (d *Dispatcher) AddOrderSyncJob(ctx context.Context, payload models.OrderSyncPayload) (string, error) {
	if payload.ConnectionID == "" || payload.SpreadsheetID == "" {
		return "", fmt.Errorf("order sync payload incomplete: %w", domain.ErrValidation)
	}

	priority := models.PriorityOrderSync
	if payload.TriggeredBy == models.TriggerManual {
		priority = models.PriorityManualSync
	}
	var delay time.Duration
	if payload.TriggeredBy == models.TriggerWebhook {
		delay = models.WebhookDedupDelayMS * time.Millisecond
	}

	return d.enqueue(ctx, models.QueueOrderSync, payload, priority, delay)
}

// RequeueOrderSyncJob puts an order sync back on the queue after a delay,
// keeping the priority rules of AddOrderSyncJob. Used when a run has to be
// deferred, for example because another run holds the sheet lease.
func (d *Dispatcher) RequeueOrderSyncJob(ctx context.Context, payload models.OrderSyncPayload, delay time.Duration) (string, error) {
	if payload.ConnectionID == "" || payload.SpreadsheetID == "" {
		return "", fmt.Errorf("order sync payload incomplete: %w", domain.ErrValidation)
	}
	priority := models.PriorityOrderSync
	if payload.TriggeredBy == models.TriggerManual {
		priority = models.PriorityManualSync
	}
	return d.enqueue(ctx, models.QueueOrderSync, payload, priority, delay)
}

// AddWebhookRenewalJob enqueues a subscription renewal.
func (d *Dispatcher) AddWebhookRenewalJob(ctx context.Context, payload models.WebhookRenewalPayload) (string, error) {
	return d.enqueue(ctx, models.QueueWebhookRenewal, payload, models.PriorityWebhookRenewal, 0)
}

// AddSyncRetryJob enqueues the next link of a retry chain with exponential
// backoff derived from the retry count.
func (d *Dispatcher) AddSyncRetryJob(ctx context.Context, payload models.OrderSyncPayload) (string, error) {
	if payload.ConnectionID == "" || payload.SpreadsheetID == "" {
		return "", fmt.Errorf("sync retry payload incomplete: %w", domain.ErrValidation)
	}
	return d.enqueue(ctx, models.QueueSyncRetry, payload, models.PrioritySyncRetry, RetryDelay(payload.RetryCount))
}

// AddPollingJob enqueues a polling run after the given delay.
func (d *Dispatcher) AddPollingJob(ctx context.Context, payload models.PollingPayload, delay time.Duration) (string, error) {
	return d.enqueue(ctx, models.QueuePolling, payload, models.PriorityPolling, delay)
}

func (d *Dispatcher) enqueue(ctx context.Context, queueName string, payload interface{}, priority int, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := d.now()
	job := &models.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     string(raw),
		Priority:    priority,
		Status:      models.JobWaiting,
		MaxAttempts: d.transportAttempts,
		NextRunAt:   now.Add(delay),
		CreatedAt:   now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	if delay <= 0 {
		d.pushWakeup(ctx, queueName, job.ID)
	}

	d.log.Debug().
		Str("job_id", job.ID).
		Str("queue", queueName).
		Int("priority", priority).
		Dur("delay", delay).
		Msg("job enqueued")
	return job.ID, nil
}

func (d *Dispatcher) pushWakeup(ctx context.Context, queueName, jobID string) {
	if d.redis == nil {
		return
	}
	if err := d.redis.LPush(ctx, wakeupKey(queueName), jobID).Err(); err != nil {
		d.log.Warn().Err(err).Str("queue", queueName).Msg("redis wakeup push failed, DB poll will pick the job up")
	}
}

// Dequeue leases the next eligible job on a queue, or returns (nil, nil)
// when nothing is ready. Paused queues never hand out jobs.
func (d *Dispatcher) Dequeue(ctx context.Context, queueName, workerID string) (*models.Job, error) {
	if d.IsPaused(queueName) {
		return nil, nil
	}

	if id, ok := d.popWakeup(ctx, queueName); ok {
		claimed, err := d.jobs.ClaimJob(ctx, id, workerID)
		if err != nil {
			return nil, err
		}
		if claimed {
			return d.jobs.GetJob(ctx, id)
		}
		// Someone else claimed it, or it was removed; fall through.
	}

	return d.jobs.ClaimNextJob(ctx, queueName, workerID, d.now())
}

func (d *Dispatcher) popWakeup(ctx context.Context, queueName string) (string, bool) {
	if d.redis == nil {
		return "", false
	}
	res, err := d.redis.RPop(ctx, wakeupKey(queueName)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.log.Warn().Err(err).Str("queue", queueName).Msg("redis wakeup pop failed")
		}
		return "", false
	}
	return res, true
}

// MarkCompleted acknowledges a leased job.
func (d *Dispatcher) MarkCompleted(ctx context.Context, job *models.Job) error {
	return d.jobs.FinishJob(ctx, job.ID, models.JobCompleted, "")
}

// MarkFailed applies the transport-level retry policy: reschedule with a
// fixed backoff while attempts remain, otherwise fail the job and push it to
// the queue's dead-letter list. This layer is deliberately separate from the
// application-level retry chain.
func (d *Dispatcher) MarkFailed(ctx context.Context, job *models.Job, cause error) error {
	if job.AttemptsMade < job.MaxAttempts {
		next := d.now().Add(d.transportPolicy.NextDelay(job.AttemptsMade))
		d.log.Warn().
			Err(cause).
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Int("attempt", job.AttemptsMade).
			Time("next_run_at", next).
			Msg("job failed, transport retry scheduled")
		return d.jobs.RescheduleJob(ctx, job.ID, next, cause.Error())
	}

	d.log.Error().
		Err(cause).
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Msg("job failed, transport attempts exhausted")
	if err := d.jobs.FinishJob(ctx, job.ID, models.JobFailed, cause.Error()); err != nil {
		return err
	}
	d.pushDeadLetter(ctx, job, cause)
	return nil
}

func (d *Dispatcher) pushDeadLetter(ctx context.Context, job *models.Job, cause error) {
	if d.redis == nil {
		return
	}
	entry := struct {
		models.Job
		Reason string `json:"reason"`
	}{Job: *job, Reason: cause.Error()}
	data, err := json.Marshal(entry)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("encode dead-letter entry")
		return
	}
	if err := d.redis.LPush(ctx, deadLetterKey(job.Queue), data).Err(); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("dead-letter push failed")
	}
}

// GetJobStatus exposes transport introspection for one job.
func (d *Dispatcher) GetJobStatus(ctx context.Context, id string) (*models.JobStatus, error) {
	job, err := d.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	status := job.Status
	if status == models.JobWaiting && job.NextRunAt.After(d.now()) {
		status = models.JobDelayed
	}
	return &models.JobStatus{
		ID:           job.ID,
		Queue:        job.Queue,
		Status:       status,
		AttemptsMade: job.AttemptsMade,
		FailedReason: job.FailedReason,
		NextRunAt:    job.NextRunAt,
		FinishedAt:   job.FinishedAt,
	}, nil
}

// RemoveJob deletes a job that has not started running. A stale wakeup id
// left in redis is harmless: claiming a deleted job simply fails.
func (d *Dispatcher) RemoveJob(ctx context.Context, id string) error {
	return d.jobs.RemoveWaitingJob(ctx, id)
}

// PauseQueue stops consumption from a queue. Enqueues still land in the
// jobs table and run once the queue resumes.
func (d *Dispatcher) PauseQueue(queueName string) {
	d.mu.Lock()
	d.paused[queueName] = true
	d.mu.Unlock()
	d.log.Info().Str("queue", queueName).Msg("queue paused")
}

// ResumeQueue re-enables consumption.
func (d *Dispatcher) ResumeQueue(queueName string) {
	d.mu.Lock()
	delete(d.paused, queueName)
	d.mu.Unlock()
	d.log.Info().Str("queue", queueName).Msg("queue resumed")
}

// IsPaused reports whether a queue is paused.
func (d *Dispatcher) IsPaused(queueName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.paused[queueName]
}

// CleanQueue evicts completed/failed jobs finished longer than grace ago.
func (d *Dispatcher) CleanQueue(ctx context.Context, queueName string, grace time.Duration) (int, error) {
	return d.jobs.CleanFinishedJobs(ctx, queueName, d.now().Add(-grace))
}

func wakeupKey(queueName string) string {
	return "sheetsync:queue:" + queueName
}

func deadLetterKey(queueName string) string {
	return "sheetsync:queue:" + queueName + ":dead"
}
