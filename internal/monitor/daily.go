package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/models"
)

// OperationCleaner is the tracker's retention primitive.
type OperationCleaner interface {
	CleanupOldOperations(ctx context.Context, olderThanDays, keepMinimum int) (int, error)
}

// QueueCleaner evicts finished jobs from one queue.
type QueueCleaner interface {
	CleanQueue(ctx context.Context, queueName string, grace time.Duration) (int, error)
}

// Reporter renders the daily report file.
type Reporter interface {
	WriteDaily(ctx context.Context, day time.Time) (string, error)
}

// DailyJobs runs retention cleanup and the report once a day at a fixed
// local time.
type DailyJobs struct {
	cleaner  OperationCleaner
	queues   QueueCleaner
	reporter Reporter
	log      zerolog.Logger
	now      func() time.Time

	runAt         string
	olderThanDays int
	keepMinimum   int
	queueGrace    time.Duration
}

func NewDailyJobs(cleaner OperationCleaner, queues QueueCleaner, reporter Reporter, runAt string, olderThanDays, keepMinimum int, logger *zerolog.Logger) *DailyJobs {
	if runAt == "" {
		runAt = "06:00"
	}
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	if keepMinimum <= 0 {
		keepMinimum = 100
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "daily_jobs").Logger()
	}
	return &DailyJobs{
		cleaner:       cleaner,
		queues:        queues,
		reporter:      reporter,
		log:           log,
		now:           time.Now,
		runAt:         runAt,
		olderThanDays: olderThanDays,
		keepMinimum:   keepMinimum,
		queueGrace:    24 * time.Hour,
	}
}

// SetClock overrides the time source. Tests only.
func (d *DailyJobs) SetClock(now func() time.Time) {
	d.now = now
}

// Run waits for the configured time of day and executes the jobs, forever.
func (d *DailyJobs) Run(ctx context.Context) {
	for {
		wait := d.untilNextRun()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			d.RunOnce(ctx)
		}
	}
}

// RunOnce executes cleanup and reporting immediately. Each job's failure is
// logged and does not block the others.
func (d *DailyJobs) RunOnce(ctx context.Context) {
	if d.cleaner != nil {
		deleted, err := d.cleaner.CleanupOldOperations(ctx, d.olderThanDays, d.keepMinimum)
		if err != nil {
			d.log.Error().Err(err).Msg("operation cleanup failed")
		} else if deleted > 0 {
			d.log.Info().Int("deleted", deleted).Msg("operation history cleaned up")
		}
	}

	if d.queues != nil {
		for _, queueName := range []string{
			models.QueueOrderSync,
			models.QueueWebhookRenewal,
			models.QueueSyncRetry,
			models.QueuePolling,
		} {
			evicted, err := d.queues.CleanQueue(ctx, queueName, d.queueGrace)
			if err != nil {
				d.log.Error().Err(err).Str("queue", queueName).Msg("queue cleanup failed")
				continue
			}
			if evicted > 0 {
				d.log.Info().Str("queue", queueName).Int("evicted", evicted).Msg("finished jobs evicted")
			}
		}
	}

	if d.reporter != nil {
		if _, err := d.reporter.WriteDaily(ctx, d.now()); err != nil {
			d.log.Error().Err(err).Msg("daily report failed")
		}
	}
}

// untilNextRun computes the wait until the next occurrence of runAt.
func (d *DailyJobs) untilNextRun() time.Duration {
	now := d.now()
	at, err := time.ParseInLocation("15:04", d.runAt, now.Location())
	if err != nil {
		return 24 * time.Hour
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
