package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/metrics"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Handler executes a leased job. A nil error acknowledges the job; an error
// hands it back to the transport-level retry policy.
type Handler func(ctx context.Context, job *models.Job) error

// JobSource is the consuming side of the dispatcher.
type JobSource interface {
	Dequeue(ctx context.Context, queueName, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, job *models.Job) error
	MarkFailed(ctx context.Context, job *models.Job, cause error) error
}

// Pool runs a fixed set of workers over the registered queues. Queues are
// scanned in registration order, so registering the higher-priority queues
// first biases idle workers toward them; within a queue the dispatcher's
// priority and delay rules decide eligibility.
type Pool struct {
	source   JobSource
	log      zerolog.Logger
	workers  int
	idleWait time.Duration

	queues   []string
	handlers map[string]Handler

	wg sync.WaitGroup
}

func NewPool(source JobSource, workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "worker_pool").Logger()
	}
	return &Pool{
		source:   source,
		log:      log,
		workers:  workers,
		idleWait: 2 * time.Second,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a queue. Not safe to call after Start.
func (p *Pool) Register(queueName string, handler Handler) {
	p.handlers[queueName] = handler
	p.queues = append(p.queues, queueName)
}

// Start launches the workers; they stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	p.log.Info().Int("workers", p.workers).Msg("worker pool started")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.ProcessNext(ctx, workerID) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idleWait):
		}
	}
}

// ProcessNext leases and runs at most one job across the registered queues.
// Reports whether a job was processed.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) bool {
	for _, queueName := range p.queues {
		job, err := p.source.Dequeue(ctx, queueName, workerID)
		if err != nil {
			p.log.Error().Err(err).Str("queue", queueName).Msg("dequeue failed")
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, job)
		return true
	}
	return false
}

func (p *Pool) process(ctx context.Context, job *models.Job) {
	handler, ok := p.handlers[job.Queue]
	if !ok {
		err := fmt.Errorf("no handler registered for queue %s", job.Queue)
		if mfErr := p.source.MarkFailed(ctx, job, err); mfErr != nil {
			p.log.Error().Err(mfErr).Str("job_id", job.ID).Msg("mark failed")
		}
		metrics.IncJob(job.Queue, "failed")
		return
	}

	if err := handler(ctx, job); err != nil {
		if mfErr := p.source.MarkFailed(ctx, job, err); mfErr != nil {
			p.log.Error().Err(mfErr).Str("job_id", job.ID).Msg("mark failed")
		}
		metrics.IncJob(job.Queue, "failed")
		return
	}

	if err := p.source.MarkCompleted(ctx, job); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("mark completed")
	}
	metrics.IncJob(job.Queue, "completed")
}
