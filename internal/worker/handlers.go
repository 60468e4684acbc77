package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/events"
	"github.com/orderbridge/sheetsync/internal/models"
	"github.com/orderbridge/sheetsync/internal/tracker"
)

// JobQueuer is the enqueuing side of the dispatcher, including the deferral
// path used when a sheet lease is held.
type JobQueuer interface {
	domain.Dispatcher
	RequeueOrderSyncJob(ctx context.Context, payload models.OrderSyncPayload, delay time.Duration) (string, error)
}

// SubscriptionRenewer is implemented by the webhook lifecycle manager.
type SubscriptionRenewer interface {
	RenewWebhookSubscription(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error)
	RenewExpiringSubscriptions(ctx context.Context) error
}

// PollRunner is implemented by the polling fallback controller.
type PollRunner interface {
	RunConnection(ctx context.Context, connectionID, spreadsheetID string) error
	FanOut(ctx context.Context) error
}

// Handlers holds the per-queue job handlers and their collaborators.
type Handlers struct {
	tracker     OperationRecorder
	queue       JobQueuer
	coordinator *Coordinator
	lease       *SheetLease
	connections domain.ConnectionStore
	syncer      domain.Syncer
	renewer     SubscriptionRenewer
	poller      PollRunner
	events      domain.EventPublisher
	log         zerolog.Logger

	// deferDelay is how long an order-sync job waits before another pass
	// when the sheet lease is held elsewhere.
	deferDelay time.Duration
}

func NewHandlers(
	rec OperationRecorder,
	queuer JobQueuer,
	coordinator *Coordinator,
	lease *SheetLease,
	connections domain.ConnectionStore,
	syncer domain.Syncer,
	renewer SubscriptionRenewer,
	poller PollRunner,
	bus domain.EventPublisher,
	logger *zerolog.Logger,
) *Handlers {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "handlers").Logger()
	}
	return &Handlers{
		tracker:     rec,
		queue:       queuer,
		coordinator: coordinator,
		lease:       lease,
		connections: connections,
		syncer:      syncer,
		renewer:     renewer,
		poller:      poller,
		events:      bus,
		log:         log,
		deferDelay:  5 * time.Second,
	}
}

// RegisterAll binds every queue to its handler. Manual and retry traffic
// rides the same order-sync handler; the payload tells the attempts apart.
func (h *Handlers) RegisterAll(pool *Pool) {
	pool.Register(models.QueueOrderSync, h.HandleOrderSync)
	pool.Register(models.QueueWebhookRenewal, h.HandleWebhookRenewal)
	pool.Register(models.QueueSyncRetry, h.HandleOrderSync)
	pool.Register(models.QueuePolling, h.HandlePolling)
}

type syncEvent struct {
	OperationID     string `json:"operation_id"`
	ConnectionID    string `json:"connection_id"`
	SpreadsheetID   string `json:"spreadsheet_id"`
	TriggeredBy     string `json:"triggered_by"`
	OrdersProcessed int    `json:"orders_processed,omitempty"`
	OrdersCreated   int    `json:"orders_created,omitempty"`
	ErrorCount      int    `json:"error_count,omitempty"`
}

// HandleOrderSync runs one full sheet reconciliation. The operation record
// is created and brought to a terminal state inside this single invocation;
// a sync failure is handed to the retry coordinator and acknowledged, so the
// transport never competes with the application retry chain.
func (h *Handlers) HandleOrderSync(ctx context.Context, job *models.Job) error {
	var payload models.OrderSyncPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode order sync payload: %w", err)
	}

	conn, err := h.connections.GetConnection(ctx, payload.ConnectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.log.Info().
				Str("connection_id", payload.ConnectionID).
				Str("job_id", job.ID).
				Msg("connection gone, sync skipped")
			return nil
		}
		return err
	}
	if !conn.SyncEnabled {
		h.log.Info().
			Str("connection_id", conn.ID).
			Str("job_id", job.ID).
			Msg("sync disabled, job skipped")
		return nil
	}

	acquired, err := h.lease.Acquire(ctx, payload.ConnectionID, payload.SpreadsheetID, job.ID)
	if err != nil {
		return err
	}
	if !acquired {
		h.log.Info().
			Str("connection_id", payload.ConnectionID).
			Str("spreadsheet_id", payload.SpreadsheetID).
			Msg("sheet lease held, sync deferred")
		_, err := h.queue.RequeueOrderSyncJob(ctx, payload, h.deferDelay)
		return err
	}
	defer h.lease.Release(ctx, payload.ConnectionID, payload.SpreadsheetID)

	// Manual retries arrive with a pre-created pending operation; everything
	// else gets a fresh record here.
	operationID := payload.OperationID
	if operationID == "" {
		operationID, err = h.tracker.RecordSyncOperation(ctx, payload.ConnectionID, payload.SpreadsheetID, payload.TriggeredBy, tracker.Metadata{
			TriggeredBy: triggerReason(payload),
			RetryCount:  payload.RetryCount,
		})
		if err != nil {
			return err
		}
	}

	processing := models.OperationProcessing
	if err := h.tracker.UpdateSyncOperation(ctx, operationID, domain.OperationPatch{Status: &processing}); err != nil {
		return err
	}

	h.publish(events.EventSyncStarted, syncEvent{
		OperationID:   operationID,
		ConnectionID:  payload.ConnectionID,
		SpreadsheetID: payload.SpreadsheetID,
		TriggeredBy:   payload.TriggeredBy,
	})

	result, err := h.syncer.PerformSync(ctx, conn, payload.ForceResync)
	if err != nil {
		return h.coordinator.HandleFailure(ctx, operationID, job.ID, payload, err)
	}

	if err := h.tracker.CompleteSyncOperation(ctx, operationID, result); err != nil {
		return err
	}

	eventType := events.EventSyncCompleted
	if !result.Success {
		eventType = events.EventSyncFailed
	}
	h.publish(eventType, syncEvent{
		OperationID:     operationID,
		ConnectionID:    payload.ConnectionID,
		SpreadsheetID:   payload.SpreadsheetID,
		TriggeredBy:     payload.TriggeredBy,
		OrdersProcessed: result.OrdersProcessed,
		OrdersCreated:   result.OrdersCreated,
		ErrorCount:      len(result.Errors),
	})
	return nil
}

// HandleWebhookRenewal renews one subscription, or sweeps for expiring ones
// when the payload names none.
func (h *Handlers) HandleWebhookRenewal(ctx context.Context, job *models.Job) error {
	var payload models.WebhookRenewalPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode renewal payload: %w", err)
	}

	if payload.SubscriptionID == "" {
		return h.renewer.RenewExpiringSubscriptions(ctx)
	}

	if _, err := h.renewer.RenewWebhookSubscription(ctx, payload.SubscriptionID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.log.Info().
				Str("subscription_id", payload.SubscriptionID).
				Msg("subscription gone, renewal skipped")
			return nil
		}
		return err
	}
	return nil
}

// HandlePolling runs one polling check, or fans out over every sync-enabled
// connection.
func (h *Handlers) HandlePolling(ctx context.Context, job *models.Job) error {
	var payload models.PollingPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode polling payload: %w", err)
	}

	if payload.FanOut {
		return h.poller.FanOut(ctx)
	}
	return h.poller.RunConnection(ctx, payload.ConnectionID, payload.SpreadsheetID)
}

func (h *Handlers) publish(eventType string, payload interface{}) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishJSON(eventType, payload); err != nil {
		h.log.Warn().Err(err).Str("event_type", eventType).Msg("event publish failed")
	}
}

// triggerReason keeps the poller's observability tag when present.
func triggerReason(payload models.OrderSyncPayload) string {
	if payload.Reason != "" {
		return payload.Reason
	}
	return payload.TriggeredBy
}
