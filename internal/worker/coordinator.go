package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/events"
	"github.com/orderbridge/sheetsync/internal/models"
	"github.com/orderbridge/sheetsync/internal/tracker"
)

// OperationRecorder is the slice of the tracker the worker layer needs.
type OperationRecorder interface {
	RecordSyncOperation(ctx context.Context, connectionID, spreadsheetID, operationType string, meta tracker.Metadata) (string, error)
	UpdateSyncOperation(ctx context.Context, id string, patch domain.OperationPatch) error
	CompleteSyncOperation(ctx context.Context, id string, result *models.SyncResult) error
	RecordSyncError(ctx context.Context, id string, cause error, details []models.SyncError) error
}

// Coordinator decides what happens after a sync run fails: another link in
// the bounded retry chain, or a final failed record and operator handoff.
// Every attempt stays its own permanent operation; the chain is expressed
// through RetryOf/RetryCount metadata, never by mutating old records.
type Coordinator struct {
	tracker    OperationRecorder
	dispatcher domain.Dispatcher
	events     domain.EventPublisher
	log        zerolog.Logger
	maxRetries int
}

func NewCoordinator(rec OperationRecorder, dispatcher domain.Dispatcher, bus domain.EventPublisher, maxRetries int, logger *zerolog.Logger) *Coordinator {
	if maxRetries <= 0 {
		maxRetries = models.MaxSyncRetries
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "retry_coordinator").Logger()
	}
	return &Coordinator{
		tracker:    rec,
		dispatcher: dispatcher,
		events:     bus,
		log:        log,
		maxRetries: maxRetries,
	}
}

type retryEvent struct {
	OperationID   string `json:"operation_id"`
	ConnectionID  string `json:"connection_id"`
	SpreadsheetID string `json:"spreadsheet_id"`
	RetryCount    int    `json:"retry_count"`
	LastError     string `json:"last_error"`
}

// HandleFailure records the failed attempt and, while the chain has retries
// left, enqueues the next one with exponential backoff. Once the chain is
// exhausted the final record carries the original cause plus a synthetic
// exhaustion entry; nothing further happens automatically.
func (c *Coordinator) HandleFailure(ctx context.Context, operationID, jobID string, payload models.OrderSyncPayload, cause error) error {
	nextRetry := payload.RetryCount + 1
	originalJobID := payload.OriginalJobID
	if originalJobID == "" {
		originalJobID = jobID
	}

	if nextRetry < c.maxRetries {
		if err := c.tracker.RecordSyncError(ctx, operationID, cause, nil); err != nil {
			return err
		}

		retryPayload := models.OrderSyncPayload{
			ConnectionID:  payload.ConnectionID,
			SpreadsheetID: payload.SpreadsheetID,
			TriggeredBy:   payload.TriggeredBy,
			ForceResync:   payload.ForceResync,
			RetryCount:    nextRetry,
			OriginalJobID: originalJobID,
			LastError:     cause.Error(),
		}
		if _, err := c.dispatcher.AddSyncRetryJob(ctx, retryPayload); err != nil {
			return err
		}

		c.publish(events.EventRetryScheduled, retryEvent{
			OperationID:   operationID,
			ConnectionID:  payload.ConnectionID,
			SpreadsheetID: payload.SpreadsheetID,
			RetryCount:    nextRetry,
			LastError:     cause.Error(),
		})
		c.log.Warn().
			Err(cause).
			Str("operation_id", operationID).
			Str("original_job_id", originalJobID).
			Int("retry_count", nextRetry).
			Msg("sync failed, retry scheduled")
		return nil
	}

	details := []models.SyncError{
		{
			ErrorType:    models.ErrorTypeSystem,
			ErrorMessage: cause.Error(),
			SuggestedFix: "check logs and retry",
		},
		{
			ErrorType:    models.ErrorTypeSystem,
			ErrorMessage: "all retry attempts exhausted",
			SuggestedFix: "inspect the error details and trigger a manual retry",
		},
	}
	if err := c.tracker.RecordSyncError(ctx, operationID, cause, details); err != nil {
		return err
	}

	c.publish(events.EventRetryExhausted, retryEvent{
		OperationID:   operationID,
		ConnectionID:  payload.ConnectionID,
		SpreadsheetID: payload.SpreadsheetID,
		RetryCount:    payload.RetryCount,
		LastError:     cause.Error(),
	})
	c.log.Error().
		Err(cause).
		Str("operation_id", operationID).
		Str("original_job_id", originalJobID).
		Int("retry_count", payload.RetryCount).
		Msg("sync failed, retries exhausted, operator intervention required")
	return nil
}

func (c *Coordinator) publish(eventType string, payload interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishJSON(eventType, payload); err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("event publish failed")
	}
}
