package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/metrics"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Tracker owns the append-mostly history of sync attempts. Operations are
// created pending at trigger time, brought to a terminal state by the worker
// that owns the attempt, and never resurrected: a retry is a new record
// pointing at the original.
type Tracker struct {
	store domain.OperationStore
	log   zerolog.Logger
	now   func() time.Time
}

// Metadata carries optional trigger context for a new operation.
type Metadata struct {
	TriggeredBy string
	RetryOf     string
	RetryCount  int
}

func New(store domain.OperationStore, logger *zerolog.Logger) *Tracker {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "tracker").Logger()
	}
	return &Tracker{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// RecordSyncOperation inserts a pending record with zeroed counters and
// returns the new operation id.
func (t *Tracker) RecordSyncOperation(ctx context.Context, connectionID, spreadsheetID, operationType string, meta Metadata) (string, error) {
	if connectionID == "" || spreadsheetID == "" {
		return "", fmt.Errorf("connection id and spreadsheet id are required: %w", domain.ErrValidation)
	}
	switch operationType {
	case models.TriggerWebhook, models.TriggerManual, models.TriggerPolling:
	default:
		return "", fmt.Errorf("unknown operation type %q: %w", operationType, domain.ErrValidation)
	}

	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		ConnectionID:  connectionID,
		SpreadsheetID: spreadsheetID,
		OperationType: operationType,
		Status:        models.OperationPending,
		TriggeredBy:   meta.TriggeredBy,
		RetryOf:       meta.RetryOf,
		RetryCount:    meta.RetryCount,
		StartedAt:     t.now(),
	}
	if err := t.store.CreateOperation(ctx, op); err != nil {
		return "", err
	}

	t.log.Debug().
		Str("operation_id", op.ID).
		Str("connection_id", connectionID).
		Str("operation_type", operationType).
		Msg("sync operation recorded")
	return op.ID, nil
}

// UpdateSyncOperation applies a partial patch. Transition legality is the
// caller's responsibility at this layer.
func (t *Tracker) UpdateSyncOperation(ctx context.Context, id string, patch domain.OperationPatch) error {
	return t.store.UpdateOperation(ctx, id, patch)
}

// CompleteSyncOperation brings an operation to its terminal state from a
// sync result: completed on success, failed otherwise.
func (t *Tracker) CompleteSyncOperation(ctx context.Context, id string, result *models.SyncResult) error {
	status := models.OperationCompleted
	if !result.Success {
		status = models.OperationFailed
	}
	errorCount := len(result.Errors)
	now := t.now()

	patch := domain.OperationPatch{
		Status:          &status,
		OrdersProcessed: &result.OrdersProcessed,
		OrdersCreated:   &result.OrdersCreated,
		OrdersSkipped:   &result.OrdersSkipped,
		ErrorCount:      &errorCount,
		CompletedAt:     &now,
	}
	if result.Errors != nil {
		patch.ErrorDetails = result.Errors
	}
	if err := t.store.UpdateOperation(ctx, id, patch); err != nil {
		return err
	}

	op, err := t.store.GetOperation(ctx, id)
	if err == nil {
		metrics.IncSyncOperation(op.OperationType, status)
	}
	metrics.AddOrdersCreated(result.OrdersCreated)

	t.log.Info().
		Str("operation_id", id).
		Str("status", status).
		Int("orders_processed", result.OrdersProcessed).
		Int("orders_created", result.OrdersCreated).
		Int("error_count", errorCount).
		Msg("sync operation completed")
	return nil
}

// RecordSyncError marks an operation failed directly from an error. When no
// structured details are supplied a single system-type entry is synthesized.
func (t *Tracker) RecordSyncError(ctx context.Context, id string, cause error, details []models.SyncError) error {
	if len(details) == 0 {
		details = []models.SyncError{{
			ErrorType:    models.ErrorTypeSystem,
			ErrorMessage: cause.Error(),
			SuggestedFix: "check logs and retry",
		}}
	}

	status := models.OperationFailed
	errorCount := len(details)
	now := t.now()
	patch := domain.OperationPatch{
		Status:       &status,
		ErrorCount:   &errorCount,
		ErrorDetails: details,
		CompletedAt:  &now,
	}
	if err := t.store.UpdateOperation(ctx, id, patch); err != nil {
		return err
	}

	t.log.Error().
		Err(cause).
		Str("operation_id", id).
		Int("error_count", errorCount).
		Msg("sync operation failed")
	return nil
}

// RetrySyncOperation creates a new pending operation mirroring a failed one.
// Only failed operations can be retried.
func (t *Tracker) RetrySyncOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	original, err := t.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Status != models.OperationFailed {
		return nil, fmt.Errorf("can only retry failed operations: %w", domain.ErrStateConflict)
	}

	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		ConnectionID:  original.ConnectionID,
		SpreadsheetID: original.SpreadsheetID,
		OperationType: original.OperationType,
		Status:        models.OperationPending,
		TriggeredBy:   models.TriggerManual,
		RetryOf:       original.ID,
		StartedAt:     t.now(),
	}
	if err := t.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	t.log.Info().
		Str("operation_id", op.ID).
		Str("retry_of", original.ID).
		Msg("manual retry operation created")
	return op, nil
}

// GetSyncStatus reports the connection's in-flight and most recent terminal
// operations plus the whole-history summary.
func (t *Tracker) GetSyncStatus(ctx context.Context, connectionID string) (*models.SyncStatus, error) {
	current, err := t.store.LatestOperation(ctx, connectionID,
		[]string{models.OperationPending, models.OperationProcessing})
	if err != nil {
		return nil, err
	}
	last, err := t.store.LatestOperation(ctx, connectionID,
		[]string{models.OperationCompleted, models.OperationFailed})
	if err != nil {
		return nil, err
	}
	summary, err := t.store.Summarize(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	return &models.SyncStatus{
		CurrentSync: current,
		LastSync:    last,
		Summary:     *summary,
	}, nil
}

// GetSyncHistory returns one page ordered by startedAt descending.
func (t *Tracker) GetSyncHistory(ctx context.Context, connectionID string, filter models.HistoryFilter) (*models.HistoryPage, error) {
	if filter.Limit <= 0 || filter.Limit > models.DefaultHistoryLimit {
		filter.Limit = models.DefaultHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	ops, total, err := t.store.ListOperations(ctx, connectionID, filter)
	if err != nil {
		return nil, err
	}

	return &models.HistoryPage{
		Operations: ops,
		TotalCount: total,
		HasMore:    filter.Offset+len(ops) < total,
	}, nil
}

// GetSyncSummary aggregates the connection's whole history.
func (t *Tracker) GetSyncSummary(ctx context.Context, connectionID string) (*models.SyncSummary, error) {
	return t.store.Summarize(ctx, connectionID)
}

// GetSyncPerformanceMetrics computes rates over operations whose startedAt
// falls inside [start, end].
func (t *Tracker) GetSyncPerformanceMetrics(ctx context.Context, connectionID string, start, end time.Time) (*models.PerformanceMetrics, error) {
	ops, err := t.store.OperationsInRange(ctx, connectionID, start, end)
	if err != nil {
		return nil, err
	}

	m := &models.PerformanceMetrics{
		TotalOperations:  len(ops),
		OperationsByType: make(map[string]int),
	}

	var completed, totalProcessed, totalErrors int
	var completedDur time.Duration
	for _, op := range ops {
		m.OperationsByType[op.OperationType]++
		m.OperationsByHour[op.StartedAt.Hour()]++
		totalProcessed += op.OrdersProcessed
		totalErrors += op.ErrorCount
		if op.Status == models.OperationCompleted {
			completed++
			completedDur += op.Duration()
		}
	}

	if len(ops) > 0 {
		m.SuccessRate = 100 * float64(completed) / float64(len(ops))
		m.AverageOrdersPerSync = float64(totalProcessed) / float64(len(ops))
	}
	if completed > 0 {
		m.AverageDuration = completedDur / time.Duration(completed)
	}
	if totalProcessed > 0 {
		m.ErrorRate = 100 * float64(totalErrors) / float64(totalProcessed)
	}

	return m, nil
}

// CleanupOldOperations deletes terminal operations older than the cutoff,
// but only once their count exceeds keepMinimum. Once over the threshold it
// deletes all of them, not just the excess. Returns the deleted count.
func (t *Tracker) CleanupOldOperations(ctx context.Context, olderThanDays, keepMinimum int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	if keepMinimum < 0 {
		keepMinimum = 100
	}
	cutoff := t.now().AddDate(0, 0, -olderThanDays)

	eligible, err := t.store.CountEligibleForCleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if eligible <= keepMinimum {
		return 0, nil
	}

	deleted, err := t.store.DeleteEligibleForCleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	t.log.Info().
		Int("deleted", deleted).
		Int("older_than_days", olderThanDays).
		Msg("old sync operations cleaned up")
	return deleted, nil
}
