package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/sheetsync/internal/database"
	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

func newTestTracker(t *testing.T) (*Tracker, *database.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	db, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, &logger), db
}

func recordOp(t *testing.T, tr *Tracker, connectionID, opType string) string {
	t.Helper()
	id, err := tr.RecordSyncOperation(context.Background(), connectionID, "sheet-1", opType, Metadata{})
	require.NoError(t, err)
	return id
}

func TestRecordSyncOperationValidation(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RecordSyncOperation(ctx, "", "sheet-1", models.TriggerManual, Metadata{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = tr.RecordSyncOperation(ctx, "conn-1", "sheet-1", "bogus", Metadata{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompleteSyncOperation(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	id := recordOp(t, tr, "conn-1", models.TriggerManual)

	err := tr.CompleteSyncOperation(ctx, id, &models.SyncResult{
		Success:         true,
		OrdersProcessed: 10,
		OrdersCreated:   8,
		OrdersSkipped:   2,
	})
	require.NoError(t, err)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, op.Status)
	assert.Equal(t, 10, op.OrdersProcessed)
	assert.Equal(t, 8, op.OrdersCreated)
	assert.Equal(t, 2, op.OrdersSkipped)
	require.NotNil(t, op.CompletedAt)

	summary, err := tr.GetSyncSummary(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalOperations)
	assert.Equal(t, 1, summary.CompletedOperations)
	assert.Equal(t, 8, summary.TotalOrdersCreated)
}

func TestCompleteSyncOperationFailure(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	id := recordOp(t, tr, "conn-1", models.TriggerWebhook)
	err := tr.CompleteSyncOperation(ctx, id, &models.SyncResult{
		Success: false,
		Errors: []models.SyncError{
			{RowNumber: 3, ErrorType: models.ErrorTypeValidation, ErrorMessage: "bad row"},
		},
	})
	require.NoError(t, err)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, op.Status)
	assert.Equal(t, 1, op.ErrorCount)
	assert.Len(t, op.ErrorDetails, op.ErrorCount)
	require.NotNil(t, op.CompletedAt)
}

func TestRecordSyncErrorSynthesizesDetail(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	id := recordOp(t, tr, "conn-1", models.TriggerPolling)
	require.NoError(t, tr.RecordSyncError(ctx, id, errors.New("gateway exploded"), nil))

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, op.Status)
	require.Len(t, op.ErrorDetails, 1)
	assert.Equal(t, models.ErrorTypeSystem, op.ErrorDetails[0].ErrorType)
	assert.Equal(t, "gateway exploded", op.ErrorDetails[0].ErrorMessage)
	assert.Equal(t, "check logs and retry", op.ErrorDetails[0].SuggestedFix)
}

func TestRetrySyncOperation(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	// Unknown id.
	_, err := tr.RetrySyncOperation(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Non-failed operations cannot be retried.
	pendingID := recordOp(t, tr, "conn-1", models.TriggerManual)
	_, err = tr.RetrySyncOperation(ctx, pendingID)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	completedID := recordOp(t, tr, "conn-1", models.TriggerManual)
	require.NoError(t, tr.CompleteSyncOperation(ctx, completedID, &models.SyncResult{Success: true}))
	_, err = tr.RetrySyncOperation(ctx, completedID)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	// Failed operations spawn a fresh pending record.
	failedID := recordOp(t, tr, "conn-1", models.TriggerWebhook)
	require.NoError(t, tr.CompleteSyncOperation(ctx, failedID, &models.SyncResult{Success: false}))

	retry, err := tr.RetrySyncOperation(ctx, failedID)
	require.NoError(t, err)
	assert.NotEqual(t, failedID, retry.ID)
	assert.Equal(t, "conn-1", retry.ConnectionID)
	assert.Equal(t, "sheet-1", retry.SpreadsheetID)
	assert.Equal(t, models.TriggerWebhook, retry.OperationType)
	assert.Equal(t, models.OperationPending, retry.Status)
	assert.Equal(t, failedID, retry.RetryOf)

	// The original record is untouched.
	original, err := db.GetOperation(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, original.Status)
}

func TestGetSyncStatus(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	doneID := recordOp(t, tr, "conn-1", models.TriggerManual)
	require.NoError(t, tr.CompleteSyncOperation(ctx, doneID, &models.SyncResult{Success: true}))
	currentID := recordOp(t, tr, "conn-1", models.TriggerWebhook)

	status, err := tr.GetSyncStatus(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, status.CurrentSync)
	assert.Equal(t, currentID, status.CurrentSync.ID)
	require.NotNil(t, status.LastSync)
	assert.Equal(t, doneID, status.LastSync.ID)
	assert.Equal(t, 2, status.Summary.TotalOperations)

	empty, err := tr.GetSyncStatus(ctx, "conn-none")
	require.NoError(t, err)
	assert.Nil(t, empty.CurrentSync)
	assert.Nil(t, empty.LastSync)
	assert.Equal(t, 0, empty.Summary.TotalOperations)
}

func TestGetSyncHistoryPagination(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		id := recordOp(t, tr, "conn-1", models.TriggerPolling)
		require.NoError(t, tr.CompleteSyncOperation(ctx, id, &models.SyncResult{Success: true}))
	}

	page, err := tr.GetSyncHistory(ctx, "conn-1", models.HistoryFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Operations, 3)
	assert.Equal(t, 7, page.TotalCount)
	assert.True(t, page.HasMore)

	page, err = tr.GetSyncHistory(ctx, "conn-1", models.HistoryFilter{Limit: 3, Offset: 6})
	require.NoError(t, err)
	assert.Len(t, page.Operations, 1)
	assert.False(t, page.HasMore)

	// Limit above the cap falls back to the default.
	page, err = tr.GetSyncHistory(ctx, "conn-1", models.HistoryFilter{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, page.Operations, 7)
}

func TestGetSyncPerformanceMetrics(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	tick := base
	tr.SetClock(func() time.Time { return tick })

	id := recordOp(t, tr, "conn-1", models.TriggerManual)
	tick = base.Add(30 * time.Second)
	require.NoError(t, tr.CompleteSyncOperation(ctx, id, &models.SyncResult{Success: true, OrdersProcessed: 10}))

	tick = base.Add(time.Hour)
	id = recordOp(t, tr, "conn-1", models.TriggerWebhook)
	tick = tick.Add(time.Minute)
	require.NoError(t, tr.CompleteSyncOperation(ctx, id, &models.SyncResult{
		Success: false,
		Errors:  []models.SyncError{{ErrorType: models.ErrorTypeSystem, ErrorMessage: "x"}},
	}))

	m, err := tr.GetSyncPerformanceMetrics(ctx, "conn-1", base.Add(-time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalOperations)
	assert.InDelta(t, 50.0, m.SuccessRate, 0.001)
	assert.InDelta(t, 5.0, m.AverageOrdersPerSync, 0.001)
	assert.InDelta(t, 10.0, m.ErrorRate, 0.001)
	assert.Equal(t, 30*time.Second, m.AverageDuration)
	assert.Equal(t, 1, m.OperationsByType[models.TriggerManual])
	assert.Equal(t, 1, m.OperationsByType[models.TriggerWebhook])

	total := 0
	for _, n := range m.OperationsByHour {
		total += n
	}
	assert.Equal(t, m.TotalOperations, total)
	assert.Equal(t, 1, m.OperationsByHour[9])
	assert.Equal(t, 1, m.OperationsByHour[10])
}

func TestGetSyncPerformanceMetricsEmpty(t *testing.T) {
	tr, _ := newTestTracker(t)

	m, err := tr.GetSyncPerformanceMetrics(context.Background(), "conn-none",
		time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalOperations)
	assert.Zero(t, m.SuccessRate)
	assert.Zero(t, m.ErrorRate)
	assert.Len(t, m.OperationsByHour, 24)
}

func TestCleanupOldOperationsFloor(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -45)
	tick := old
	tr.SetClock(func() time.Time { return tick })

	for i := 0; i < 150; i++ {
		id := recordOp(t, tr, "conn-1", models.TriggerPolling)
		require.NoError(t, tr.CompleteSyncOperation(ctx, id, &models.SyncResult{Success: true}))
	}

	tick = time.Now()

	// Below the floor nothing is deleted.
	deleted, err := tr.CleanupOldOperations(ctx, 30, 200)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	// Above the floor every eligible row goes, not just the excess.
	deleted, err = tr.CleanupOldOperations(ctx, 30, 100)
	require.NoError(t, err)
	assert.Equal(t, 150, deleted)
}
