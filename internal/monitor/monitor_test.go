package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/sheetsync/internal/database"
	"github.com/orderbridge/sheetsync/internal/events"
	"github.com/orderbridge/sheetsync/internal/models"
)

func newTestMonitor(t *testing.T) (*Monitor, *database.DB, *events.EventBus) {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "monitor.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	return New(db, db, bus, 5*time.Minute, 30*time.Minute, &logger), db, bus
}

type opSpec struct {
	connectionID string
	opType       string
	status       string
	startedAgo   time.Duration
	duration     time.Duration
}

func createOp(t *testing.T, db *database.DB, spec opSpec) {
	t.Helper()
	started := time.Now().Add(-spec.startedAgo)
	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		ConnectionID:  spec.connectionID,
		SpreadsheetID: "sheet-1",
		OperationType: spec.opType,
		Status:        spec.status,
		StartedAt:     started,
	}
	if spec.status == models.OperationCompleted || spec.status == models.OperationFailed {
		duration := spec.duration
		if duration == 0 {
			duration = time.Minute
		}
		done := started.Add(duration)
		op.CompletedAt = &done
	}
	require.NoError(t, db.CreateOperation(context.Background(), op))
}

func alertsOfType(alerts []models.Alert, alertType string) []models.Alert {
	var out []models.Alert
	for _, a := range alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func TestCheckStuckOperations(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationProcessing, startedAgo: 45 * time.Minute})
	createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationPending, startedAgo: 5 * time.Minute})
	createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationCompleted, startedAgo: 2 * time.Hour})

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	stuck := alertsOfType(alerts, models.AlertStuckOperation)
	require.Len(t, stuck, 1)
	assert.Equal(t, models.SeverityHigh, stuck[0].Severity)
	assert.Equal(t, "conn-1", stuck[0].ConnectionID)
}

func TestCheckErrorRateHigh(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	// 2 of 5 failed: 40% is above the 20% threshold but below critical.
	for i := 0; i < 3; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerWebhook, status: models.OperationCompleted, startedAgo: 2 * time.Hour})
	}
	for i := 0; i < 2; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationFailed, startedAgo: 3 * time.Hour})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	rate := alertsOfType(alerts, models.AlertHighErrorRate)
	require.Len(t, rate, 1)
	assert.Equal(t, models.SeverityHigh, rate[0].Severity)
}

func TestCheckErrorRateCritical(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	for i := 0; i < 2; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationCompleted, startedAgo: 2 * time.Hour})
	}
	for i := 0; i < 4; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationFailed, startedAgo: 3 * time.Hour})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	rate := alertsOfType(alerts, models.AlertHighErrorRate)
	require.Len(t, rate, 1)
	assert.Equal(t, models.SeverityCritical, rate[0].Severity)
}

func TestCheckErrorRateNeedsSamples(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	// Every sync failed, but four samples are below the minimum of five.
	for i := 0; i < 4; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationFailed, startedAgo: 2 * time.Hour})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alertsOfType(alerts, models.AlertHighErrorRate))
}

func TestCheckPerformanceDegradation(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	// Baseline: five one-minute syncs between one and seven days ago.
	for i := 0; i < 5; i++ {
		createOp(t, db, opSpec{
			connectionID: "conn-1",
			opType:       models.TriggerWebhook,
			status:       models.OperationCompleted,
			startedAgo:   time.Duration(i+2) * 24 * time.Hour,
			duration:     time.Minute,
		})
	}
	// Recent: three syncs 80% slower.
	for i := 0; i < 3; i++ {
		createOp(t, db, opSpec{
			connectionID: "conn-1",
			opType:       models.TriggerWebhook,
			status:       models.OperationCompleted,
			startedAgo:   time.Duration(i+1) * time.Hour,
			duration:     108 * time.Second,
		})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	deg := alertsOfType(alerts, models.AlertPerformanceDegradation)
	require.Len(t, deg, 1)
	assert.Equal(t, models.SeverityMedium, deg[0].Severity)
}

func TestCheckPerformanceDegradationHigh(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	for i := 0; i < 5; i++ {
		createOp(t, db, opSpec{
			connectionID: "conn-1",
			opType:       models.TriggerWebhook,
			status:       models.OperationCompleted,
			startedAgo:   time.Duration(i+2) * 24 * time.Hour,
			duration:     time.Minute,
		})
	}
	// 150% slower than baseline.
	for i := 0; i < 3; i++ {
		createOp(t, db, opSpec{
			connectionID: "conn-1",
			opType:       models.TriggerWebhook,
			status:       models.OperationCompleted,
			startedAgo:   time.Duration(i+1) * time.Hour,
			duration:     150 * time.Second,
		})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	deg := alertsOfType(alerts, models.AlertPerformanceDegradation)
	require.Len(t, deg, 1)
	assert.Equal(t, models.SeverityHigh, deg[0].Severity)
}

func TestCheckPerformanceDegradationNeedsSamples(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	// Slow recent syncs but only two baseline samples.
	for i := 0; i < 2; i++ {
		createOp(t, db, opSpec{
			connectionID: "conn-1",
			opType:       models.TriggerWebhook,
			status:       models.OperationCompleted,
			startedAgo:   time.Duration(i+2) * 24 * time.Hour,
			duration:     time.Minute,
		})
	}
	for i := 0; i < 3; i++ {
		createOp(t, db, opSpec{
			connectionID: "conn-1",
			opType:       models.TriggerWebhook,
			status:       models.OperationCompleted,
			startedAgo:   time.Duration(i+1) * time.Hour,
			duration:     5 * time.Minute,
		})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alertsOfType(alerts, models.AlertPerformanceDegradation))
}

func TestCheckWebhookFailureClustering(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	for i := 0; i < 3; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerWebhook, status: models.OperationFailed, startedAgo: 30 * time.Minute})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	wf := alertsOfType(alerts, models.AlertWebhookFailures)
	require.Len(t, wf, 1)
	assert.Equal(t, models.SeverityHigh, wf[0].Severity)
}

func TestCheckWebhookFailureClusteringCritical(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	for i := 0; i < 5; i++ {
		createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerWebhook, status: models.OperationFailed, startedAgo: 30 * time.Minute})
	}

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)

	wf := alertsOfType(alerts, models.AlertWebhookFailures)
	require.Len(t, wf, 1)
	assert.Equal(t, models.SeverityCritical, wf[0].Severity)
}

func TestAlertsArePublished(t *testing.T) {
	m, db, bus := newTestMonitor(t)

	var published int
	bus.Subscribe(events.EventAlertRaised, func(event *events.Event) error {
		published++
		return nil
	})

	createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerManual, status: models.OperationProcessing, startedAgo: time.Hour})

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, len(alerts), published)

	for _, a := range alerts {
		assert.False(t, a.Timestamp.IsZero())
	}

	// The persisted records carry the same timestamps as the returned ones.
	stored, err := db.AlertsInRange(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stored, len(alerts))
	for _, s := range stored {
		assert.False(t, s.Timestamp.IsZero())
	}
}

func TestHealthySystemRaisesNothing(t *testing.T) {
	m, db, _ := newTestMonitor(t)

	createOp(t, db, opSpec{connectionID: "conn-1", opType: models.TriggerWebhook, status: models.OperationCompleted, startedAgo: time.Hour})

	alerts, err := m.RunChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

type fakeCleaner struct{ calls int }

func (f *fakeCleaner) CleanupOldOperations(ctx context.Context, olderThanDays, keepMinimum int) (int, error) {
	f.calls++
	return 7, nil
}

type fakeQueueCleaner struct{ queues []string }

func (f *fakeQueueCleaner) CleanQueue(ctx context.Context, queueName string, grace time.Duration) (int, error) {
	f.queues = append(f.queues, queueName)
	return 1, nil
}

type fakeReporter struct{ calls int }

func (f *fakeReporter) WriteDaily(ctx context.Context, day time.Time) (string, error) {
	f.calls++
	return "reports/sync_report.xlsx", nil
}

func TestDailyJobsRunOnce(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	cleaner := &fakeCleaner{}
	queues := &fakeQueueCleaner{}
	reporter := &fakeReporter{}

	daily := NewDailyJobs(cleaner, queues, reporter, "06:00", 30, 100, &logger)
	daily.RunOnce(context.Background())

	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 1, reporter.calls)
	assert.ElementsMatch(t, []string{
		models.QueueOrderSync,
		models.QueueWebhookRenewal,
		models.QueueSyncRetry,
		models.QueuePolling,
	}, queues.queues)
}

func TestDailyJobsUntilNextRun(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	daily := NewDailyJobs(&fakeCleaner{}, nil, nil, "06:00", 30, 100, &logger)

	daily.SetClock(func() time.Time {
		return time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	})
	assert.Equal(t, time.Hour, daily.untilNextRun())

	// Past today's run time, so the next one is tomorrow.
	daily.SetClock(func() time.Time {
		return time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	})
	assert.Equal(t, 23*time.Hour, daily.untilNextRun())
}
