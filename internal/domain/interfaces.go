package domain

import (
	"context"
	"time"

	"github.com/orderbridge/sheetsync/internal/models"
)

// OperationStore persists sync operations and their row errors.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *models.SyncOperation) error
	GetOperation(ctx context.Context, id string) (*models.SyncOperation, error)
	UpdateOperation(ctx context.Context, id string, patch OperationPatch) error
	ListOperations(ctx context.Context, connectionID string, filter models.HistoryFilter) ([]models.SyncOperation, int, error)
	LatestOperation(ctx context.Context, connectionID string, statuses []string) (*models.SyncOperation, error)
	Summarize(ctx context.Context, connectionID string) (*models.SyncSummary, error)
	OperationsInRange(ctx context.Context, connectionID string, start, end time.Time) ([]models.SyncOperation, error)
	CountEligibleForCleanup(ctx context.Context, cutoff time.Time) (int, error)
	DeleteEligibleForCleanup(ctx context.Context, cutoff time.Time) (int, error)
	StuckOperations(ctx context.Context, olderThan time.Time) ([]models.SyncOperation, error)
	ConnectionsWithRecentOperations(ctx context.Context, since time.Time) ([]string, error)
	CountFailedWebhookOperations(ctx context.Context, connectionID string, since time.Time) (int, error)
}

// OperationPatch is a partial update; nil fields are left untouched.
type OperationPatch struct {
	Status          *string
	OrdersProcessed *int
	OrdersCreated   *int
	OrdersSkipped   *int
	ErrorCount      *int
	ErrorDetails    []models.SyncError
	CompletedAt     *time.Time
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ActiveSubscriptionByResource(ctx context.Context, resourceID string) (*models.WebhookSubscription, error)
	ActiveSubscriptionForSheet(ctx context.Context, connectionID, spreadsheetID string) (*models.WebhookSubscription, error)
	DeactivateSubscription(ctx context.Context, id string) error
	ActiveSubscriptions(ctx context.Context) ([]models.WebhookSubscription, error)
	ActiveSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error)
}

// AlertStore retains raised alerts for reporting.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	AlertsInRange(ctx context.Context, start, end time.Time) ([]models.Alert, error)
}

// JobStore is the durable side of the queue transport.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ClaimJob(ctx context.Context, id, workerID string) (bool, error)
	ClaimNextJob(ctx context.Context, queue, workerID string, now time.Time) (*models.Job, error)
	FinishJob(ctx context.Context, id, status, failedReason string) error
	RescheduleJob(ctx context.Context, id string, nextRunAt time.Time, failedReason string) error
	RemoveWaitingJob(ctx context.Context, id string) error
	CleanFinishedJobs(ctx context.Context, queue string, finishedBefore time.Time) (int, error)
}

// ConnectionStore persists spreadsheet connections and imported orders.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListSyncEnabledConnections(ctx context.Context) ([]models.Connection, error)
	SetWatermark(ctx context.Context, connectionID string, watermark int) error
	OrderExists(ctx context.Context, connectionID, referenceID string) (bool, error)
	CreateOrder(ctx context.Context, order *models.Order) error
}

// WatchChannel is the provider's push-notification registration result.
type WatchChannel struct {
	ChannelID  string
	ResourceID string
	Expiration *time.Time
}

// SpreadsheetGateway is the wire-level spreadsheet API. Watch registers a
// push channel against a file; Stop tears one down; ReadRows feeds the
// per-row sync glue.
type SpreadsheetGateway interface {
	Watch(ctx context.Context, connectionID, fileID, callbackAddress, token string) (*WatchChannel, error)
	Stop(ctx context.Context, connectionID, channelID, resourceID string) error
	ReadRows(ctx context.Context, connectionID, spreadsheetID, readRange string) ([][]string, error)
}

// CredentialProvider yields per-connection access tokens, refreshing
// transparently. The core never manages refresh itself.
type CredentialProvider interface {
	AccessToken(ctx context.Context, connectionID string) (string, error)
}

// Dispatcher routes jobs to the four priority queues.
type Dispatcher interface {
	AddOrderSyncJob(ctx context.Context, payload models.OrderSyncPayload) (string, error)
	AddWebhookRenewalJob(ctx context.Context, payload models.WebhookRenewalPayload) (string, error)
	AddSyncRetryJob(ctx context.Context, payload models.OrderSyncPayload) (string, error)
	AddPollingJob(ctx context.Context, payload models.PollingPayload, delay time.Duration) (string, error)
}

// Syncer performs the opaque per-row sync: read rows, map, dedupe, write
// orders. Duplicate prevention via watermark/reference-id lives here.
type Syncer interface {
	PerformSync(ctx context.Context, conn *models.Connection, forceResync bool) (*models.SyncResult, error)
}

// EventPublisher mirrors the in-process event bus surface.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
