package models

// Sync operation statuses.
const (
	OperationPending    = "pending"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
)

// Sync trigger types.
const (
	TriggerWebhook = "webhook"
	TriggerManual  = "manual"
	TriggerPolling = "polling"
)

// Row-level error types.
const (
	ErrorTypeValidation      = "validation"
	ErrorTypeProductNotFound = "product_not_found"
	ErrorTypeSystem          = "system"
)

// Queue names. One durable queue per job family.
const (
	QueueOrderSync      = "order-sync"
	QueueWebhookRenewal = "webhook-renewal"
	QueueSyncRetry      = "sync-retry"
	QueuePolling        = "polling"
)

// Job statuses in the durable jobs table.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDelayed   = "delayed"
)

// Queue priorities. Higher runs first within a queue.
const (
	PriorityManualSync     = 10
	PriorityWebhookRenewal = 8
	PriorityOrderSync      = 5
	PrioritySyncRetry      = 3
	PriorityPolling        = 1
)

// Provider resource states carried on push notifications. Only
// ResourceStateUpdate triggers a sync; the rest is channel lifecycle noise.
const (
	ResourceStateSync   = "sync"
	ResourceStateUpdate = "update"
	ResourceStateRemove = "remove"
)

const (
	// MaxSyncRetries bounds the application-level retry chain.
	MaxSyncRetries = 3

	// DefaultSubscriptionTTL is assumed when the provider omits an
	// expiration on a new watch channel.
	DefaultSubscriptionTTL = 24 * 60 * 60 // seconds

	// DefaultHistoryLimit caps one page of sync history.
	DefaultHistoryLimit = 50

	// WebhookDedupDelayMS delays webhook-triggered sync jobs so rapid
	// successive notifications for one resource collapse into one run.
	WebhookDedupDelayMS = 1000
)
