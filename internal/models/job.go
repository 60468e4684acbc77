package models

import "time"

// Job is one unit of queued work. The dispatcher owns it from enqueue until
// the transport acknowledges it; the consuming worker owns it during
// execution. Payload is the queue-specific body encoded as JSON.
type Job struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Payload      string     `json:"payload"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	FailedReason string     `json:"failed_reason,omitempty"`
	NextRunAt    time.Time  `json:"next_run_at"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LockedBy     string     `json:"locked_by,omitempty"`
}

// OrderSyncPayload drives one full sheet-to-orders reconciliation run.
type OrderSyncPayload struct {
	ConnectionID  string `json:"connection_id"`
	SpreadsheetID string `json:"spreadsheet_id"`
	TriggeredBy   string `json:"triggered_by"`
	OperationID   string `json:"operation_id,omitempty"`
	ForceResync   bool   `json:"force_resync,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
	OriginalJobID string `json:"original_job_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// WebhookRenewalPayload renews one subscription, or sweeps for expiring
// ones when SubscriptionID is empty.
type WebhookRenewalPayload struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	SpreadsheetID  string `json:"spreadsheet_id,omitempty"`
}

// PollingPayload re-checks one connection, or fans out to every active
// sync-enabled connection when FanOut is set.
type PollingPayload struct {
	ConnectionID  string `json:"connection_id,omitempty"`
	SpreadsheetID string `json:"spreadsheet_id,omitempty"`
	FanOut        bool   `json:"fan_out,omitempty"`
}

// JobStatus is the introspection view exposed by the dispatcher.
type JobStatus struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Status       string     `json:"status"`
	AttemptsMade int        `json:"attempts_made"`
	FailedReason string     `json:"failed_reason,omitempty"`
	NextRunAt    time.Time  `json:"next_run_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
