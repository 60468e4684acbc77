package models

import "time"

// SyncOperation is one attempt to reconcile spreadsheet rows with orders.
// A retry never mutates an old operation: it creates a new record that
// references the original via RetryOf.
type SyncOperation struct {
	ID              string      `json:"id"`
	ConnectionID    string      `json:"connection_id"`
	SpreadsheetID   string      `json:"spreadsheet_id"`
	OperationType   string      `json:"operation_type"`
	Status          string      `json:"status"`
	OrdersProcessed int         `json:"orders_processed"`
	OrdersCreated   int         `json:"orders_created"`
	OrdersSkipped   int         `json:"orders_skipped"`
	ErrorCount      int         `json:"error_count"`
	ErrorDetails    []SyncError `json:"error_details,omitempty"`
	RetryOf         string      `json:"retry_of,omitempty"`
	RetryCount      int         `json:"retry_count"`
	TriggeredBy     string      `json:"triggered_by,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the operation reached a final state.
func (o *SyncOperation) IsTerminal() bool {
	return o.Status == OperationCompleted || o.Status == OperationFailed
}

// Duration returns completedAt-startedAt, or 0 for non-terminal operations.
func (o *SyncOperation) Duration() time.Duration {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt)
}

// SyncError describes a single row-level sync problem.
type SyncError struct {
	RowNumber    int    `json:"row_number"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	OrderData    string `json:"order_data,omitempty"`
	Field        string `json:"field,omitempty"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// SyncResult is what a worker reports back when a sync run finishes.
type SyncResult struct {
	Success         bool        `json:"success"`
	OrdersProcessed int         `json:"orders_processed"`
	OrdersCreated   int         `json:"orders_created"`
	OrdersSkipped   int         `json:"orders_skipped"`
	Errors          []SyncError `json:"errors,omitempty"`
}

// SyncStatus is the tracker's view of a connection at a point in time.
type SyncStatus struct {
	CurrentSync *SyncOperation `json:"current_sync,omitempty"`
	LastSync    *SyncOperation `json:"last_sync,omitempty"`
	Summary     SyncSummary    `json:"summary"`
}

// SyncSummary aggregates a connection's whole operation history.
type SyncSummary struct {
	TotalOperations      int           `json:"total_operations"`
	ActiveOperations     int           `json:"active_operations"`
	CompletedOperations  int           `json:"completed_operations"`
	FailedOperations     int           `json:"failed_operations"`
	TotalOrdersProcessed int           `json:"total_orders_processed"`
	TotalOrdersCreated   int           `json:"total_orders_created"`
	TotalErrors          int           `json:"total_errors"`
	AverageDuration      time.Duration `json:"average_duration"`
	LastSyncAt           *time.Time    `json:"last_sync_at,omitempty"`
}

// PerformanceMetrics covers operations whose startedAt falls in a window.
type PerformanceMetrics struct {
	TotalOperations      int            `json:"total_operations"`
	SuccessRate          float64        `json:"success_rate"`
	AverageOrdersPerSync float64        `json:"average_orders_per_sync"`
	AverageDuration      time.Duration  `json:"average_duration"`
	ErrorRate            float64        `json:"error_rate"`
	OperationsByType     map[string]int `json:"operations_by_type"`
	OperationsByHour     [24]int        `json:"operations_by_hour"`
}

// HistoryFilter narrows getSyncHistory queries.
type HistoryFilter struct {
	Limit         int
	Offset        int
	Status        string
	OperationType string
	SpreadsheetID string
}

// HistoryPage is one page of operations ordered by startedAt descending.
type HistoryPage struct {
	Operations []SyncOperation `json:"operations"`
	TotalCount int             `json:"total_count"`
	HasMore    bool            `json:"has_more"`
}
