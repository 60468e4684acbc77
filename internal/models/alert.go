package models

import "time"

// Alert types produced by the monitoring loop.
const (
	AlertStuckOperation         = "stuck_operation"
	AlertHighErrorRate          = "high_error_rate"
	AlertPerformanceDegradation = "performance_degradation"
	AlertWebhookFailures        = "webhook_failures"
)

// Alert severities.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is a classified health finding. Detection and classification happen
// here; delivery belongs to whoever subscribes to the alert events.
type Alert struct {
	Type          string         `json:"type"`
	Severity      string         `json:"severity"`
	ConnectionID  string         `json:"connection_id"`
	SpreadsheetID string         `json:"spreadsheet_id,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
