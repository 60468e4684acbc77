package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orderbridge/sheetsync/internal/models"
)

// CreateAlert stores a raised alert for the daily report.
func (db *DB) CreateAlert(ctx context.Context, alert *models.Alert) error {
	details := ""
	if len(alert.Details) > 0 {
		raw, err := json.Marshal(alert.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal alert details: %w", err)
		}
		details = string(raw)
	}

	query := `INSERT INTO alerts (alert_type, severity, connection_id, spreadsheet_id, message, details, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		alert.Type,
		alert.Severity,
		alert.ConnectionID,
		alert.SpreadsheetID,
		alert.Message,
		details,
		alert.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// AlertsInRange returns alerts raised within [start, end), newest first.
func (db *DB) AlertsInRange(ctx context.Context, start, end time.Time) ([]models.Alert, error) {
	query := `SELECT alert_type, severity, connection_id, spreadsheet_id, message, details, created_at
              FROM alerts
              WHERE created_at >= ? AND created_at < ?
              ORDER BY created_at DESC`
	rows, err := db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		var details string
		if err := rows.Scan(
			&alert.Type, &alert.Severity, &alert.ConnectionID, &alert.SpreadsheetID,
			&alert.Message, &details, &alert.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &alert.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal alert details: %w", err)
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}
