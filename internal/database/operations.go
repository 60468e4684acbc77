package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

const operationColumns = `id, connection_id, spreadsheet_id, operation_type, status,
        orders_processed, orders_created, orders_skipped, error_count,
        retry_of, retry_count, triggered_by, started_at, completed_at`

func (db *DB) CreateOperation(ctx context.Context, op *models.SyncOperation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO sync_operations (` + operationColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		op.ID,
		op.ConnectionID,
		op.SpreadsheetID,
		op.OperationType,
		op.Status,
		op.OrdersProcessed,
		op.OrdersCreated,
		op.OrdersSkipped,
		op.ErrorCount,
		op.RetryOf,
		op.RetryCount,
		op.TriggeredBy,
		op.StartedAt,
		nullableTime(op.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync operation: %w", err)
	}

	if err := insertOperationErrors(ctx, tx, op.ID, op.ErrorDetails); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync operation: %w", err)
	}
	return nil
}

func (db *DB) GetOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE id = ?`
	op, err := scanOperation(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sync operation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sync operation: %w", err)
	}

	details, err := db.operationErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	op.ErrorDetails = details
	return op, nil
}

func (db *DB) UpdateOperation(ctx context.Context, id string, patch domain.OperationPatch) error {
	sets := make([]string, 0, 7)
	args := make([]interface{}, 0, 8)

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.OrdersProcessed != nil {
		sets = append(sets, "orders_processed = ?")
		args = append(args, *patch.OrdersProcessed)
	}
	if patch.OrdersCreated != nil {
		sets = append(sets, "orders_created = ?")
		args = append(args, *patch.OrdersCreated)
	}
	if patch.OrdersSkipped != nil {
		sets = append(sets, "orders_skipped = ?")
		args = append(args, *patch.OrdersSkipped)
	}
	if patch.ErrorCount != nil {
		sets = append(sets, "error_count = ?")
		args = append(args, *patch.ErrorCount)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if len(sets) > 0 {
		args = append(args, id)
		query := `UPDATE sync_operations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update sync operation: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("sync operation %s: %w", id, domain.ErrNotFound)
		}
	}

	if patch.ErrorDetails != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_errors WHERE operation_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear sync errors: %w", err)
		}
		if err := insertOperationErrors(ctx, tx, id, patch.ErrorDetails); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync operation update: %w", err)
	}
	return nil
}

func (db *DB) ListOperations(ctx context.Context, connectionID string, filter models.HistoryFilter) ([]models.SyncOperation, int, error) {
	where := []string{"connection_id = ?"}
	args := []interface{}{connectionID}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.OperationType != "" {
		where = append(where, "operation_type = ?")
		args = append(args, filter.OperationType)
	}
	if filter.SpreadsheetID != "" {
		where = append(where, "spreadsheet_id = ?")
		args = append(args, filter.SpreadsheetID)
	}

	clause := strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM sync_operations WHERE ` + clause
	if err := db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sync operations: %w", err)
	}

	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE ` + clause +
		` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sync operations: %w", err)
	}
	defer rows.Close()

	ops, err := collectOperations(rows)
	if err != nil {
		return nil, 0, err
	}

	for i := range ops {
		details, err := db.operationErrors(ctx, ops[i].ID)
		if err != nil {
			return nil, 0, err
		}
		ops[i].ErrorDetails = details
	}

	return ops, total, nil
}

func (db *DB) LatestOperation(ctx context.Context, connectionID string, statuses []string) (*models.SyncOperation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, connectionID)
	for _, s := range statuses {
		args = append(args, s)
	}

	query := `SELECT ` + operationColumns + ` FROM sync_operations
              WHERE connection_id = ? AND status IN (` + placeholders + `)
              ORDER BY started_at DESC LIMIT 1`
	op, err := scanOperation(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest sync operation: %w", err)
	}

	details, err := db.operationErrors(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	op.ErrorDetails = details
	return op, nil
}

func (db *DB) Summarize(ctx context.Context, connectionID string) (*models.SyncSummary, error) {
	query := `SELECT
                COUNT(*),
                COALESCE(SUM(CASE WHEN status IN ('pending', 'processing') THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(orders_processed), 0),
                COALESCE(SUM(orders_created), 0),
                COALESCE(SUM(error_count), 0)
              FROM sync_operations WHERE connection_id = ?`

	summary := &models.SyncSummary{}
	err := db.QueryRowContext(ctx, query, connectionID).Scan(
		&summary.TotalOperations,
		&summary.ActiveOperations,
		&summary.CompletedOperations,
		&summary.FailedOperations,
		&summary.TotalOrdersProcessed,
		&summary.TotalOrdersCreated,
		&summary.TotalErrors,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize sync operations: %w", err)
	}

	// Average duration computed Go-side to avoid SQLite datetime arithmetic.
	rows, err := db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM sync_operations
         WHERE connection_id = ? AND status = 'completed' AND completed_at IS NOT NULL`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed durations: %w", err)
	}
	defer rows.Close()

	var totalDur time.Duration
	var completed int
	for rows.Next() {
		var started, done time.Time
		if err := rows.Scan(&started, &done); err != nil {
			return nil, fmt.Errorf("failed to scan durations: %w", err)
		}
		totalDur += done.Sub(started)
		completed++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate durations: %w", err)
	}
	if completed > 0 {
		summary.AverageDuration = totalDur / time.Duration(completed)
	}

	// The driver only converts declared datetime columns, so pick the row
	// instead of aggregating with MAX.
	var last time.Time
	err = db.QueryRowContext(ctx,
		`SELECT started_at FROM sync_operations WHERE connection_id = ?
         ORDER BY started_at DESC LIMIT 1`, connectionID,
	).Scan(&last)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to get last sync time: %w", err)
	default:
		summary.LastSyncAt = &last
	}

	return summary, nil
}

func (db *DB) OperationsInRange(ctx context.Context, connectionID string, start, end time.Time) ([]models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations
              WHERE connection_id = ? AND started_at >= ? AND started_at <= ?
              ORDER BY started_at DESC`
	rows, err := db.QueryContext(ctx, query, connectionID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get operations in range: %w", err)
	}
	defer rows.Close()

	ops, err := collectOperations(rows)
	if err != nil {
		return nil, err
	}

	for i := range ops {
		if ops[i].ErrorCount == 0 {
			continue
		}
		details, err := db.operationErrors(ctx, ops[i].ID)
		if err != nil {
			return nil, err
		}
		ops[i].ErrorDetails = details
	}

	return ops, nil
}

func (db *DB) CountEligibleForCleanup(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sync_operations
              WHERE status IN ('completed', 'failed') AND started_at < ?`
	if err := db.QueryRowContext(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cleanup-eligible operations: %w", err)
	}
	return count, nil
}

func (db *DB) DeleteEligibleForCleanup(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sync_errors WHERE operation_id IN (
            SELECT id FROM sync_operations
            WHERE status IN ('completed', 'failed') AND started_at < ?)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sync errors: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sync_operations
         WHERE status IN ('completed', 'failed') AND started_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sync operations: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return int(deleted), nil
}

func (db *DB) StuckOperations(ctx context.Context, olderThan time.Time) ([]models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations
              WHERE status IN ('pending', 'processing') AND started_at < ?
              ORDER BY started_at ASC`
	rows, err := db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to get stuck operations: %w", err)
	}
	defer rows.Close()

	return collectOperations(rows)
}

func (db *DB) ConnectionsWithRecentOperations(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT connection_id FROM sync_operations WHERE started_at >= ?`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get recently active connections: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan connection id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) CountFailedWebhookOperations(ctx context.Context, connectionID string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sync_operations
              WHERE connection_id = ? AND operation_type = 'webhook'
              AND status = 'failed' AND started_at >= ?`
	if err := db.QueryRowContext(ctx, query, connectionID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed webhook operations: %w", err)
	}
	return count, nil
}

// Helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var completed sql.NullTime
	err := row.Scan(
		&op.ID, &op.ConnectionID, &op.SpreadsheetID, &op.OperationType, &op.Status,
		&op.OrdersProcessed, &op.OrdersCreated, &op.OrdersSkipped, &op.ErrorCount,
		&op.RetryOf, &op.RetryCount, &op.TriggeredBy, &op.StartedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		op.CompletedAt = &t
	}
	return &op, nil
}

func collectOperations(rows *sql.Rows) ([]models.SyncOperation, error) {
	var ops []models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync operations: %w", err)
	}
	return ops, nil
}

func (db *DB) operationErrors(ctx context.Context, operationID string) ([]models.SyncError, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT row_number, error_type, error_message, order_data, field, suggested_fix
         FROM sync_errors WHERE operation_id = ? ORDER BY seq ASC`,
		operationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync errors: %w", err)
	}
	defer rows.Close()

	var details []models.SyncError
	for rows.Next() {
		var e models.SyncError
		if err := rows.Scan(&e.RowNumber, &e.ErrorType, &e.ErrorMessage, &e.OrderData, &e.Field, &e.SuggestedFix); err != nil {
			return nil, fmt.Errorf("failed to scan sync error: %w", err)
		}
		details = append(details, e)
	}
	return details, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertOperationErrors(ctx context.Context, tx execer, operationID string, details []models.SyncError) error {
	for i, e := range details {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_errors (operation_id, seq, row_number, error_type, error_message, order_data, field, suggested_fix)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			operationID, i, e.RowNumber, e.ErrorType, e.ErrorMessage, e.OrderData, e.Field, e.SuggestedFix,
		)
		if err != nil {
			return fmt.Errorf("failed to insert sync error: %w", err)
		}
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
