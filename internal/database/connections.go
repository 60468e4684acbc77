package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

const connectionColumns = `id, spreadsheet_id, sheet_range, sync_enabled, webhook_secret, watermark, created_at`

func (db *DB) CreateConnection(ctx context.Context, conn *models.Connection) error {
	query := `INSERT INTO connections (` + connectionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		conn.ID,
		conn.SpreadsheetID,
		conn.SheetRange,
		conn.SyncEnabled,
		conn.WebhookSecret,
		conn.Watermark,
		conn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (db *DB) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`
	conn, err := scanConnection(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("connection %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (db *DB) ListSyncEnabledConnections(ctx context.Context) ([]models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE sync_enabled = 1 ORDER BY created_at ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

func (db *DB) SetConnectionSyncEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := db.ExecContext(ctx,
		`UPDATE connections SET sync_enabled = ? WHERE id = ?`, enabled, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("connection %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (db *DB) SetWatermark(ctx context.Context, connectionID string, watermark int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE connections SET watermark = ? WHERE id = ?`, watermark, connectionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	return nil
}

func (db *DB) OrderExists(ctx context.Context, connectionID, referenceID string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE connection_id = ? AND reference_id = ?`,
		connectionID, referenceID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check order existence: %w", err)
	}
	return count > 0, nil
}

func (db *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `INSERT INTO orders (id, connection_id, reference_id, row_number, customer_name, product_sku, quantity, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		order.ID,
		order.ConnectionID,
		order.ReferenceID,
		order.RowNumber,
		order.CustomerName,
		order.ProductSKU,
		order.Quantity,
		order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var conn models.Connection
	err := row.Scan(
		&conn.ID, &conn.SpreadsheetID, &conn.SheetRange, &conn.SyncEnabled,
		&conn.WebhookSecret, &conn.Watermark, &conn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}
