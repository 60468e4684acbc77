package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps the SQLite handle behind the store interfaces used by the
// orchestration core.
type DB struct {
	*sql.DB
	log zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "database").Logger()
	}
	log.Info().Str("path", path).Msg("database initialized")

	return &DB{DB: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_operations (
            id TEXT PRIMARY KEY,
            connection_id TEXT NOT NULL,
            spreadsheet_id TEXT NOT NULL,
            operation_type TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            orders_processed INTEGER NOT NULL DEFAULT 0,
            orders_created INTEGER NOT NULL DEFAULT 0,
            orders_skipped INTEGER NOT NULL DEFAULT 0,
            error_count INTEGER NOT NULL DEFAULT 0,
            retry_of TEXT NOT NULL DEFAULT '',
            retry_count INTEGER NOT NULL DEFAULT 0,
            triggered_by TEXT NOT NULL DEFAULT '',
            started_at DATETIME NOT NULL,
            completed_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS sync_errors (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            operation_id TEXT NOT NULL,
            seq INTEGER NOT NULL,
            row_number INTEGER NOT NULL DEFAULT 0,
            error_type TEXT NOT NULL,
            error_message TEXT NOT NULL,
            order_data TEXT NOT NULL DEFAULT '',
            field TEXT NOT NULL DEFAULT '',
            suggested_fix TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
            id TEXT PRIMARY KEY,
            connection_id TEXT NOT NULL,
            spreadsheet_id TEXT NOT NULL,
            external_channel_id TEXT NOT NULL,
            external_resource_id TEXT NOT NULL,
            token TEXT NOT NULL DEFAULT '',
            expiration DATETIME NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            queue TEXT NOT NULL,
            payload TEXT NOT NULL,
            priority INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'waiting',
            attempts_made INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL DEFAULT 1,
            failed_reason TEXT NOT NULL DEFAULT '',
            next_run_at DATETIME NOT NULL,
            created_at DATETIME NOT NULL,
            finished_at DATETIME,
            locked_by TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS connections (
            id TEXT PRIMARY KEY,
            spreadsheet_id TEXT NOT NULL,
            sheet_range TEXT NOT NULL DEFAULT 'Orders!A2:Z',
            sync_enabled BOOLEAN NOT NULL DEFAULT 1,
            webhook_secret TEXT NOT NULL DEFAULT '',
            watermark INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            connection_id TEXT NOT NULL,
            reference_id TEXT NOT NULL,
            row_number INTEGER NOT NULL DEFAULT 0,
            customer_name TEXT NOT NULL DEFAULT '',
            product_sku TEXT NOT NULL DEFAULT '',
            quantity INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            UNIQUE(connection_id, reference_id)
        )`,

		`CREATE TABLE IF NOT EXISTS alerts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            alert_type TEXT NOT NULL,
            severity TEXT NOT NULL,
            connection_id TEXT NOT NULL DEFAULT '',
            spreadsheet_id TEXT NOT NULL DEFAULT '',
            message TEXT NOT NULL,
            details TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_operations_connection ON sync_operations(connection_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_status ON sync_operations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_started ON sync_operations(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_errors_operation ON sync_errors(operation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_resource ON webhook_subscriptions(external_resource_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_sheet ON webhook_subscriptions(connection_id, spreadsheet_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_expiration ON webhook_subscriptions(expiration)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue, status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_reference ON orders(connection_id, reference_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.DB.Close()
}
