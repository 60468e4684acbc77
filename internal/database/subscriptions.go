package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

const subscriptionColumns = `id, connection_id, spreadsheet_id, external_channel_id,
        external_resource_id, token, expiration, is_active, created_at`

func (db *DB) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	query := `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		sub.ID,
		sub.ConnectionID,
		sub.SpreadsheetID,
		sub.ExternalChannelID,
		sub.ExternalResourceID,
		sub.Token,
		sub.Expiration,
		sub.IsActive,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

func (db *DB) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = ?`
	sub, err := scanSubscription(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("webhook subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}
	return sub, nil
}

func (db *DB) ActiveSubscriptionByResource(ctx context.Context, resourceID string) (*models.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
              WHERE external_resource_id = ? AND is_active = 1
              ORDER BY created_at DESC LIMIT 1`
	sub, err := scanSubscription(db.QueryRowContext(ctx, query, resourceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("active subscription for resource %s: %w", resourceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription by resource: %w", err)
	}
	return sub, nil
}

func (db *DB) ActiveSubscriptionForSheet(ctx context.Context, connectionID, spreadsheetID string) (*models.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
              WHERE connection_id = ? AND spreadsheet_id = ? AND is_active = 1
              ORDER BY created_at DESC LIMIT 1`
	sub, err := scanSubscription(db.QueryRowContext(ctx, query, connectionID, spreadsheetID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("active subscription for sheet %s: %w", spreadsheetID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription for sheet: %w", err)
	}
	return sub, nil
}

// DeactivateSubscription flips is_active off. The flag never flips back:
// renewal creates a new row instead.
func (db *DB) DeactivateSubscription(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET is_active = 0 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate webhook subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("webhook subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (db *DB) ActiveSubscriptions(ctx context.Context) ([]models.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
              WHERE is_active = 1
              ORDER BY created_at DESC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (db *DB) ActiveSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
              WHERE is_active = 1 AND expiration < ?
              ORDER BY expiration ASC`
	rows, err := db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := row.Scan(
		&sub.ID, &sub.ConnectionID, &sub.SpreadsheetID, &sub.ExternalChannelID,
		&sub.ExternalResourceID, &sub.Token, &sub.Expiration, &sub.IsActive, &sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
