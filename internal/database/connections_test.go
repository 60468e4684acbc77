package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

func newConnection(id string, enabled bool) *models.Connection {
	return &models.Connection{
		ID:            id,
		SpreadsheetID: "sheet-" + id,
		SheetRange:    "Orders!A2:Z",
		SyncEnabled:   enabled,
		CreatedAt:     time.Now(),
	}
}

func TestConnectionCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateConnection(ctx, newConnection("conn-1", true)))
	require.NoError(t, db.CreateConnection(ctx, newConnection("conn-2", false)))

	conn, err := db.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, conn.SyncEnabled)
	assert.Equal(t, 0, conn.Watermark)

	_, err = db.GetConnection(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	enabled, err := db.ListSyncEnabledConnections(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "conn-1", enabled[0].ID)

	require.NoError(t, db.SetConnectionSyncEnabled(ctx, "conn-2", true))
	enabled, err = db.ListSyncEnabledConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	require.NoError(t, db.SetWatermark(ctx, "conn-1", 42))
	conn, err = db.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 42, conn.Watermark)
}

func TestOrderDeduplication(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	order := &models.Order{
		ID:           uuid.NewString(),
		ConnectionID: "conn-1",
		ReferenceID:  "ref-100",
		RowNumber:    2,
		CustomerName: "Ada",
		ProductSKU:   "SKU-1",
		Quantity:     3,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, db.CreateOrder(ctx, order))

	exists, err := db.OrderExists(ctx, "conn-1", "ref-100")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = db.OrderExists(ctx, "conn-1", "ref-999")
	require.NoError(t, err)
	assert.False(t, exists)

	// Same reference id for the same connection violates the unique index.
	dup := *order
	dup.ID = uuid.NewString()
	assert.Error(t, db.CreateOrder(ctx, &dup))
}
