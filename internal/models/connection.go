package models

import "time"

// Connection links a tenant's spreadsheet to the order store. It is the
// anchor for subscriptions, polling and sync history.
type Connection struct {
	ID            string    `json:"id"`
	SpreadsheetID string    `json:"spreadsheet_id"`
	SheetRange    string    `json:"sheet_range"`
	SyncEnabled   bool      `json:"sync_enabled"`
	WebhookSecret string    `json:"-"`
	Watermark     int       `json:"watermark"`
	CreatedAt     time.Time `json:"created_at"`
}

// Order is the thin imported-row record the sync run produces. The column
// mapping that fills it is outside the orchestration core.
type Order struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	ReferenceID  string    `json:"reference_id"`
	RowNumber    int       `json:"row_number"`
	CustomerName string    `json:"customer_name"`
	ProductSKU   string    `json:"product_sku"`
	Quantity     int       `json:"quantity"`
	CreatedAt    time.Time `json:"created_at"`
}
