package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Row 1 is assumed to be a header when a connection has no explicit range.
const defaultSheetRange = "A2:F"

// Catalog answers whether a product SKU is sellable. Optional: without a
// catalog every SKU passes and rows can only fail validation.
type Catalog interface {
	ProductExists(ctx context.Context, sku string) (bool, error)
}

// Service turns spreadsheet rows into orders. Expected columns: reference
// id, customer name, product SKU, quantity. Duplicate prevention is two
// layered: the row watermark skips rows consumed by an earlier run, and a
// reference-id existence check catches rows that moved within the sheet.
type Service struct {
	gateway     domain.SpreadsheetGateway
	connections domain.ConnectionStore
	catalog     Catalog
	log         zerolog.Logger
	now         func() time.Time
}

func New(gateway domain.SpreadsheetGateway, connections domain.ConnectionStore, catalog Catalog, logger *zerolog.Logger) *Service {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "syncer").Logger()
	}
	return &Service{
		gateway:     gateway,
		connections: connections,
		catalog:     catalog,
		log:         log,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// PerformSync reads the connection's sheet range and imports every new row
// as an order. Row-level problems are collected as classified errors and
// never abort the run; only infrastructure failures return an error.
func (s *Service) PerformSync(ctx context.Context, conn *models.Connection, forceResync bool) (*models.SyncResult, error) {
	readRange := conn.SheetRange
	if readRange == "" {
		readRange = defaultSheetRange
	}

	rows, err := s.gateway.ReadRows(ctx, conn.ID, conn.SpreadsheetID, readRange)
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet rows: %w", err)
	}

	start := startRow(readRange)
	result := &models.SyncResult{Success: true}
	highest := conn.Watermark

	for i, row := range rows {
		rowNumber := start + i
		if rowNumber > highest {
			highest = rowNumber
		}

		if isEmptyRow(row) {
			continue
		}
		if !forceResync && rowNumber <= conn.Watermark {
			result.OrdersSkipped++
			continue
		}

		order, rowErr := s.parseRow(conn.ID, rowNumber, row)
		if rowErr != nil {
			result.OrdersProcessed++
			result.Errors = append(result.Errors, *rowErr)
			continue
		}

		exists, err := s.connections.OrderExists(ctx, conn.ID, order.ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("check order %s: %w", order.ReferenceID, err)
		}
		if exists {
			result.OrdersSkipped++
			continue
		}

		if s.catalog != nil {
			known, err := s.catalog.ProductExists(ctx, order.ProductSKU)
			if err != nil {
				return nil, fmt.Errorf("check product %s: %w", order.ProductSKU, err)
			}
			if !known {
				result.OrdersProcessed++
				result.Errors = append(result.Errors, models.SyncError{
					RowNumber:    rowNumber,
					ErrorType:    models.ErrorTypeProductNotFound,
					ErrorMessage: fmt.Sprintf("product %q not found", order.ProductSKU),
					OrderData:    strings.Join(row, ", "),
					Field:        "product_sku",
					SuggestedFix: "add the product to the catalog or correct the SKU",
				})
				continue
			}
		}

		if err := s.connections.CreateOrder(ctx, order); err != nil {
			result.OrdersProcessed++
			result.Errors = append(result.Errors, models.SyncError{
				RowNumber:    rowNumber,
				ErrorType:    models.ErrorTypeSystem,
				ErrorMessage: err.Error(),
				OrderData:    strings.Join(row, ", "),
				SuggestedFix: "check logs and retry the sync",
			})
			continue
		}

		result.OrdersProcessed++
		result.OrdersCreated++
	}

	if highest > conn.Watermark {
		if err := s.connections.SetWatermark(ctx, conn.ID, highest); err != nil {
			return nil, fmt.Errorf("advance watermark: %w", err)
		}
	}

	// A run where every attempted row failed is a failure; partial errors
	// still complete with the errors attached.
	if result.OrdersProcessed > 0 && len(result.Errors) == result.OrdersProcessed {
		result.Success = false
	}

	s.log.Info().
		Str("connection_id", conn.ID).
		Bool("force_resync", forceResync).
		Int("processed", result.OrdersProcessed).
		Int("created", result.OrdersCreated).
		Int("skipped", result.OrdersSkipped).
		Int("errors", len(result.Errors)).
		Msg("sync run finished")
	return result, nil
}

func (s *Service) parseRow(connectionID string, rowNumber int, row []string) (*models.Order, *models.SyncError) {
	invalid := func(field, message, fix string) *models.SyncError {
		return &models.SyncError{
			RowNumber:    rowNumber,
			ErrorType:    models.ErrorTypeValidation,
			ErrorMessage: message,
			OrderData:    strings.Join(row, ", "),
			Field:        field,
			SuggestedFix: fix,
		}
	}

	if len(row) < 4 {
		return nil, invalid("", "row has fewer than 4 columns", "fill in reference, customer, SKU and quantity")
	}

	referenceID := strings.TrimSpace(row[0])
	if referenceID == "" {
		return nil, invalid("reference_id", "order reference is empty", "fill in the order reference")
	}

	sku := strings.TrimSpace(row[2])
	if sku == "" {
		return nil, invalid("product_sku", "product SKU is empty", "fill in the product SKU")
	}

	quantity, err := strconv.Atoi(strings.TrimSpace(row[3]))
	if err != nil || quantity <= 0 {
		return nil, invalid("quantity", fmt.Sprintf("quantity %q is not a positive integer", row[3]), "enter a whole number greater than zero")
	}

	return &models.Order{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		ReferenceID:  referenceID,
		RowNumber:    rowNumber,
		CustomerName: strings.TrimSpace(row[1]),
		ProductSKU:   sku,
		Quantity:     quantity,
		CreatedAt:    s.now(),
	}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// startRow extracts the first data row from an A1-notation range so row
// numbers in error details match what the user sees in the sheet.
func startRow(readRange string) int {
	ref := readRange
	if i := strings.LastIndex(ref, "!"); i >= 0 {
		ref = ref[i+1:]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}
	digits := strings.TrimLeft(ref, "$ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
