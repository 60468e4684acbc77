package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Writer renders the daily sync report as an xlsx file: a summary sheet with
// per-connection totals, a sheet listing every operation of the day with its
// error detail, and the alerts raised during the day.
type Writer struct {
	operations domain.OperationStore
	alerts     domain.AlertStore
	path       string
	log        zerolog.Logger
}

func NewWriter(operations domain.OperationStore, alerts domain.AlertStore, path string, logger *zerolog.Logger) *Writer {
	if path == "" {
		path = "reports"
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "report").Logger()
	}
	return &Writer{
		operations: operations,
		alerts:     alerts,
		path:       path,
		log:        log,
	}
}

// WriteDaily renders the report covering the 24h ending at day's midnight
// boundary and returns the file path.
func (w *Writer) WriteDaily(ctx context.Context, day time.Time) (string, error) {
	if err := os.MkdirAll(w.path, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	end := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	start := end.Add(-24 * time.Hour)

	conns, err := w.operations.ConnectionsWithRecentOperations(ctx, start)
	if err != nil {
		return "", fmt.Errorf("report connections: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := w.writeSummarySheet(ctx, f, conns, start, end); err != nil {
		return "", err
	}
	if err := w.writeOperationsSheet(ctx, f, conns, start, end); err != nil {
		return "", err
	}
	if err := w.writeAlertsSheet(ctx, f, start, end); err != nil {
		return "", err
	}
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("sync_report_%s.xlsx", start.Format("2006-01-02"))
	filePath := filepath.Join(w.path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}

	w.log.Info().Str("file_path", filePath).Int("connections", len(conns)).Msg("daily report written")
	return filePath, nil
}

func (w *Writer) writeSummarySheet(ctx context.Context, f *excelize.File, conns []string, start, end time.Time) error {
	const sheet = "Summary"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheet, "A1", fmt.Sprintf("Sync report %s", start.Format("2006-01-02")))
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.MergeCell(sheet, "A1", "H1")
	_ = f.SetCellStyle(sheet, "A1", "A1", titleStyle)

	headers := []string{"Connection", "Operations", "Completed", "Failed", "Orders Processed", "Orders Created", "Errors", "Avg Duration"}
	w.writeHeaderRow(f, sheet, headers, 2)

	row := 3
	for _, connectionID := range conns {
		ops, err := w.operations.OperationsInRange(ctx, connectionID, start, end)
		if err != nil {
			return fmt.Errorf("report operations for %s: %w", connectionID, err)
		}

		var completed, failed, processed, created, errCount int
		var completedDur time.Duration
		for _, op := range ops {
			processed += op.OrdersProcessed
			created += op.OrdersCreated
			errCount += op.ErrorCount
			switch op.Status {
			case models.OperationCompleted:
				completed++
				completedDur += op.Duration()
			case models.OperationFailed:
				failed++
			}
		}
		var avg time.Duration
		if completed > 0 {
			avg = completedDur / time.Duration(completed)
		}

		values := []interface{}{connectionID, len(ops), completed, failed, processed, created, errCount, avg.Round(time.Millisecond).String()}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 30)
	_ = f.SetColWidth(sheet, "B", "H", 16)
	return nil
}

func (w *Writer) writeOperationsSheet(ctx context.Context, f *excelize.File, conns []string, start, end time.Time) error {
	const sheet = "Operations"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create operations sheet: %w", err)
	}

	headers := []string{"Started", "Connection", "Spreadsheet", "Type", "Status", "Processed", "Created", "Skipped", "Errors", "First Error"}
	w.writeHeaderRow(f, sheet, headers, 1)

	row := 2
	for _, connectionID := range conns {
		ops, err := w.operations.OperationsInRange(ctx, connectionID, start, end)
		if err != nil {
			return fmt.Errorf("report operations for %s: %w", connectionID, err)
		}
		for _, op := range ops {
			firstError := ""
			if len(op.ErrorDetails) > 0 {
				firstError = op.ErrorDetails[0].ErrorMessage
			}
			values := []interface{}{
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.ConnectionID,
				op.SpreadsheetID,
				op.OperationType,
				op.Status,
				op.OrdersProcessed,
				op.OrdersCreated,
				op.OrdersSkipped,
				op.ErrorCount,
				firstError,
			}
			for i, v := range values {
				cell, _ := excelize.CoordinatesToCellName(i+1, row)
				_ = f.SetCellValue(sheet, cell, v)
			}
			row++
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "B", "C", 25)
	_ = f.SetColWidth(sheet, "J", "J", 40)
	return nil
}

func (w *Writer) writeAlertsSheet(ctx context.Context, f *excelize.File, start, end time.Time) error {
	if w.alerts == nil {
		return nil
	}

	const sheet = "Alerts"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create alerts sheet: %w", err)
	}

	headers := []string{"Raised", "Type", "Severity", "Connection", "Spreadsheet", "Message"}
	w.writeHeaderRow(f, sheet, headers, 1)

	alerts, err := w.alerts.AlertsInRange(ctx, start, end)
	if err != nil {
		return fmt.Errorf("report alerts: %w", err)
	}

	row := 2
	for _, alert := range alerts {
		values := []interface{}{
			alert.Timestamp.Format("2006-01-02 15:04:05"),
			alert.Type,
			alert.Severity,
			alert.ConnectionID,
			alert.SpreadsheetID,
			alert.Message,
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "F", "F", 50)
	return nil
}

func (w *Writer) writeHeaderRow(f *excelize.File, sheet string, headers []string, row int) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, header)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}
