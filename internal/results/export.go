package results

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/datacheck/internal/domain"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for export formats other than csv and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ParseFormat resolves raw, defaulting to CSV.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// FileName is the download name for a run's export.
func (f Format) FileName(runID uuid.UUID) string {
	return fmt.Sprintf("run-%s-results.%s", runID, f)
}

var exportHeader = []string{"variable", "rule", "severity", "affected_rows", "row_numbers", "message"}

// Export streams the redacted results of a run to w.
func (s *Service) Export(ctx context.Context, w io.Writer, runID uuid.UUID, format Format, filter Filter) error {
	doc, err := s.Status(ctx, runID, filter)
	if err != nil {
		return err
	}
	counter := &countingWriter{w: w}
	switch format {
	case FormatCSV:
		err = writeCSV(counter, doc)
	case FormatXLSX:
		err = writeXLSX(counter, doc)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return err
	}
	s.logger.Info("results exported",
		slog.String("run_id", runID.String()),
		slog.String("format", string(format)),
		slog.String("size", humanize.Bytes(uint64(counter.n))),
	)
	return nil
}

func exportRows(doc StatusDocument) [][]string {
	var rows [][]string
	for _, v := range doc.Variables {
		for _, c := range v.Checks {
			rows = append(rows, []string{
				v.Column,
				c.Rule,
				string(c.Severity),
				strconv.Itoa(c.AffectedRowCount),
				domain.FormatRowNumbers(c.RowNumbers),
				c.Message,
			})
		}
	}
	return rows
}

func writeCSV(w io.Writer, doc StatusDocument) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}
	for _, row := range exportRows(doc) {
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write export row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	return nil
}

const sheetName = "results"

func writeXLSX(w io.Writer, doc StatusDocument) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("failed to name export sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("failed to open export sheet: %w", err)
	}

	writeRow := func(index int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, index)
		if err != nil {
			return err
		}
		row := make([]interface{}, len(values))
		for i, v := range values {
			row[i] = v
		}
		return sw.SetRow(cell, row)
	}

	if err := writeRow(1, exportHeader); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}
	for i, values := range exportRows(doc) {
		if err := writeRow(i+2, values); err != nil {
			return fmt.Errorf("failed to write export row: %w", err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush export sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
