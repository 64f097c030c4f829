package extraction

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format is the tabular container of an uploaded file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// DetectFormat picks the parser from the file extension, sniffing the payload
// when the name has none.
func DetectFormat(fileName string, payload []byte) (Format, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case "":
		if bytes.HasPrefix(payload, zipMagic) {
			return FormatXLSX, nil
		}
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// rowReader yields raw records together with the physical line (or sheet row)
// they started on. It returns io.EOF after the last record.
type rowReader interface {
	Next() ([]string, int, error)
	Close() error
}

func openRows(format Format, data []byte, strict bool) (rowReader, error) {
	switch format {
	case FormatCSV:
		return newCSVRows(data, strict), nil
	case FormatXLSX:
		return newXLSXRows(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

type csvRows struct {
	r *csv.Reader
}

func newCSVRows(data []byte, strict bool) *csvRows {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	// Field counts are checked against the header by the caller so both paths
	// report the same line numbers.
	r.FieldsPerRecord = -1
	r.LazyQuotes = !strict
	return &csvRows{r: r}
}

func (c *csvRows) Next() ([]string, int, error) {
	record, err := c.r.Read()
	if err != nil {
		return nil, errorLine(err), err
	}
	line, _ := c.r.FieldPos(0)
	return record, line, nil
}

func (c *csvRows) Close() error { return nil }

func errorLine(err error) int {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Line
	}
	return 0
}

type xlsxRows struct {
	file *excelize.File
	rows *excelize.Rows
	line int
}

func newXLSXRows(data []byte) (*xlsxRows, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, errors.New("excel file has no sheets")
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return &xlsxRows{file: f, rows: rows}, nil
}

func (x *xlsxRows) Next() ([]string, int, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, x.line, err
		}
		return nil, x.line, io.EOF
	}
	x.line++
	cols, err := x.rows.Columns()
	if err != nil {
		return nil, x.line, fmt.Errorf("failed to read xlsx row %d: %w", x.line, err)
	}
	return cols, x.line, nil
}

func (x *xlsxRows) Close() error {
	_ = x.rows.Close()
	return x.file.Close()
}

// readHeader consumes the first record as the header. Names are trimmed and
// deduplicated so definitions can reference them verbatim.
func readHeader(rows rowReader) ([]string, error) {
	record, line, err := rows.Next()
	if errors.Is(err, io.EOF) {
		return nil, malformed(MalformedEmpty, 0, errors.New("file has no header row"))
	}
	if err != nil {
		return nil, malformed(MalformedUnreadable, line, err)
	}
	header := sanitizeHeaders(record)
	if len(header) == 0 {
		return nil, malformed(MalformedEmpty, line, errors.New("header row is empty"))
	}
	return header, nil
}

func sanitizeHeaders(raw []string) []string {
	if blankTail(raw) {
		return nil
	}
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

// fitStrict maps a record onto width cells. CSV records must match exactly.
// Sheet rows may be short (missing cells become NULL) and may only be long
// when the extra cells are blank.
func fitStrict(format Format, record []string, width int) ([]*string, bool) {
	if len(record) > width {
		if format == FormatCSV || !blankTail(record[width:]) {
			return nil, false
		}
		record = record[:width]
	}
	if len(record) < width && format == FormatCSV {
		return nil, false
	}
	return padRow(record, width), true
}

// fitTolerant pads short records with NULL and truncates long ones. It reports
// whether the record violated the header width.
func fitTolerant(format Format, record []string, width int) ([]*string, bool) {
	violation := false
	switch {
	case len(record) > width:
		violation = format == FormatCSV || !blankTail(record[width:])
		record = record[:width]
	case len(record) < width:
		violation = format == FormatCSV
	}
	return padRow(record, width), violation
}

func padRow(row []string, length int) []*string {
	cells := make([]*string, length)
	for i := 0; i < len(row) && i < length; i++ {
		value := row[i]
		cells[i] = &value
	}
	return cells
}

func blankTail(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
