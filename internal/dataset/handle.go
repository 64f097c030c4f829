package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rpattn/datacheck/internal/storage"
	"github.com/uptrace/bun"
)

// ErrUnknownColumn is returned when a column is not part of the dataset.
var ErrUnknownColumn = errors.New("unknown dataset column")

// Cell is one value of a column with its 1-based data row number.
type Cell struct {
	Row   int
	Value string
	Null  bool
}

// Empty reports whether the cell is NULL or blank.
func (c Cell) Empty() bool {
	return c.Null || isBlank(c.Value)
}

// Profile holds per-column presence counts.
type Profile struct {
	Total int
	Null  int
	Empty int
}

// Handle is read-only random per-column access to an extracted dataset. It is
// safe for concurrent use by the checks of one run and never shared across runs.
type Handle struct {
	db      *bun.DB
	columns []string
	index   map[string]int
	path    string

	closeOnce sync.Once
	cleanup   func() error
}

// Options configure how a handle is opened.
type Options struct {
	Debug bool
}

// Open opens the dataset file at path read-only.
func Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dataset file unavailable: %w", err)
	}
	db, err := openDB(fmt.Sprintf(readOnlyDSN, filepath.ToSlash(path)), opts.Debug, 0)
	if err != nil {
		return nil, err
	}

	var records []columnRecord
	if err := db.NewSelect().Model(&records).Order("position").Scan(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read dataset columns: %w", err)
	}
	h := &Handle{
		db:      db,
		columns: make([]string, len(records)),
		index:   make(map[string]int, len(records)),
		path:    path,
	}
	for i, rec := range records {
		h.columns[i] = rec.Name
		h.index[rec.Name] = rec.Position
	}
	return h, nil
}

// Fetch copies a stored dataset into scratchDir and opens it. The local copy is
// removed when the handle is closed.
func Fetch(ctx context.Context, store storage.Storage, path, scratchDir string, opts Options) (*Handle, error) {
	data, err := store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(scratchDir, "dataset-*.sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset scratch file: %w", err)
	}
	local := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(local)
		return nil, fmt.Errorf("failed to write dataset scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(local)
		return nil, fmt.Errorf("failed to close dataset scratch file: %w", err)
	}

	h, err := Open(ctx, local, opts)
	if err != nil {
		os.Remove(local)
		return nil, err
	}
	h.cleanup = func() error { return os.Remove(local) }
	return h, nil
}

// Columns returns the header in file order.
func (h *Handle) Columns() []string {
	return append([]string(nil), h.columns...)
}

// HasColumn reports whether the dataset contains column.
func (h *Handle) HasColumn(column string) bool {
	_, ok := h.index[column]
	return ok
}

func (h *Handle) ident(column string) (bun.Ident, error) {
	pos, ok := h.index[column]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownColumn, column)
	}
	return bun.Ident(physicalColumn(pos)), nil
}

// RowCount returns the number of data rows.
func (h *Handle) RowCount(ctx context.Context) (int, error) {
	count, err := h.db.NewSelect().TableExpr(tableName).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count dataset rows: %w", err)
	}
	return count, nil
}

// Values returns every cell of column ordered by row number.
func (h *Handle) Values(ctx context.Context, column string) ([]Cell, error) {
	ident, err := h.ident(column)
	if err != nil {
		return nil, err
	}
	var (
		rows   []int
		values []sql.NullString
	)
	err = h.db.NewSelect().
		TableExpr(tableName).
		ColumnExpr("?", bun.Ident(rowColumn)).
		ColumnExpr("?", ident).
		OrderExpr("?", bun.Ident(rowColumn)).
		Scan(ctx, &rows, &values)
	if err != nil {
		return nil, fmt.Errorf("failed to read column %s: %w", column, err)
	}
	cells := make([]Cell, len(rows))
	for i := range rows {
		cells[i] = Cell{Row: rows[i], Value: values[i].String, Null: !values[i].Valid}
	}
	return cells, nil
}

// Distinct returns the distinct non-null values of column in sorted order.
func (h *Handle) Distinct(ctx context.Context, column string) ([]string, error) {
	ident, err := h.ident(column)
	if err != nil {
		return nil, err
	}
	var values []string
	err = h.db.NewSelect().
		TableExpr(tableName).
		ColumnExpr("DISTINCT ?", ident).
		Where("? IS NOT NULL", ident).
		OrderExpr("1").
		Scan(ctx, &values)
	if err != nil {
		return nil, fmt.Errorf("failed to read distinct values of %s: %w", column, err)
	}
	return values, nil
}

// Profile computes presence counts for column.
func (h *Handle) Profile(ctx context.Context, column string) (Profile, error) {
	ident, err := h.ident(column)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	err = h.db.NewSelect().
		TableExpr(tableName).
		ColumnExpr("COUNT(*)").
		ColumnExpr("COALESCE(SUM(CASE WHEN ? IS NULL THEN 1 ELSE 0 END), 0)", ident).
		ColumnExpr("COALESCE(SUM(CASE WHEN ? IS NOT NULL AND TRIM(?, "+blankChars+") = '' THEN 1 ELSE 0 END), 0)", ident, ident).
		Scan(ctx, &p.Total, &p.Null, &p.Empty)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to profile column %s: %w", column, err)
	}
	return p, nil
}

// Ping verifies the dataset file is still readable.
func (h *Handle) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Path is the local file backing the handle.
func (h *Handle) Path() string {
	return h.path
}

// Close releases the database and removes any scratch copy. It is idempotent.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.db.Close()
		if h.cleanup != nil {
			if cerr := h.cleanup(); cerr != nil && !os.IsNotExist(cerr) && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// blankChars is the SQL form of the characters isBlank ignores.
const blankChars = "' ' || char(9, 10, 13)"

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return false
	}
	return true
}
