package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/uptrace/bun"
)

// maxHostParameters is SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
const maxHostParameters = 32766

// maxBatchRows bounds a multi-row insert so its bound parameters, one per
// column plus the row number, stay within maxHostParameters.
func maxBatchRows(columns int) int {
	return max(1, maxHostParameters/(columns+1))
}

// BuilderOptions tune how a dataset is materialized.
type BuilderOptions struct {
	// DiskPath, when set, backs the working database with a file instead of
	// memory. Used for inputs above the in-memory ceiling.
	DiskPath  string
	BatchSize int
	Debug     bool
}

// Builder loads rows into a working SQLite database and snapshots it into an
// immutable dataset file.
type Builder struct {
	db        *bun.DB
	columns   []string
	batchSize int
	diskPath  string
	rows      int
	pending   [][]*string
	tx        *bun.Tx
}

// NewBuilder creates the dataset schema for the header.
func NewBuilder(ctx context.Context, columns []string, opts BuilderOptions) (*Builder, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("dataset requires at least one column")
	}
	dsn := memoryDSN
	if opts.DiskPath != "" {
		dsn = opts.DiskPath
	}
	db, err := openDB(dsn, opts.Debug, 1)
	if err != nil {
		return nil, err
	}
	if opts.DiskPath != "" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = OFF; PRAGMA synchronous = OFF;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure disk dataset: %w", err)
		}
	}

	b := &Builder{
		db:        db,
		columns:   append([]string(nil), columns...),
		batchSize: opts.BatchSize,
		diskPath:  opts.DiskPath,
	}
	if b.batchSize <= 0 {
		b.batchSize = 500
	}
	if limit := maxBatchRows(len(columns)); b.batchSize > limit {
		b.batchSize = limit
	}
	if err := b.createSchema(ctx); err != nil {
		b.Discard()
		return nil, err
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		b.Discard()
		return nil, fmt.Errorf("failed to begin dataset load: %w", err)
	}
	b.tx = &tx
	return b, nil
}

func (b *Builder) createSchema(ctx context.Context) error {
	if _, err := b.db.NewCreateTable().Model((*columnRecord)(nil)).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create column table: %w", err)
	}
	records := make([]columnRecord, len(b.columns))
	for i, name := range b.columns {
		records[i] = columnRecord{Position: i, Name: name}
	}
	if _, err := b.db.NewInsert().Model(&records).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record columns: %w", err)
	}

	defs := make([]string, 0, len(b.columns)+1)
	defs = append(defs, rowColumn+" INTEGER PRIMARY KEY")
	for i := range b.columns {
		defs = append(defs, physicalColumn(i)+" TEXT")
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", tableName, strings.Join(defs, ", "))
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create dataset table: %w", err)
	}
	return nil
}

// Append queues one data row. A nil cell is stored as NULL. Rows are numbered
// from 1 in append order.
func (b *Builder) Append(ctx context.Context, cells []*string) error {
	if len(cells) != len(b.columns) {
		return fmt.Errorf("row %d has %d cells, expected %d", b.rows+len(b.pending)+1, len(cells), len(b.columns))
	}
	b.pending = append(b.pending, cells)
	if len(b.pending) >= b.batchSize {
		return b.flush(ctx)
	}
	return nil
}

// AppendStrings is Append for rows without NULL cells.
func (b *Builder) AppendStrings(ctx context.Context, row []string) error {
	cells := make([]*string, len(row))
	for i := range row {
		cells[i] = &row[i]
	}
	return b.Append(ctx, cells)
}

func (b *Builder) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	width := len(b.columns) + 1
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"

	var query strings.Builder
	query.WriteString("INSERT INTO " + tableName + " VALUES ")
	args := make([]any, 0, len(b.pending)*width)
	for i, row := range b.pending {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(placeholders)
		args = append(args, b.rows+i+1)
		for _, cell := range row {
			if cell == nil {
				args = append(args, nil)
				continue
			}
			args = append(args, *cell)
		}
	}
	if _, err := b.tx.NewRaw(query.String(), args...).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert rows %d-%d: %w", b.rows+1, b.rows+len(b.pending), err)
	}
	b.rows += len(b.pending)
	b.pending = b.pending[:0]
	return nil
}

// Rows reports how many rows have been appended.
func (b *Builder) Rows() int {
	return b.rows + len(b.pending)
}

// Summary is computed over the loaded table before it is snapshotted.
type Summary struct {
	RowCount int
	// IDSets holds the distinct non-null values of each identifier column.
	IDSets map[string][]string
}

// Commit flushes pending rows and computes the row count plus the distinct
// value set of each identifier column.
func (b *Builder) Commit(ctx context.Context, identifierColumns []string) (Summary, error) {
	if err := b.flush(ctx); err != nil {
		return Summary{}, err
	}
	if err := b.tx.Commit(); err != nil {
		return Summary{}, fmt.Errorf("failed to commit dataset load: %w", err)
	}
	b.tx = nil

	count, err := b.db.NewSelect().TableExpr(tableName).Count(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count rows: %w", err)
	}
	summary := Summary{RowCount: count, IDSets: make(map[string][]string, len(identifierColumns))}
	for _, name := range identifierColumns {
		idx := b.position(name)
		if idx < 0 {
			continue
		}
		var values []string
		err := b.db.NewSelect().
			TableExpr(tableName).
			ColumnExpr("DISTINCT ?", bun.Ident(physicalColumn(idx))).
			Where("? IS NOT NULL", bun.Ident(physicalColumn(idx))).
			OrderExpr("1").
			Scan(ctx, &values)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to extract distinct ids for %s: %w", name, err)
		}
		summary.IDSets[name] = values
	}
	return summary, nil
}

func (b *Builder) position(name string) int {
	for i, col := range b.columns {
		if col == name {
			return i
		}
	}
	return -1
}

// Snapshot writes a compacted copy of the committed database to path.
func (b *Builder) Snapshot(ctx context.Context, path string) error {
	if b.tx != nil {
		return fmt.Errorf("dataset load not committed")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear snapshot target: %w", err)
	}
	if _, err := b.db.NewRaw("VACUUM INTO ?", path).Exec(ctx); err != nil {
		return fmt.Errorf("failed to snapshot dataset: %w", err)
	}
	return nil
}

// Discard releases the working database and removes its backing file.
func (b *Builder) Discard() {
	if b.tx != nil {
		_ = b.tx.Rollback()
		b.tx = nil
	}
	if b.db != nil {
		_ = b.db.Close()
		b.db = nil
	}
	if b.diskPath != "" {
		_ = os.Remove(b.diskPath)
	}
}
