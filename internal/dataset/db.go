package dataset

import (
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

const (
	tableName   = "dataset"
	rowColumn   = "_row"
	memoryDSN   = "file::memory:"
	readOnlyDSN = "file:%s?mode=ro"
)

// columnRecord maps a header name to its physical column; headers are never
// used as SQL identifiers directly.
type columnRecord struct {
	bun.BaseModel `bun:"table:dataset_columns"`

	Position int    `bun:"position,pk"`
	Name     string `bun:"name,notnull"`
}

func physicalColumn(position int) string {
	return fmt.Sprintf("c%d", position)
}

// openDB opens a SQLite database through bun. A single connection is kept for
// in-memory databases because every new connection would see an empty database.
func openDB(dsn string, debug bool, maxConns int) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", dsn, err)
	}
	if maxConns > 0 {
		sqldb.SetMaxOpenConns(maxConns)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db, nil
}
