package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/datacheck/internal/db"
	"github.com/rpattn/datacheck/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type variableRepository struct {
	pool *pgxpool.Pool
}

// NewVariableRepository wires a variable repository backed by pgxpool.
func NewVariableRepository(pool *pgxpool.Pool) VariableRepository {
	return &variableRepository{pool: pool}
}

const variableColumns = `id, run_id, column_name, field_type, sensitive, position, expected_checks, status,
	total_rows, null_count, empty_count, valid_count, invalid_count, warning_count, error_count,
	summary, created_at, updated_at`

func (r *variableRepository) CreateBatch(ctx context.Context, variables []domain.Variable) error {
	if len(variables) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, v := range variables {
			summary, err := marshalObject(v.Summary)
			if err != nil {
				return fmt.Errorf("marshal variable summary: %w", err)
			}
			batch.Queue(
				`INSERT INTO validation_variables (id, run_id, column_name, field_type, sensitive, position,
					expected_checks, status, total_rows, null_count, empty_count, valid_count, invalid_count,
					warning_count, error_count, summary)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				v.ID, v.RunID, v.Column, string(v.Type), v.Sensitive, v.Position, v.ExpectedChecks,
				string(v.Status), v.Counts.TotalRows, v.Counts.NullCount, v.Counts.EmptyCount,
				v.Counts.ValidCount, v.Counts.InvalidCount, v.Counts.WarningCount, v.Counts.ErrorCount,
				summary,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for range variables {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to insert variable: %w", err)
			}
		}
		return results.Close()
	})
}

func (r *variableRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Variable, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+variableColumns+` FROM validation_variables WHERE id = $1`, id)
	v, err := scanVariable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Variable{}, fmt.Errorf("variable %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Variable{}, fmt.Errorf("failed to get variable: %w", err)
	}
	return v, nil
}

func (r *variableRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Variable, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+variableColumns+` FROM validation_variables WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	variables := []domain.Variable{}
	for rows.Next() {
		v, scanErr := scanVariable(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", scanErr)
		}
		variables = append(variables, v)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate variables: %w", rowsErr)
	}
	return variables, nil
}

// Recompute locks the variable row for the duration of the transaction so
// concurrent checks of one variable cannot interleave their updates.
func (r *variableRepository) Recompute(ctx context.Context, id uuid.UUID) (domain.Variable, error) {
	var updated domain.Variable
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+variableColumns+` FROM validation_variables WHERE id = $1 FOR UPDATE`, id)
		v, err := scanVariable(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("variable %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock variable: %w", err)
		}

		checks, err := listChecks(ctx, tx, `WHERE variable_id = $1`, id)
		if err != nil {
			return err
		}
		v = v.Recompute(checks)

		summary, err := marshalObject(v.Summary)
		if err != nil {
			return fmt.Errorf("marshal variable summary: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE validation_variables
			 SET status = $2, valid_count = $3, invalid_count = $4, warning_count = $5, error_count = $6,
			     summary = $7, updated_at = NOW()
			 WHERE id = $1`,
			id, string(v.Status), v.Counts.ValidCount, v.Counts.InvalidCount, v.Counts.WarningCount,
			v.Counts.ErrorCount, summary,
		)
		if err != nil {
			return fmt.Errorf("failed to update variable: %w", err)
		}
		updated = v
		return nil
	})
	if err != nil {
		return domain.Variable{}, err
	}
	return updated, nil
}

func scanVariable(row pgx.Row) (domain.Variable, error) {
	var (
		v         domain.Variable
		fieldType string
		status    string
		summary   []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&v.ID,
		&v.RunID,
		&v.Column,
		&fieldType,
		&v.Sensitive,
		&v.Position,
		&v.ExpectedChecks,
		&status,
		&v.Counts.TotalRows,
		&v.Counts.NullCount,
		&v.Counts.EmptyCount,
		&v.Counts.ValidCount,
		&v.Counts.InvalidCount,
		&v.Counts.WarningCount,
		&v.Counts.ErrorCount,
		&summary,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Variable{}, err
	}
	v.Type = domain.FieldType(fieldType)
	v.Status = domain.RunStatus(status)
	v.Summary, err = unmarshalObject(summary)
	if err != nil {
		return domain.Variable{}, fmt.Errorf("unmarshal variable summary: %w", err)
	}
	if createdAt.Valid {
		v.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		v.UpdatedAt = updatedAt.Time
	}
	return v, nil
}

func marshalObject(value map[string]any) ([]byte, error) {
	if value == nil {
		value = map[string]any{}
	}
	return json.Marshal(value)
}

func unmarshalObject(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
