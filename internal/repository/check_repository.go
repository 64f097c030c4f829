package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/datacheck/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type checkRepository struct {
	pool *pgxpool.Pool
}

// NewCheckRepository wires a check repository backed by pgxpool.
func NewCheckRepository(pool *pgxpool.Pool) CheckRepository {
	return &checkRepository{pool: pool}
}

const checkColumns = `id, run_id, variable_id, rule, params, passed, severity, message, affected_row_count,
	row_numbers, invalid_value, meta, started_at, completed_at`

func (r *checkRepository) Create(ctx context.Context, check domain.Check) (domain.Check, error) {
	if check.ID == uuid.Nil {
		check.ID = uuid.New()
	}
	params, err := marshalObject(check.Params)
	if err != nil {
		return domain.Check{}, fmt.Errorf("marshal check params: %w", err)
	}
	meta, err := marshalObject(check.Meta)
	if err != nil {
		return domain.Check{}, fmt.Errorf("marshal check meta: %w", err)
	}
	invalidValue := pgtype.Text{}
	if check.InvalidValue != nil {
		invalidValue = pgtype.Text{String: *check.InvalidValue, Valid: true}
	}
	rowNumbers := make([]int32, len(check.RowNumbers))
	for i, row := range check.RowNumbers {
		rowNumbers[i] = int32(row)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO validation_checks (id, run_id, variable_id, rule, params, passed, severity, message,
			affected_row_count, row_numbers, invalid_value, meta, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		check.ID, check.RunID, check.VariableID, check.Rule, params, check.Passed, string(check.Severity),
		check.Message, check.AffectedRowCount, rowNumbers, invalidValue, meta,
		pgtype.Timestamptz{Time: check.StartedAt, Valid: true},
		pgtype.Timestamptz{Time: check.CompletedAt, Valid: true},
	)
	if err != nil {
		return domain.Check{}, fmt.Errorf("failed to insert check: %w", err)
	}
	return check, nil
}

func (r *checkRepository) ListByVariable(ctx context.Context, variableID uuid.UUID) ([]domain.Check, error) {
	return listChecks(ctx, r.pool, `WHERE variable_id = $1`, variableID)
}

func (r *checkRepository) ListByVariables(ctx context.Context, variableIDs []uuid.UUID) (map[uuid.UUID][]domain.Check, error) {
	out := make(map[uuid.UUID][]domain.Check, len(variableIDs))
	if len(variableIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(variableIDs))
	for i, id := range variableIDs {
		ids[i] = id.String()
	}
	checks, err := listChecks(ctx, r.pool, `WHERE variable_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range variableIDs {
		out[id] = []domain.Check{}
	}
	for _, check := range checks {
		out[check.VariableID] = append(out[check.VariableID], check)
	}
	return out, nil
}

func (r *checkRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Check, error) {
	return listChecks(ctx, r.pool, `WHERE run_id = $1`, runID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listChecks(ctx context.Context, q querier, where string, args ...any) ([]domain.Check, error) {
	rows, err := q.Query(ctx, `SELECT `+checkColumns+` FROM validation_checks `+where+` ORDER BY completed_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checks: %w", err)
	}
	defer rows.Close()

	checks := []domain.Check{}
	for rows.Next() {
		var (
			check        domain.Check
			params       []byte
			meta         []byte
			severity     string
			rowNumbers   []int32
			invalidValue pgtype.Text
			startedAt    pgtype.Timestamptz
			completedAt  pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&check.ID,
			&check.RunID,
			&check.VariableID,
			&check.Rule,
			&params,
			&check.Passed,
			&severity,
			&check.Message,
			&check.AffectedRowCount,
			&rowNumbers,
			&invalidValue,
			&meta,
			&startedAt,
			&completedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan check: %w", scanErr)
		}
		check.Severity = domain.Severity(severity)
		if check.Params, err = unmarshalObject(params); err != nil {
			return nil, fmt.Errorf("unmarshal check params: %w", err)
		}
		if check.Meta, err = unmarshalObject(meta); err != nil {
			return nil, fmt.Errorf("unmarshal check meta: %w", err)
		}
		check.RowNumbers = make([]int, len(rowNumbers))
		for i, row := range rowNumbers {
			check.RowNumbers[i] = int(row)
		}
		if invalidValue.Valid {
			value := invalidValue.String
			check.InvalidValue = &value
		}
		if startedAt.Valid {
			check.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			check.CompletedAt = completedAt.Time
		}
		checks = append(checks, check)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate checks: %w", rowsErr)
	}
	return checks, nil
}
