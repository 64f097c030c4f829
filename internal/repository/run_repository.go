package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/datacheck/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type runRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository wires a run repository backed by pgxpool.
func NewRunRepository(pool *pgxpool.Pool) RunRepository {
	return &runRepository{pool: pool}
}

const runColumns = `id, owner_kind, owner_id, file_name, raw_path, processed_path, dataset_path, extraction_path,
	status, total_variables, completed_variables, variables_with_warnings, variables_with_errors,
	error_message, started_at, completed_at, created_at, updated_at`

func (r *runRepository) Create(ctx context.Context, run domain.Run) (domain.Run, error) {
	if r.pool == nil {
		return domain.Run{}, fmt.Errorf("run repository not initialized")
	}
	if run.Owner == nil {
		return domain.Run{}, fmt.Errorf("run owner is required")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	ref := run.OwnerRef()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO validation_runs (id, owner_kind, owner_id, file_name, raw_path, processed_path, dataset_path,
			extraction_path, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), COALESCE($10, NOW()))`,
		run.ID,
		string(ref.Kind),
		ref.ID,
		run.FileName,
		run.RawPath,
		run.ProcessedPath,
		run.DatasetPath,
		string(run.ExtractionPath),
		string(run.Status),
		pgtype.Timestamptz{Time: run.CreatedAt, Valid: !run.CreatedAt.IsZero()},
	)
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return r.GetByID(ctx, run.ID)
}

func (r *runRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *runRepository) LatestForOwner(ctx context.Context, owner domain.OwnerRef) (domain.Run, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+runColumns+`
		 FROM validation_runs
		 WHERE owner_kind = $1 AND owner_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		string(owner.Kind), owner.ID,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("run for %s:%s: %w", owner.Kind, owner.ID, ErrNotFound)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

func (r *runRepository) ListByStatus(ctx context.Context, statuses []domain.RunStatus, limit int) ([]domain.Run, error) {
	if len(statuses) == 0 {
		return []domain.Run{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM validation_runs
		 WHERE status = ANY($1)
		 ORDER BY created_at
		 LIMIT $2`,
		values, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", rowsErr)
	}
	return runs, nil
}

func (r *runRepository) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE validation_runs
		 SET status = 'running', started_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, pgtype.Timestamptz{Time: startedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *runRepository) UpdateCounts(ctx context.Context, id uuid.UUID, counts domain.RunCounts) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE validation_runs
		 SET total_variables = $2, completed_variables = $3, variables_with_warnings = $4,
		     variables_with_errors = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, counts.TotalVariables, counts.CompletedVariables, counts.VariablesWithWarnings, counts.VariablesWithErrors,
	)
	if err != nil {
		return fmt.Errorf("failed to update run counts: %w", err)
	}
	return nil
}

func (r *runRepository) Finalize(ctx context.Context, id uuid.UUID, result RunFinalization) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", result.Status)
	}
	msg := pgtype.Text{}
	if result.ErrorMessage != nil {
		msg = pgtype.Text{String: *result.ErrorMessage, Valid: true}
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE validation_runs
		 SET status = $2, total_variables = $3, completed_variables = $4, variables_with_warnings = $5,
		     variables_with_errors = $6, error_message = $7, completed_at = $8, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id,
		string(result.Status),
		result.Counts.TotalVariables,
		result.Counts.CompletedVariables,
		result.Counts.VariablesWithWarnings,
		result.Counts.VariablesWithErrors,
		msg,
		pgtype.Timestamptz{Time: result.CompletedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *runRepository) SetArtifacts(ctx context.Context, id uuid.UUID, artifacts RunArtifacts) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE validation_runs
		SET raw_path = $2, processed_path = $3, dataset_path = $4, extraction_path = $5, updated_at = NOW()
		WHERE id = $1`,
		id, artifacts.RawPath, artifacts.ProcessedPath, artifacts.DatasetPath, string(artifacts.ExtractionPath))
	if err != nil {
		return fmt.Errorf("failed to record run artifacts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *runRepository) ClearDatasetPath(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE validation_runs SET dataset_path = '', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear dataset path: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run            domain.Run
		ref            domain.OwnerRef
		ownerKind      string
		extractionPath string
		status         string
		errorMessage   pgtype.Text
		startedAt      pgtype.Timestamptz
		completedAt    pgtype.Timestamptz
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
	)
	err := row.Scan(
		&run.ID,
		&ownerKind,
		&ref.ID,
		&run.FileName,
		&run.RawPath,
		&run.ProcessedPath,
		&run.DatasetPath,
		&extractionPath,
		&status,
		&run.Counts.TotalVariables,
		&run.Counts.CompletedVariables,
		&run.Counts.VariablesWithWarnings,
		&run.Counts.VariablesWithErrors,
		&errorMessage,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Run{}, err
	}
	ref.Kind = domain.OwnerKind(ownerKind)
	owner, err := ref.Resolve()
	if err != nil {
		return domain.Run{}, fmt.Errorf("invalid stored owner: %w", err)
	}
	run.Owner = owner
	run.ExtractionPath = domain.ExtractionPath(extractionPath)
	run.Status = domain.RunStatus(status)
	if errorMessage.Valid {
		msg := errorMessage.String
		run.ErrorMessage = &msg
	}
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	if createdAt.Valid {
		run.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		run.UpdatedAt = updatedAt.Time
	}
	return run, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
