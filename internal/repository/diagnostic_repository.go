package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/datacheck/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type diagnosticRepository struct {
	pool *pgxpool.Pool
}

// NewDiagnosticRepository wires a diagnostic report repository backed by pgxpool.
func NewDiagnosticRepository(pool *pgxpool.Pool) DiagnosticRepository {
	return &diagnosticRepository{pool: pool}
}

const diagnosticColumns = `id, run_id, owner_kind, owner_id, file_name, stage, encoding, has_bom, sha256, size_bytes,
	expected_columns, violating_lines, total_violations, error_message, stage_history, created_at, updated_at`

func (r *diagnosticRepository) Save(ctx context.Context, report domain.DiagnosticReport) error {
	history, err := json.Marshal(report.StageHistory)
	if err != nil {
		return fmt.Errorf("marshal stage history: %w", err)
	}
	runID := pgtype.UUID{}
	if report.RunID != nil {
		runID = pgtype.UUID{Bytes: *report.RunID, Valid: true}
	}
	msg := pgtype.Text{}
	if report.ErrorMessage != nil {
		msg = pgtype.Text{String: *report.ErrorMessage, Valid: true}
	}
	lines := make([]int32, len(report.ViolatingLines))
	for i, line := range report.ViolatingLines {
		lines[i] = int32(line)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO diagnostic_reports (`+diagnosticColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		   run_id = EXCLUDED.run_id,
		   stage = EXCLUDED.stage,
		   encoding = EXCLUDED.encoding,
		   has_bom = EXCLUDED.has_bom,
		   sha256 = EXCLUDED.sha256,
		   size_bytes = EXCLUDED.size_bytes,
		   expected_columns = EXCLUDED.expected_columns,
		   violating_lines = EXCLUDED.violating_lines,
		   total_violations = EXCLUDED.total_violations,
		   error_message = EXCLUDED.error_message,
		   stage_history = EXCLUDED.stage_history,
		   updated_at = EXCLUDED.updated_at`,
		report.ID, runID, string(report.Owner.Kind), report.Owner.ID, report.FileName, string(report.Stage),
		report.Encoding, report.HasBOM, report.SHA256, report.SizeBytes, report.ExpectedColumns, lines,
		report.TotalViolations, msg, history,
		pgtype.Timestamptz{Time: report.CreatedAt, Valid: true},
		pgtype.Timestamptz{Time: report.UpdatedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("failed to save diagnostic report: %w", err)
	}
	return nil
}

func (r *diagnosticRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.DiagnosticReport, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+diagnosticColumns+` FROM diagnostic_reports WHERE id = $1`, id)
	report, err := scanDiagnostic(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("failed to get diagnostic report: %w", err)
	}
	return report, nil
}

func (r *diagnosticRepository) LatestForOwner(ctx context.Context, owner domain.OwnerRef) (domain.DiagnosticReport, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+diagnosticColumns+`
		 FROM diagnostic_reports
		 WHERE owner_kind = $1 AND owner_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		string(owner.Kind), owner.ID,
	)
	report, err := scanDiagnostic(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic report for %s:%s: %w", owner.Kind, owner.ID, ErrNotFound)
	}
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("failed to get latest diagnostic report: %w", err)
	}
	return report, nil
}

func scanDiagnostic(row pgx.Row) (domain.DiagnosticReport, error) {
	var (
		report    domain.DiagnosticReport
		runID     pgtype.UUID
		ownerKind string
		stage     string
		lines     []int32
		msg       pgtype.Text
		history   []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&report.ID,
		&runID,
		&ownerKind,
		&report.Owner.ID,
		&report.FileName,
		&stage,
		&report.Encoding,
		&report.HasBOM,
		&report.SHA256,
		&report.SizeBytes,
		&report.ExpectedColumns,
		&lines,
		&report.TotalViolations,
		&msg,
		&history,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.DiagnosticReport{}, err
	}
	if runID.Valid {
		id := uuid.UUID(runID.Bytes)
		report.RunID = &id
	}
	report.Owner.Kind = domain.OwnerKind(ownerKind)
	report.Stage = domain.DiagnosticStage(stage)
	report.ViolatingLines = make([]int, len(lines))
	for i, line := range lines {
		report.ViolatingLines[i] = int(line)
	}
	if msg.Valid {
		value := msg.String
		report.ErrorMessage = &value
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &report.StageHistory); err != nil {
			return domain.DiagnosticReport{}, fmt.Errorf("unmarshal stage history: %w", err)
		}
	}
	if createdAt.Valid {
		report.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		report.UpdatedAt = updatedAt.Time
	}
	return report, nil
}

// NewPostgresRepositories wires every result store repository against pool.
func NewPostgresRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Runs:        NewRunRepository(pool),
		Variables:   NewVariableRepository(pool),
		Checks:      NewCheckRepository(pool),
		Diagnostics: NewDiagnosticRepository(pool),
	}
}
