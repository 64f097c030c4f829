package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/datacheck/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRunStatusConflict indicates that a run cannot transition to the requested state.
	ErrRunStatusConflict = errors.New("run status conflict")
)

// RunFinalization carries the terminal state of a run.
type RunFinalization struct {
	Status       domain.RunStatus
	Counts       domain.RunCounts
	ErrorMessage *string
	CompletedAt  time.Time
}

// RunArtifacts are the stored paths produced by extraction.
type RunArtifacts struct {
	RawPath        string
	ProcessedPath  string
	DatasetPath    string
	ExtractionPath domain.ExtractionPath
}

// RunRepository persists validation runs.
type RunRepository interface {
	Create(ctx context.Context, run domain.Run) (domain.Run, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Run, error)
	// LatestForOwner resolves the most recently created run of an owner.
	LatestForOwner(ctx context.Context, owner domain.OwnerRef) (domain.Run, error)
	ListByStatus(ctx context.Context, statuses []domain.RunStatus, limit int) ([]domain.Run, error)
	// MarkRunning moves a pending run to running.
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	UpdateCounts(ctx context.Context, id uuid.UUID, counts domain.RunCounts) error
	// Finalize moves a non-terminal run to a terminal status.
	Finalize(ctx context.Context, id uuid.UUID, result RunFinalization) error
	// SetArtifacts records extraction output on a run.
	SetArtifacts(ctx context.Context, id uuid.UUID, artifacts RunArtifacts) error
	ClearDatasetPath(ctx context.Context, id uuid.UUID) error
}

// VariableRepository persists per-column validation state.
type VariableRepository interface {
	CreateBatch(ctx context.Context, variables []domain.Variable) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.Variable, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Variable, error)
	// Recompute derives the variable's counts and status from its checks and
	// stores the result. Concurrent calls for one variable are serialized.
	Recompute(ctx context.Context, id uuid.UUID) (domain.Variable, error)
}

// CheckRepository persists write-once check outcomes.
type CheckRepository interface {
	Create(ctx context.Context, check domain.Check) (domain.Check, error)
	ListByVariable(ctx context.Context, variableID uuid.UUID) ([]domain.Check, error)
	ListByVariables(ctx context.Context, variableIDs []uuid.UUID) (map[uuid.UUID][]domain.Check, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Check, error)
}

// DiagnosticRepository persists diagnostic extraction progress.
type DiagnosticRepository interface {
	// Save inserts or replaces the report.
	Save(ctx context.Context, report domain.DiagnosticReport) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.DiagnosticReport, error)
	LatestForOwner(ctx context.Context, owner domain.OwnerRef) (domain.DiagnosticReport, error)
}

// Repositories bundles the result store.
type Repositories struct {
	Runs        RunRepository
	Variables   VariableRepository
	Checks      CheckRepository
	Diagnostics DiagnosticRepository
}
