package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus captures lifecycle state for runs and variables.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ExtractionPath records which extraction strategy produced the dataset.
type ExtractionPath string

const (
	ExtractionPathFast       ExtractionPath = "fast"
	ExtractionPathDiagnostic ExtractionPath = "diagnostic"
)

// RunCounts are always derived from the run's variables.
type RunCounts struct {
	TotalVariables        int `json:"total_variables"`
	CompletedVariables    int `json:"completed_variables"`
	VariablesWithWarnings int `json:"variables_with_warnings"`
	VariablesWithErrors   int `json:"variables_with_errors"`
}

// Run is one validation attempt against one uploaded file.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	Owner          OwningEntity   `json:"-"`
	FileName       string         `json:"file_name"`
	RawPath        string         `json:"-"`
	ProcessedPath  string         `json:"-"`
	DatasetPath    string         `json:"-"`
	ExtractionPath ExtractionPath `json:"extraction_path,omitempty"`
	Status         RunStatus      `json:"status"`
	Counts         RunCounts      `json:"counts"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewRun creates a pending run for the owner.
func NewRun(owner OwningEntity, fileName string) Run {
	now := time.Now().UTC()
	return Run{
		ID:        uuid.New(),
		Owner:     owner,
		FileName:  fileName,
		Status:    RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// OwnerRef returns the persisted owner reference.
func (r Run) OwnerRef() OwnerRef {
	return RefOf(r.Owner)
}

// RecomputeRunCounts derives run counters from the variables of the run.
// Calling it repeatedly over the same variables yields identical counts.
func RecomputeRunCounts(variables []Variable) RunCounts {
	counts := RunCounts{TotalVariables: len(variables)}
	for _, v := range variables {
		if v.Status.Terminal() {
			counts.CompletedVariables++
		}
		if v.Counts.WarningCount > 0 {
			counts.VariablesWithWarnings++
		}
		if v.Counts.ErrorCount > 0 {
			counts.VariablesWithErrors++
		}
	}
	return counts
}
