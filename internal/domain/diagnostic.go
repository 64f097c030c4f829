package domain

import (
	"time"

	"github.com/google/uuid"
)

// DiagnosticStage tracks progress through the diagnostic extraction path.
type DiagnosticStage string

const (
	DiagnosticStageMetadata   DiagnosticStage = "metadata"
	DiagnosticStageStructure  DiagnosticStage = "structure"
	DiagnosticStageValidation DiagnosticStage = "validation"
	DiagnosticStageDone       DiagnosticStage = "done"
	DiagnosticStageFailed     DiagnosticStage = "failed"
)

// DefaultViolationLimit bounds the stored list of violating line numbers.
const DefaultViolationLimit = 100

// DiagnosticReport captures the partial results of a diagnostic extraction.
// It is persisted after every stage so pollers can observe progress.
type DiagnosticReport struct {
	ID              uuid.UUID       `json:"id"`
	RunID           *uuid.UUID      `json:"run_id,omitempty"`
	Owner           OwnerRef        `json:"owner"`
	FileName        string          `json:"file_name"`
	Stage           DiagnosticStage `json:"stage"`
	Encoding        string          `json:"encoding,omitempty"`
	HasBOM          bool            `json:"has_bom"`
	SHA256          string          `json:"sha256,omitempty"`
	SizeBytes       int64           `json:"size_bytes"`
	ExpectedColumns int             `json:"expected_columns"`
	ViolatingLines  []int           `json:"violating_lines"`
	TotalViolations int             `json:"total_violations"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	StageHistory    []StageMark     `json:"stage_history"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StageMark records when a diagnostic stage was reached.
type StageMark struct {
	Stage DiagnosticStage `json:"stage"`
	At    time.Time       `json:"at"`
}

// NewDiagnosticReport starts a report at the metadata stage.
func NewDiagnosticReport(owner OwningEntity, fileName string) DiagnosticReport {
	now := time.Now().UTC()
	return DiagnosticReport{
		ID:           uuid.New(),
		Owner:        RefOf(owner),
		FileName:     fileName,
		Stage:        DiagnosticStageMetadata,
		StageHistory: []StageMark{{Stage: DiagnosticStageMetadata, At: now}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WithStage returns a copy advanced to stage.
func (r DiagnosticReport) WithStage(stage DiagnosticStage) DiagnosticReport {
	now := time.Now().UTC()
	history := make([]StageMark, len(r.StageHistory), len(r.StageHistory)+1)
	copy(history, r.StageHistory)
	r.StageHistory = append(history, StageMark{Stage: stage, At: now})
	r.Stage = stage
	r.UpdatedAt = now
	return r
}

// WithFailure returns a copy moved to the failed stage with message.
func (r DiagnosticReport) WithFailure(message string) DiagnosticReport {
	r = r.WithStage(DiagnosticStageFailed)
	r.ErrorMessage = &message
	return r
}
