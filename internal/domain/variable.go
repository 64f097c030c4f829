package domain

import (
	"time"

	"github.com/google/uuid"
)

// VariableCounts are per-column tallies. Profile counts (rows, nulls, empties)
// come from the dataset; the rest are derived from child checks.
type VariableCounts struct {
	TotalRows    int `json:"total_rows"`
	NullCount    int `json:"null_count"`
	EmptyCount   int `json:"empty_count"`
	ValidCount   int `json:"valid_count"`
	InvalidCount int `json:"invalid_count"`
	WarningCount int `json:"warning_count"`
	ErrorCount   int `json:"error_count"`
}

// Variable is one column's validation state within a run.
type Variable struct {
	ID             uuid.UUID      `json:"id"`
	RunID          uuid.UUID      `json:"run_id"`
	Column         string         `json:"column"`
	Type           FieldType      `json:"type"`
	Sensitive      bool           `json:"sensitive"`
	Position       int            `json:"position"`
	ExpectedChecks int            `json:"expected_checks"`
	Status         RunStatus      `json:"status"`
	Counts         VariableCounts `json:"counts"`
	Summary        map[string]any `json:"summary"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewVariable creates a pending variable for a run column.
func NewVariable(runID uuid.UUID, position int, planned PlannedVariable) Variable {
	now := time.Now().UTC()
	return Variable{
		ID:             uuid.New(),
		RunID:          runID,
		Column:         planned.Name,
		Type:           planned.Type,
		Sensitive:      planned.Sensitive,
		Position:       position,
		ExpectedChecks: len(planned.Rules),
		Status:         RunStatusPending,
		Summary:        map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// WithProfile returns a copy carrying dataset profile counts.
func (v Variable) WithProfile(totalRows, nullCount, emptyCount int) Variable {
	v.Counts.TotalRows = totalRows
	v.Counts.NullCount = nullCount
	v.Counts.EmptyCount = emptyCount
	return v
}

// Recompute derives status, warning/error counts, valid/invalid counts and the
// summary from the variable's checks. Profile counts are left untouched, and
// the result depends only on the inputs, so recomputing twice is a no-op.
//
// Invalid rows are approximated by the largest affected-row count among failed
// error checks; row lists are capped, so an exact union is not available.
func (v Variable) Recompute(checks []Check) Variable {
	counts := v.Counts
	counts.WarningCount = 0
	counts.ErrorCount = 0
	counts.InvalidCount = 0

	summary := make(map[string]any, len(checks))
	for _, check := range checks {
		if len(check.Meta) > 0 {
			summary[check.Rule] = check.Meta
		}
		if check.Passed {
			continue
		}
		switch check.Severity {
		case SeverityWarning:
			counts.WarningCount++
		case SeverityError:
			counts.ErrorCount++
			if check.AffectedRowCount > counts.InvalidCount {
				counts.InvalidCount = check.AffectedRowCount
			}
		}
	}
	if counts.InvalidCount > counts.TotalRows {
		counts.InvalidCount = counts.TotalRows
	}
	counts.ValidCount = counts.TotalRows - counts.InvalidCount

	status := RunStatusPending
	switch {
	case len(checks) >= v.ExpectedChecks:
		status = RunStatusCompleted
	case len(checks) > 0:
		status = RunStatusRunning
	}

	v.Counts = counts
	v.Summary = summary
	v.Status = status
	return v
}
