package results

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
)

// Filter narrows a status document or export.
type Filter struct {
	Severity   domain.Severity
	Column     string
	FailedOnly bool
}

func (f Filter) keep(c domain.Check) bool {
	if f.FailedOnly && c.Passed {
		return false
	}
	if f.Severity != "" && c.Severity != f.Severity {
		return false
	}
	return true
}

// StatusDocument is the polled view of a run.
type StatusDocument struct {
	RunID                 uuid.UUID             `json:"run_id"`
	FileName              string                `json:"file_name"`
	Status                domain.RunStatus      `json:"status"`
	ExtractionPath        domain.ExtractionPath `json:"extraction_path,omitempty"`
	ErrorMessage          *string               `json:"error_message,omitempty"`
	TotalVariables        int                   `json:"total_variables"`
	CompletedVariables    int                   `json:"completed_variables"`
	VariablesWithWarnings int                   `json:"variables_with_warnings"`
	VariablesWithErrors   int                   `json:"variables_with_errors"`
	Variables             []VariableStatus      `json:"variables"`
}

// VariableStatus is one column of a status document.
type VariableStatus struct {
	Column    string                `json:"column"`
	Type      domain.FieldType      `json:"type"`
	Sensitive bool                  `json:"-"`
	Status    domain.RunStatus      `json:"status"`
	Counts    domain.VariableCounts `json:"counts"`
	Summary   map[string]any        `json:"summary,omitempty"`
	Checks    []CheckStatus         `json:"checks"`
}

// CheckStatus is one rule outcome of a status document.
type CheckStatus struct {
	Rule             string          `json:"rule"`
	Passed           bool            `json:"passed"`
	Severity         domain.Severity `json:"severity"`
	Message          string          `json:"message"`
	AffectedRowCount int             `json:"affected_row_count"`
	RowNumbers       []int           `json:"row_numbers"`
	InvalidValue     *string         `json:"invalid_value,omitempty"`
}

func checkStatus(c domain.Check) CheckStatus {
	rows := c.RowNumbers
	if rows == nil {
		rows = []int{}
	}
	return CheckStatus{
		Rule:             c.Rule,
		Passed:           c.Passed,
		Severity:         c.Severity,
		Message:          c.Message,
		AffectedRowCount: c.AffectedRowCount,
		RowNumbers:       rows,
		InvalidValue:     c.InvalidValue,
	}
}

func (c CheckStatus) toCheck() domain.Check {
	return domain.Check{
		Rule:             c.Rule,
		Passed:           c.Passed,
		Severity:         c.Severity,
		Message:          c.Message,
		AffectedRowCount: c.AffectedRowCount,
		RowNumbers:       c.RowNumbers,
		InvalidValue:     c.InvalidValue,
	}
}

// Service answers status, diagnostic and export queries. Every document it
// returns is redacted.
type Service struct {
	runs        repository.RunRepository
	variables   repository.VariableRepository
	checks      repository.CheckRepository
	diagnostics repository.DiagnosticRepository
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(repos repository.Repositories, opts ...Option) *Service {
	s := &Service{
		runs:        repos.Runs,
		variables:   repos.Variables,
		checks:      repos.Checks,
		diagnostics: repos.Diagnostics,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status builds the status document of a run.
func (s *Service) Status(ctx context.Context, runID uuid.UUID, filter Filter) (StatusDocument, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return StatusDocument{}, err
	}
	return s.document(ctx, run, filter)
}

// Latest builds the status document of the owner's most recent run.
func (s *Service) Latest(ctx context.Context, owner domain.OwnerRef, filter Filter) (StatusDocument, error) {
	run, err := s.runs.LatestForOwner(ctx, owner)
	if err != nil {
		return StatusDocument{}, err
	}
	return s.document(ctx, run, filter)
}

// Diagnostic returns a diagnostic extraction report.
func (s *Service) Diagnostic(ctx context.Context, id uuid.UUID) (domain.DiagnosticReport, error) {
	return s.diagnostics.GetByID(ctx, id)
}

// LatestDiagnostic returns the owner's most recent diagnostic report.
func (s *Service) LatestDiagnostic(ctx context.Context, owner domain.OwnerRef) (domain.DiagnosticReport, error) {
	return s.diagnostics.LatestForOwner(ctx, owner)
}

func (s *Service) document(ctx context.Context, run domain.Run, filter Filter) (StatusDocument, error) {
	variables, err := s.variables.ListByRun(ctx, run.ID)
	if err != nil {
		return StatusDocument{}, fmt.Errorf("failed to load variables of run %s: %w", run.ID, err)
	}
	sort.SliceStable(variables, func(i, j int) bool { return variables[i].Position < variables[j].Position })

	// Counts always come from the stored variables, never from the filter.
	counts := domain.RecomputeRunCounts(variables)
	doc := StatusDocument{
		RunID:                 run.ID,
		FileName:              run.FileName,
		Status:                run.Status,
		ExtractionPath:        run.ExtractionPath,
		ErrorMessage:          run.ErrorMessage,
		TotalVariables:        counts.TotalVariables,
		CompletedVariables:    counts.CompletedVariables,
		VariablesWithWarnings: counts.VariablesWithWarnings,
		VariablesWithErrors:   counts.VariablesWithErrors,
		Variables:             []VariableStatus{},
	}

	loader := CheckLoaderFromContext(ctx)
	if loader == nil {
		loader = NewCheckLoader(s.checks)
	}
	selected := make([]domain.Variable, 0, len(variables))
	thunks := make([]func() ([]domain.Check, error), 0, len(variables))
	for _, v := range variables {
		if filter.Column != "" && !strings.EqualFold(v.Column, filter.Column) {
			continue
		}
		selected = append(selected, v)
		thunks = append(thunks, loader.Load(ctx, v.ID))
	}

	for i, v := range selected {
		checks, err := thunks[i]()
		if err != nil {
			return StatusDocument{}, fmt.Errorf("failed to load checks of %s: %w", v.Column, err)
		}
		status := VariableStatus{
			Column:    v.Column,
			Type:      v.Type,
			Sensitive: v.Sensitive,
			Status:    v.Status,
			Counts:    v.Counts,
			Summary:   v.Summary,
			Checks:    []CheckStatus{},
		}
		for _, c := range checks {
			if filter.keep(c) {
				status.Checks = append(status.Checks, checkStatus(c))
			}
		}
		doc.Variables = append(doc.Variables, status)
	}

	Redact(&doc)
	return doc, nil
}
