// Package memory is an in-process result store used by the CLI and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
)

// Store holds runs, variables, checks and diagnostic reports in memory.
type Store struct {
	mu          sync.RWMutex
	runs        map[uuid.UUID]domain.Run
	variables   map[uuid.UUID]domain.Variable
	checks      map[uuid.UUID][]domain.Check // by variable id
	diagnostics map[uuid.UUID]domain.DiagnosticReport
	seq         map[uuid.UUID]int64 // run creation order
	next        int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		runs:        make(map[uuid.UUID]domain.Run),
		variables:   make(map[uuid.UUID]domain.Variable),
		checks:      make(map[uuid.UUID][]domain.Check),
		diagnostics: make(map[uuid.UUID]domain.DiagnosticReport),
		seq:         make(map[uuid.UUID]int64),
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() repository.Repositories {
	return repository.Repositories{
		Runs:        runRepository{s},
		Variables:   variableRepository{s},
		Checks:      checkRepository{s},
		Diagnostics: diagnosticRepository{s},
	}
}

type runRepository struct{ s *Store }

func (r runRepository) Create(_ context.Context, run domain.Run) (domain.Run, error) {
	if run.Owner == nil {
		return domain.Run{}, fmt.Errorf("run owner is required")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.runs[run.ID]; exists {
		return domain.Run{}, fmt.Errorf("run %s already exists", run.ID)
	}
	r.s.next++
	r.s.seq[run.ID] = r.s.next
	r.s.runs[run.ID] = run
	return run, nil
}

func (r runRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Run, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	return run, nil
}

func (r runRepository) LatestForOwner(_ context.Context, owner domain.OwnerRef) (domain.Run, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var (
		latest domain.Run
		best   int64 = -1
	)
	for id, run := range r.s.runs {
		if run.OwnerRef() != owner {
			continue
		}
		if seq := r.s.seq[id]; seq > best {
			best = seq
			latest = run
		}
	}
	if best < 0 {
		return domain.Run{}, fmt.Errorf("run for %s:%s: %w", owner.Kind, owner.ID, repository.ErrNotFound)
	}
	return latest, nil
}

func (r runRepository) ListByStatus(_ context.Context, statuses []domain.RunStatus, limit int) ([]domain.Run, error) {
	want := make(map[domain.RunStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var runs []domain.Run
	for _, run := range r.s.runs {
		if want[run.Status] {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return r.s.seq[runs[i].ID] < r.s.seq[runs[j].ID] })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r runRepository) MarkRunning(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	return r.update(id, func(run *domain.Run) error {
		if run.Status != domain.RunStatusPending {
			return repository.ErrRunStatusConflict
		}
		run.Status = domain.RunStatusRunning
		run.StartedAt = &startedAt
		return nil
	})
}

func (r runRepository) UpdateCounts(_ context.Context, id uuid.UUID, counts domain.RunCounts) error {
	return r.update(id, func(run *domain.Run) error {
		run.Counts = counts
		return nil
	})
}

func (r runRepository) Finalize(_ context.Context, id uuid.UUID, result repository.RunFinalization) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", result.Status)
	}
	return r.update(id, func(run *domain.Run) error {
		if run.Status.Terminal() {
			return repository.ErrRunStatusConflict
		}
		completedAt := result.CompletedAt
		run.Status = result.Status
		run.Counts = result.Counts
		run.ErrorMessage = result.ErrorMessage
		run.CompletedAt = &completedAt
		return nil
	})
}

func (r runRepository) SetArtifacts(_ context.Context, id uuid.UUID, artifacts repository.RunArtifacts) error {
	return r.update(id, func(run *domain.Run) error {
		run.RawPath = artifacts.RawPath
		run.ProcessedPath = artifacts.ProcessedPath
		run.DatasetPath = artifacts.DatasetPath
		run.ExtractionPath = artifacts.ExtractionPath
		return nil
	})
}

func (r runRepository) ClearDatasetPath(_ context.Context, id uuid.UUID) error {
	return r.update(id, func(run *domain.Run) error {
		run.DatasetPath = ""
		return nil
	})
}

func (r runRepository) update(id uuid.UUID, fn func(*domain.Run) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	if err := fn(&run); err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	r.s.runs[id] = run
	return nil
}

type variableRepository struct{ s *Store }

func (r variableRepository) CreateBatch(_ context.Context, variables []domain.Variable) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool, len(variables))
	for _, v := range variables {
		if _, ok := r.s.runs[v.RunID]; !ok {
			return fmt.Errorf("run %s: %w", v.RunID, repository.ErrNotFound)
		}
		if seen[v.Column] {
			return fmt.Errorf("duplicate variable %q for run %s", v.Column, v.RunID)
		}
		seen[v.Column] = true
	}
	for _, v := range variables {
		for _, existing := range r.s.variables {
			if existing.RunID == v.RunID && existing.Column == v.Column {
				return fmt.Errorf("duplicate variable %q for run %s", v.Column, v.RunID)
			}
		}
	}
	for _, v := range variables {
		r.s.variables[v.ID] = v
	}
	return nil
}

func (r variableRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Variable, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	v, ok := r.s.variables[id]
	if !ok {
		return domain.Variable{}, fmt.Errorf("variable %s: %w", id, repository.ErrNotFound)
	}
	return v, nil
}

func (r variableRepository) ListByRun(_ context.Context, runID uuid.UUID) ([]domain.Variable, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Variable
	for _, v := range r.s.variables {
		if v.RunID == runID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// Recompute holds the store lock for the whole read-derive-write cycle, which
// serializes concurrent recomputes of the same variable.
func (r variableRepository) Recompute(_ context.Context, id uuid.UUID) (domain.Variable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.variables[id]
	if !ok {
		return domain.Variable{}, fmt.Errorf("variable %s: %w", id, repository.ErrNotFound)
	}
	v = v.Recompute(r.s.checks[id])
	v.UpdatedAt = time.Now().UTC()
	r.s.variables[id] = v
	return v, nil
}

type checkRepository struct{ s *Store }

func (r checkRepository) Create(_ context.Context, check domain.Check) (domain.Check, error) {
	if check.ID == uuid.Nil {
		check.ID = uuid.New()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.variables[check.VariableID]; !ok {
		return domain.Check{}, fmt.Errorf("variable %s: %w", check.VariableID, repository.ErrNotFound)
	}
	for _, existing := range r.s.checks[check.VariableID] {
		if existing.ID == check.ID {
			return domain.Check{}, fmt.Errorf("check %s already recorded", check.ID)
		}
	}
	r.s.checks[check.VariableID] = append(r.s.checks[check.VariableID], check)
	return check, nil
}

func (r checkRepository) ListByVariable(_ context.Context, variableID uuid.UUID) ([]domain.Check, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return sortedChecks(r.s.checks[variableID]), nil
}

func (r checkRepository) ListByVariables(_ context.Context, variableIDs []uuid.UUID) (map[uuid.UUID][]domain.Check, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make(map[uuid.UUID][]domain.Check, len(variableIDs))
	for _, id := range variableIDs {
		out[id] = sortedChecks(r.s.checks[id])
	}
	return out, nil
}

func (r checkRepository) ListByRun(_ context.Context, runID uuid.UUID) ([]domain.Check, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Check
	for _, checks := range r.s.checks {
		for _, c := range checks {
			if c.RunID == runID {
				out = append(out, c)
			}
		}
	}
	return sortedChecks(out), nil
}

func sortedChecks(checks []domain.Check) []domain.Check {
	out := make([]domain.Check, len(checks))
	copy(out, checks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}

type diagnosticRepository struct{ s *Store }

func (r diagnosticRepository) Save(_ context.Context, report domain.DiagnosticReport) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.diagnostics[report.ID] = report
	return nil
}

func (r diagnosticRepository) GetByID(_ context.Context, id uuid.UUID) (domain.DiagnosticReport, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	report, ok := r.s.diagnostics[id]
	if !ok {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic report %s: %w", id, repository.ErrNotFound)
	}
	return report, nil
}

func (r diagnosticRepository) LatestForOwner(_ context.Context, owner domain.OwnerRef) (domain.DiagnosticReport, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var (
		latest domain.DiagnosticReport
		found  bool
	)
	for _, report := range r.s.diagnostics {
		if report.Owner != owner {
			continue
		}
		if !found || report.CreatedAt.After(latest.CreatedAt) {
			latest = report
			found = true
		}
	}
	if !found {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic report for %s:%s: %w", owner.Kind, owner.ID, repository.ErrNotFound)
	}
	return latest, nil
}
