package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rpattn/datacheck/internal/audit"
	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/storage"
)

// CleanupError reports an artifact that could not be deleted. The deletion is
// recorded with cleanup_required so a sweep can retry it.
type CleanupError struct {
	RunID uuid.UUID
	Kind  string
	Path  string
	Err   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s %s for run %s failed: %v", e.Kind, e.Path, e.RunID, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// PendingSource lists failed deletions awaiting a retry.
type PendingSource interface {
	PendingCleanup(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// Manager deletes run artifacts according to the owner's retention policy once
// a run is terminal.
type Manager struct {
	store   storage.Storage
	tracker audit.Tracker
	runs    repository.RunRepository
	enabled bool
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a lifecycle manager.
func NewManager(store storage.Storage, tracker audit.Tracker, runs repository.RunRepository, cfg config.RetentionConfig, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		tracker: tracker,
		runs:    runs,
		enabled: cfg.Enabled,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunFinished applies retention after a terminal transition. Failures are
// logged and never propagate to the caller.
func (m *Manager) RunFinished(ctx context.Context, run domain.Run) {
	if err := m.Cleanup(ctx, run); err != nil {
		m.logger.Warn("CleanupFailure",
			slog.String("run_id", run.ID.String()),
			slog.Any("error", err),
		)
	}
}

type artifact struct {
	kind string
	path string
}

// Cleanup deletes the artifacts the run's owner policy marks transient. Every
// attempted deletion is reported to the audit tracker. The returned error
// joins one CleanupError per artifact that could not be removed.
func (m *Manager) Cleanup(ctx context.Context, run domain.Run) error {
	if !m.enabled {
		m.logger.Debug("retention disabled, keeping artifacts", slog.String("run_id", run.ID.String()))
		return nil
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is %s, cleanup requires a terminal run", run.ID, run.Status)
	}
	if m.runs != nil {
		if stored, err := m.runs.GetByID(ctx, run.ID); err == nil {
			run.RawPath = firstNonEmpty(stored.RawPath, run.RawPath)
			run.ProcessedPath = firstNonEmpty(stored.ProcessedPath, run.ProcessedPath)
			run.DatasetPath = firstNonEmpty(stored.DatasetPath, run.DatasetPath)
		}
	}
	if run.Owner == nil {
		return fmt.Errorf("run %s has no owner", run.ID)
	}

	policy := run.Owner.Retention()
	var targets []artifact
	if policy.DeleteDataset && run.DatasetPath != "" {
		targets = append(targets, artifact{kind: "dataset", path: run.DatasetPath})
	}
	if policy.DeleteProcessed && run.ProcessedPath != "" {
		targets = append(targets, artifact{kind: "processed", path: run.ProcessedPath})
	}
	if policy.DeleteRawInput && run.RawPath != "" {
		targets = append(targets, artifact{kind: "raw", path: run.RawPath})
	}

	logger := m.logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("policy", policy.Name),
	)
	var errs []error
	for _, target := range targets {
		if err := m.delete(ctx, run.OwnerRef(), target.path); err != nil {
			errs = append(errs, &CleanupError{RunID: run.ID, Kind: target.kind, Path: target.path, Err: err})
			continue
		}
		if target.kind == "dataset" && m.runs != nil {
			if err := m.runs.ClearDatasetPath(ctx, run.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				logger.Warn("failed to clear dataset path", slog.Any("error", err))
			}
		}
		logger.Debug("artifact removed", slog.String("kind", target.kind), slog.String("path", target.path))
	}
	return errors.Join(errs...)
}

// Sweep retries failed deletions reported by source. It returns how many
// artifacts were cleaned up.
func (m *Manager) Sweep(ctx context.Context, source PendingSource, limit int) (int, error) {
	pending, err := source.PendingCleanup(ctx, limit)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	seen := make(map[string]bool, len(pending))
	var errs []error
	for _, event := range pending {
		if seen[event.Path] {
			continue
		}
		seen[event.Path] = true
		if err := m.delete(ctx, event.Owner, event.Path); err != nil {
			errs = append(errs, &CleanupError{Kind: "sweep", Path: event.Path, Err: err})
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		m.logger.Info("cleanup sweep finished", slog.Int("cleaned", cleaned), slog.Int("pending", len(pending)))
	}
	return cleaned, errors.Join(errs...)
}

// delete removes path and records the outcome. A missing artifact counts as
// removed.
func (m *Manager) delete(ctx context.Context, owner domain.OwnerRef, path string) error {
	_, err := m.store.Delete(ctx, path)
	event := domain.AuditEvent{
		Action:          domain.AuditActionDelete,
		Path:            path,
		Owner:           owner,
		CleanupRequired: err != nil,
	}
	if m.tracker != nil {
		if terr := m.tracker.Record(ctx, event); terr != nil {
			m.logger.Warn("failed to record audit event", slog.String("path", path), slog.Any("error", terr))
		}
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
