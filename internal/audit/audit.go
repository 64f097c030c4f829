package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rpattn/datacheck/internal/domain"
)

// Tracker receives artifact lifecycle events. Trackers only record; they never
// verify that cleanup happened.
type Tracker interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}

// SlogTracker writes events to a structured logger.
type SlogTracker struct {
	logger *slog.Logger
}

// NewSlogTracker creates a tracker that logs under the audit component.
func NewSlogTracker(logger *slog.Logger) *SlogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogTracker{logger: logger.With(slog.String("component", "audit"))}
}

func (t *SlogTracker) Record(ctx context.Context, event domain.AuditEvent) error {
	event = stamp(event)
	if err := event.Validate(); err != nil {
		return err
	}
	attrs := []slog.Attr{
		slog.String("action", string(event.Action)),
		slog.String("path", event.Path),
		slog.String("owner_kind", string(event.Owner.Kind)),
		slog.String("owner_id", event.Owner.ID.String()),
		slog.Bool("cleanup_required", event.CleanupRequired),
	}
	if event.Size != nil {
		attrs = append(attrs, slog.Int64("size", *event.Size))
	}
	level := slog.LevelInfo
	if event.CleanupRequired {
		level = slog.LevelWarn
	}
	t.logger.LogAttrs(ctx, level, "artifact event", attrs...)
	return nil
}

// Multi fans an event out to several trackers and joins their errors.
type Multi []Tracker

func (m Multi) Record(ctx context.Context, event domain.AuditEvent) error {
	var errs []error
	for _, tracker := range m {
		if tracker == nil {
			continue
		}
		if err := tracker.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. The CLI uses it to print an artifact trail.
type Recorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *Recorder) Record(_ context.Context, event domain.AuditEvent) error {
	event = stamp(event)
	if err := event.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

func stamp(event domain.AuditEvent) domain.AuditEvent {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event
}

// PendingCleanup lists recorded failed deletions that have not been followed
// by a successful one.
func (r *Recorder) PendingCleanup(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []domain.AuditEvent
	for i, event := range r.events {
		if !event.CleanupRequired {
			continue
		}
		resolved := false
		for _, later := range r.events[i+1:] {
			if later.Path == event.Path && later.Action == domain.AuditActionDelete && !later.CleanupRequired {
				resolved = true
				break
			}
		}
		if !resolved {
			pending = append(pending, event)
		}
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}
