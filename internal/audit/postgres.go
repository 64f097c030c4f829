package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpattn/datacheck/internal/domain"
)

// PostgresTracker persists events to artifact_audit_events.
type PostgresTracker struct {
	pool *pgxpool.Pool
}

// NewPostgresTracker creates a tracker backed by pool.
func NewPostgresTracker(pool *pgxpool.Pool) *PostgresTracker {
	return &PostgresTracker{pool: pool}
}

const insertAuditEventSQL = `
INSERT INTO artifact_audit_events (action, path, size_bytes, owner_kind, owner_id, cleanup_required, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (t *PostgresTracker) Record(ctx context.Context, event domain.AuditEvent) error {
	if t == nil || t.pool == nil {
		return fmt.Errorf("audit tracker not initialized")
	}
	event = stamp(event)
	if err := event.Validate(); err != nil {
		return err
	}

	var size pgtype.Int8
	if event.Size != nil {
		size = pgtype.Int8{Int64: *event.Size, Valid: true}
	}
	_, err := t.pool.Exec(ctx, insertAuditEventSQL,
		string(event.Action),
		event.Path,
		size,
		string(event.Owner.Kind),
		event.Owner.ID,
		event.CleanupRequired,
		pgtype.Timestamptz{Time: event.OccurredAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

const pendingCleanupSQL = `
SELECT e.path, e.owner_kind, e.owner_id, e.occurred_at
FROM artifact_audit_events e
WHERE e.cleanup_required
  AND NOT EXISTS (
    SELECT 1 FROM artifact_audit_events d
    WHERE d.path = e.path AND d.action = 'delete' AND NOT d.cleanup_required AND d.occurred_at > e.occurred_at
  )
ORDER BY e.occurred_at
LIMIT $1
`

// PendingCleanup lists artifacts whose deletion failed and has not since
// succeeded, for the cleanup sweep.
func (t *PostgresTracker) PendingCleanup(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.pool.Query(ctx, pendingCleanupSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cleanup: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			event     domain.AuditEvent
			ownerKind string
		)
		if err := rows.Scan(&event.Path, &ownerKind, &event.Owner.ID, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Action = domain.AuditActionDelete
		event.Owner.Kind = domain.OwnerKind(ownerKind)
		event.CleanupRequired = true
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}
