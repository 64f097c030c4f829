package domain

import (
	"errors"
	"strings"
	"time"
)

// AuditAction names an artifact lifecycle event.
type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionDelete AuditAction = "delete"
)

// AuditEvent is reported for every artifact creation and deletion.
type AuditEvent struct {
	Action          AuditAction `json:"action"`
	Path            string      `json:"path"`
	Size            *int64      `json:"size,omitempty"`
	Owner           OwnerRef    `json:"owner"`
	CleanupRequired bool        `json:"cleanup_required"`
	OccurredAt      time.Time   `json:"occurred_at"`
}

// Validate checks the event carries the fields every tracker needs.
func (e AuditEvent) Validate() error {
	if e.Action != AuditActionCreate && e.Action != AuditActionDelete {
		return errors.New("action must be create or delete")
	}
	if strings.TrimSpace(e.Path) == "" {
		return errors.New("path is required")
	}
	if e.Owner.Kind == "" {
		return errors.New("owner is required")
	}
	return nil
}
