package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OwnerKind discriminates the variants of OwningEntity.
type OwnerKind string

const (
	OwnerKindPrecheck   OwnerKind = "precheck"
	OwnerKindSubmission OwnerKind = "submission"
)

// RetentionPolicy describes which artifacts are removed once a run reaches a
// terminal state.
type RetentionPolicy struct {
	Name            string `json:"name"`
	DeleteRawInput  bool   `json:"delete_raw_input"`
	DeleteProcessed bool   `json:"delete_processed"`
	DeleteDataset   bool   `json:"delete_dataset"`
}

var (
	// TransientRetention removes every artifact; only result rows survive.
	TransientRetention = RetentionPolicy{Name: "precheck", DeleteRawInput: true, DeleteProcessed: true, DeleteDataset: true}
	// RetainedRetention keeps the raw input and processed copy for reprocessing.
	RetainedRetention = RetentionPolicy{Name: "submission", DeleteDataset: true}
)

// OwningEntity is the entity a run validates a file for. It is either a
// transient Precheck or a permanent Submission.
type OwningEntity interface {
	Kind() OwnerKind
	OwnerID() uuid.UUID
	// ScratchPrefix is the storage prefix for artifacts owned by the entity.
	ScratchPrefix() string
	Retention() RetentionPolicy
}

// Precheck is a transient validation request; nothing but results is kept.
type Precheck struct {
	ID uuid.UUID `json:"id"`
}

func (p Precheck) Kind() OwnerKind            { return OwnerKindPrecheck }
func (p Precheck) OwnerID() uuid.UUID         { return p.ID }
func (p Precheck) ScratchPrefix() string      { return "prechecks/" + p.ID.String() }
func (p Precheck) Retention() RetentionPolicy { return TransientRetention }

// Submission is a permanent submission file that may be reprocessed later.
type Submission struct {
	ID uuid.UUID `json:"id"`
}

func (s Submission) Kind() OwnerKind            { return OwnerKindSubmission }
func (s Submission) OwnerID() uuid.UUID         { return s.ID }
func (s Submission) ScratchPrefix() string      { return "submissions/" + s.ID.String() }
func (s Submission) Retention() RetentionPolicy { return RetainedRetention }

// OwnerRef is the persisted form of an OwningEntity.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// RefOf flattens an owner into its persisted form.
func RefOf(owner OwningEntity) OwnerRef {
	if owner == nil {
		return OwnerRef{}
	}
	return OwnerRef{Kind: owner.Kind(), ID: owner.OwnerID()}
}

// Resolve returns the concrete owner variant for the reference.
func (r OwnerRef) Resolve() (OwningEntity, error) {
	if r.ID == uuid.Nil {
		return nil, fmt.Errorf("owner id is required")
	}
	switch OwnerKind(strings.ToLower(string(r.Kind))) {
	case OwnerKindPrecheck:
		return Precheck{ID: r.ID}, nil
	case OwnerKindSubmission:
		return Submission{ID: r.ID}, nil
	default:
		return nil, fmt.Errorf("unknown owner kind %q", r.Kind)
	}
}

// ParseOwner builds an owner from its textual kind and id.
func ParseOwner(kind, id string) (OwningEntity, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("invalid owner id: %w", err)
	}
	return OwnerRef{Kind: OwnerKind(strings.TrimSpace(kind)), ID: parsed}.Resolve()
}

// OwnerKey is a stable map key for an owner.
func OwnerKey(owner OwningEntity) string {
	if owner == nil {
		return ""
	}
	return string(owner.Kind()) + ":" + owner.OwnerID().String()
}
