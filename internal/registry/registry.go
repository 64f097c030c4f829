package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
)

// ErrUnknownRule classifies rule identifiers missing from the registry.
var ErrUnknownRule = errors.New("unknown rule")

// Dataset is the read-only view of a run's dataset handle that rules see.
type Dataset interface {
	Columns() []string
	HasColumn(column string) bool
	RowCount(ctx context.Context) (int, error)
	Values(ctx context.Context, column string) ([]dataset.Cell, error)
	Distinct(ctx context.Context, column string) ([]string, error)
}

// Env is everything a validator may read while checking one column.
type Env struct {
	Dataset  Dataset
	Variable domain.PlannedVariable
	Shared   *Shared
	// RowNumberCap bounds Outcome.RowNumbers. Zero uses the domain default.
	RowNumberCap int
}

// CapRows applies the run's row-number cap.
func (e Env) CapRows(rows []int) []int {
	return domain.CapRows(rows, e.RowNumberCap)
}

// Outcome is a validator's verdict for one column.
type Outcome struct {
	Passed       bool
	Severity     domain.Severity
	Message      string
	AffectedRows int
	RowNumbers   []int
	InvalidValue *string
	Meta         map[string]any
}

// Validator checks one column of a dataset.
type Validator interface {
	Check(ctx context.Context, env Env, column string, params Params) (Outcome, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, env Env, column string, params Params) (Outcome, error)

func (f ValidatorFunc) Check(ctx context.Context, env Env, column string, params Params) (Outcome, error) {
	return f(ctx, env, column, params)
}

// Entry describes a registered rule.
type Entry struct {
	Name      string
	Validator Validator
	// ParallelSafe is false for rules that read data published by other rules.
	ParallelSafe bool
	Dependencies []string
	Enabled      bool
	// Priority orders jobs within a level; higher runs first.
	Priority int
	// DefaultSeverity applies when neither the validator nor the params set one.
	DefaultSeverity domain.Severity
}

// Registry maps rule identifiers to entries. It is built once at startup and
// injected; it is safe for concurrent lookups after construction.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New builds a registry from entries.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		if err := r.Register(entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an entry. Names are case-insensitive and must be unique.
func (r *Registry) Register(entry Entry) error {
	entry.Name = strings.ToLower(strings.TrimSpace(entry.Name))
	if entry.Name == "" {
		return errors.New("rule name is required")
	}
	if entry.Validator == nil {
		return fmt.Errorf("rule %s has no validator", entry.Name)
	}
	if entry.DefaultSeverity == "" {
		entry.DefaultSeverity = domain.SeverityError
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.Name]; exists {
		return fmt.Errorf("rule %s already registered", entry.Name)
	}
	r.entries[entry.Name] = entry
	return nil
}

// Lookup returns the enabled entry for rule.
func (r *Registry) Lookup(rule string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[strings.ToLower(strings.TrimSpace(rule))]
	if !ok || !entry.Enabled {
		return Entry{}, false
	}
	return entry, true
}

// Rules lists the enabled rule identifiers in sorted order.
func (r *Registry) Rules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, entry := range r.entries {
		if entry.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// UnknownRule wraps ErrUnknownRule with the offending identifier.
func UnknownRule(rule string) error {
	return fmt.Errorf("%w: %s", ErrUnknownRule, rule)
}
