package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/datacheck/internal/domain"
)

func noop() Validator {
	return ValidatorFunc(func(context.Context, Env, string, Params) (Outcome, error) {
		return Outcome{Passed: true}, nil
	})
}

func TestRegistryLookup(t *testing.T) {
	reg, err := New(
		Entry{Name: "Required", Validator: noop(), Enabled: true, ParallelSafe: true},
		Entry{Name: "legacy", Validator: noop(), Enabled: false},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, ok := reg.Lookup("required")
	if !ok {
		t.Fatalf("expected required to be registered")
	}
	if entry.DefaultSeverity != domain.SeverityError {
		t.Fatalf("expected default severity error, got %s", entry.DefaultSeverity)
	}
	if _, ok := reg.Lookup("legacy"); ok {
		t.Fatalf("disabled rules must not resolve")
	}
	if got := reg.Rules(); len(got) != 1 || got[0] != "required" {
		t.Fatalf("unexpected rules %v", got)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := New(
		Entry{Name: "regex", Validator: noop(), Enabled: true},
		Entry{Name: "REGEX", Validator: noop(), Enabled: true},
	)
	if err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if !errors.Is(UnknownRule("x"), ErrUnknownRule) {
		t.Fatalf("UnknownRule must wrap ErrUnknownRule")
	}
}

func TestParams(t *testing.T) {
	params := Params{"min": 0, "max": "120", "columns": []any{"a", "b"}, "column": "c", "severity": "Warning"}

	if v, ok, err := params.Float("max"); !ok || err != nil || v != 120 {
		t.Fatalf("unexpected max: %v %v %v", v, ok, err)
	}
	if _, ok, _ := params.Float("missing"); ok {
		t.Fatalf("missing param should not be reported present")
	}
	if _, _, err := (Params{"max": "abc"}).Float("max"); err == nil {
		t.Fatalf("expected error for non-numeric param")
	}
	if got := params.Columns(); len(got) != 3 || got[0] != "c" {
		t.Fatalf("unexpected columns %v", got)
	}
	if got := params.Severity(domain.SeverityError); got != domain.SeverityWarning {
		t.Fatalf("expected severity override, got %s", got)
	}
}

func TestSharedSeedDoesNotOverridePublished(t *testing.T) {
	shared := NewShared()
	shared.PublishIDs("patientId", []string{"A"})
	shared.SeedIDs(map[string][]string{"patientId": {"Z"}, "siteId": {"S1"}})

	ids, _ := shared.IDs("patientId")
	if len(ids) != 1 || ids[0] != "A" {
		t.Fatalf("published ids were overwritten: %v", ids)
	}
	if ids, ok := shared.IDs("siteId"); !ok || ids[0] != "S1" {
		t.Fatalf("expected seeded ids, got %v", ids)
	}
}
