package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

type table map[string][]*string

func (t table) Columns() []string {
	cols := make([]string, 0, len(t))
	for name := range t {
		cols = append(cols, name)
	}
	return cols
}

func (t table) HasColumn(column string) bool {
	_, ok := t[column]
	return ok
}

func (t table) RowCount(context.Context) (int, error) {
	for _, values := range t {
		return len(values), nil
	}
	return 0, nil
}

func (t table) Values(_ context.Context, column string) ([]dataset.Cell, error) {
	values, ok := t[column]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, column)
	}
	cells := make([]dataset.Cell, len(values))
	for i, v := range values {
		cells[i] = dataset.Cell{Row: i + 1}
		if v == nil {
			cells[i].Null = true
			continue
		}
		cells[i].Value = *v
	}
	return cells, nil
}

func (t table) Distinct(ctx context.Context, column string) ([]string, error) {
	return nil, nil
}

func col(values ...any) []*string {
	out := make([]*string, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		s := fmt.Sprint(v)
		out[i] = &s
	}
	return out
}

func envFor(t table) registry.Env {
	return registry.Env{Dataset: t, Shared: registry.NewShared()}
}

func check(t *testing.T, v registry.Validator, env registry.Env, column string, params registry.Params) registry.Outcome {
	t.Helper()
	out, err := v.Check(context.Background(), env, column, params)
	require.NoError(t, err)
	return out
}

func TestAgeScenario(t *testing.T) {
	env := envFor(table{"age": col(10, 200, -3, 40, "NaN")})

	rangeOut := check(t, Range{}, env, "age", registry.Params{"min": 0, "max": 120})
	assert.False(t, rangeOut.Passed)
	assert.Equal(t, domain.SeverityError, rangeOut.Severity)
	assert.Equal(t, 2, rangeOut.AffectedRows)
	assert.Equal(t, "2,3", domain.FormatRowNumbers(rangeOut.RowNumbers))

	intOut := check(t, Integer{}, env, "age", registry.Params{})
	assert.False(t, intOut.Passed)
	assert.Equal(t, []int{5}, intOut.RowNumbers)
	require.NotNil(t, intOut.InvalidValue)
	assert.Equal(t, "NaN", *intOut.InvalidValue)
}

func TestPatientIDScenario(t *testing.T) {
	env := envFor(table{"patientId": col("A", "B", "A", "C")})

	out := check(t, NoDuplicates{}, env, "patientId", registry.Params{})
	assert.False(t, out.Passed)
	assert.Equal(t, "1,3", domain.FormatRowNumbers(out.RowNumbers))
	assert.Nil(t, out.InvalidValue)
	assert.Equal(t, 1, out.Meta["duplicate_values"])

	ids, ok := env.Shared.IDs("patientId")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestMatchesIDsReadsPublishedList(t *testing.T) {
	env := envFor(table{
		"patientId": col("A", "B"),
		"parent":    col("A", "D", nil, "B"),
	})

	_, err := MatchesIDs{}.Check(context.Background(), env, "parent", registry.Params{"column": "patientId"})
	require.Error(t, err, "nothing published yet")

	check(t, NoDuplicates{}, env, "patientId", registry.Params{})
	out := check(t, MatchesIDs{}, env, "parent", registry.Params{"column": "patientId"})
	assert.Equal(t, []int{2}, out.RowNumbers)
	assert.Nil(t, out.InvalidValue)
}

func TestUniqueCombination(t *testing.T) {
	env := envFor(table{
		"site":  col("s1", "s1", "s2", "s1", nil),
		"visit": col(1, 2, 1, 1, nil),
	})

	out := check(t, UniqueCombination{}, env, "site", registry.Params{"columns": []any{"visit"}})
	assert.Equal(t, []int{1, 4}, out.RowNumbers)
	assert.Equal(t, 1, out.Meta["duplicate_combinations"])
}

func TestPresenceRules(t *testing.T) {
	env := envFor(table{
		"arm":   col("treatment", "control", "treatment", "treatment"),
		"visit": col("2024-01-01", nil, " ", "2024-02-01"),
	})

	required := check(t, Required{}, env, "visit", registry.Params{})
	assert.Equal(t, []int{2, 3}, required.RowNumbers)
	assert.Nil(t, required.InvalidValue)

	when := check(t, RequiredWhen{}, env, "visit", registry.Params{"column": "arm", "equals": "treatment"})
	assert.Equal(t, []int{3}, when.RowNumbers)
}

func TestValueRules(t *testing.T) {
	env := envFor(table{
		"arm":  col("control", "placebo", nil),
		"code": col("AB12", "zz", "AB99"),
		"date": col("2024-01-31", "31/01/2024", ""),
		"flag": col("yes", "N", "maybe"),
	})
	env.Variable = domain.PlannedVariable{AllowedValues: []string{"control", "treatment"}}

	allowed := check(t, AllowedValues{}, env, "arm", registry.Params{})
	assert.Equal(t, []int{2}, allowed.RowNumbers)

	regex := check(t, NewRegex(), env, "code", registry.Params{"pattern": "^[A-Z]{2}[0-9]{2}$"})
	assert.Equal(t, domain.SeverityWarning, regex.Severity)
	assert.Equal(t, []int{2}, regex.RowNumbers)

	escalated := check(t, NewRegex(), env, "code", registry.Params{"pattern": "^[A-Z]{2}[0-9]{2}$", "severity": "error"})
	assert.Equal(t, domain.SeverityError, escalated.Severity)

	date := check(t, DateFormat{}, env, "date", registry.Params{"format": "%Y-%m-%d"})
	assert.Equal(t, []int{2}, date.RowNumbers)

	flag := check(t, Boolean{}, env, "flag", registry.Params{})
	assert.Equal(t, []int{3}, flag.RowNumbers)

	length := check(t, MaxLength{}, env, "code", registry.Params{"max": 2})
	assert.Equal(t, []int{1, 3}, length.RowNumbers)
}

func TestExpression(t *testing.T) {
	env := envFor(table{"dose": col("2", "3", "abc", "10")})
	expr := NewExpression()

	out := check(t, expr, env, "dose", registry.Params{"expr": "int(value) % 2 == 0"})
	assert.Equal(t, domain.SeverityWarning, out.Severity)
	assert.Equal(t, []int{2, 3}, out.RowNumbers)
	assert.Equal(t, 1, out.Meta["evaluation_errors"])

	_, err := expr.Check(context.Background(), env, "dose", registry.Params{"expr": "value +"})
	assert.Error(t, err)
	_, err = expr.Check(context.Background(), env, "dose", registry.Params{"expr": "value"})
	assert.Error(t, err, "non-bool expressions are rejected")
}

func TestRowNumberCap(t *testing.T) {
	values := make([]any, 1500)
	env := envFor(table{"x": col(values...)})

	out := check(t, Required{}, env, "x", registry.Params{})
	assert.Equal(t, 1500, out.AffectedRows)
	assert.Len(t, out.RowNumbers, domain.DefaultRowNumberCap)

	env.RowNumberCap = 10
	out = check(t, Required{}, env, "x", registry.Params{})
	assert.Len(t, out.RowNumbers, 10)
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	entry, ok := reg.Lookup("matches_ids")
	require.True(t, ok)
	assert.False(t, entry.ParallelSafe)
	assert.Equal(t, []string{"no_duplicates"}, entry.Dependencies)

	_, ok = reg.Lookup("not_a_rule")
	assert.False(t, ok)
	assert.Len(t, reg.Rules(), len(Entries()))
}
