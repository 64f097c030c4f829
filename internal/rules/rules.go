package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// Default returns a registry holding every built-in rule.
func Default() *registry.Registry {
	reg, err := registry.New(Entries()...)
	if err != nil {
		panic(fmt.Sprintf("rules: invalid built-in registry: %v", err))
	}
	return reg
}

// Entries lists the built-in rules.
func Entries() []registry.Entry {
	return []registry.Entry{
		{Name: "required", Validator: Required{}, ParallelSafe: true, Enabled: true, Priority: 5},
		{Name: "required_when", Validator: RequiredWhen{}, ParallelSafe: true, Enabled: true},
		{Name: "integer", Validator: Integer{}, ParallelSafe: true, Enabled: true},
		{Name: "float", Validator: Float{}, ParallelSafe: true, Enabled: true},
		{Name: "boolean", Validator: Boolean{}, ParallelSafe: true, Enabled: true},
		{Name: "year_format", Validator: YearFormat{}, ParallelSafe: true, Enabled: true},
		{Name: "date_format", Validator: DateFormat{}, ParallelSafe: true, Enabled: true},
		{Name: "allowed_values", Validator: AllowedValues{}, ParallelSafe: true, Enabled: true},
		{Name: "range", Validator: Range{}, ParallelSafe: true, Enabled: true},
		{Name: "regex", Validator: NewRegex(), ParallelSafe: true, Enabled: true, DefaultSeverity: domain.SeverityWarning},
		{Name: "max_length", Validator: MaxLength{}, ParallelSafe: true, Enabled: true, DefaultSeverity: domain.SeverityWarning},
		{Name: "no_duplicates", Validator: NoDuplicates{}, ParallelSafe: true, Enabled: true, Priority: 10},
		{
			Name:         "matches_ids",
			Validator:    MatchesIDs{},
			ParallelSafe: false,
			Dependencies: []string{"no_duplicates"},
			Enabled:      true,
		},
		{
			Name:         "unique_combination",
			Validator:    UniqueCombination{},
			ParallelSafe: false,
			Dependencies: []string{"no_duplicates"},
			Enabled:      true,
		},
		{Name: "expression", Validator: NewExpression(), ParallelSafe: true, Enabled: true, DefaultSeverity: domain.SeverityWarning},
	}
}

// scan applies bad to every non-blank cell of column and builds the outcome.
// The first offending value is reported as the invalid value.
func scan(
	ctx context.Context,
	env registry.Env,
	column string,
	params registry.Params,
	def domain.Severity,
	describe string,
	bad func(value string) bool,
) (registry.Outcome, error) {
	cells, err := env.Dataset.Values(ctx, column)
	if err != nil {
		return registry.Outcome{}, err
	}
	var rows []int
	var first *string
	for _, cell := range cells {
		if cell.Empty() {
			continue
		}
		if bad(cell.Value) {
			if first == nil {
				value := cell.Value
				first = &value
			}
			rows = append(rows, cell.Row)
		}
	}
	return verdict(env, params, def, rows, first, describe), nil
}

// verdict renders affected rows into an outcome.
func verdict(env registry.Env, params registry.Params, def domain.Severity, rows []int, invalid *string, describe string) registry.Outcome {
	out := registry.Outcome{
		Passed:       len(rows) == 0,
		Severity:     params.Severity(def),
		AffectedRows: len(rows),
		RowNumbers:   env.CapRows(rows),
	}
	if out.Passed {
		out.Message = "all values passed"
		return out
	}
	out.InvalidValue = invalid
	noun := "values"
	if len(rows) == 1 {
		noun = "value"
	}
	out.Message = fmt.Sprintf("%d %s %s", len(rows), noun, describe)
	return out
}

func valueMap(cells []dataset.Cell) map[int]dataset.Cell {
	byRow := make(map[int]dataset.Cell, len(cells))
	for _, cell := range cells {
		byRow[cell.Row] = cell
	}
	return byRow
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}
