package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// NoDuplicates flags every row whose value occurs more than once and
// publishes the column's distinct identifiers for dependent rules. The
// outcome never carries an identifier value.
type NoDuplicates struct{}

func (NoDuplicates) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	cells, err := env.Dataset.Values(ctx, column)
	if err != nil {
		return registry.Outcome{}, err
	}
	counts := make(map[string]int, len(cells))
	for _, cell := range cells {
		if !cell.Empty() {
			counts[cell.Value]++
		}
	}

	var rows []int
	for _, cell := range cells {
		if !cell.Empty() && counts[cell.Value] > 1 {
			rows = append(rows, cell.Row)
		}
	}
	ids := make([]string, 0, len(counts))
	duplicated := 0
	for value, n := range counts {
		ids = append(ids, value)
		if n > 1 {
			duplicated++
		}
	}
	sort.Strings(ids)
	if env.Shared != nil {
		env.Shared.PublishIDs(column, ids)
	}

	out := verdict(env, params, domain.SeverityError, rows, nil, "share a duplicated identifier")
	out.Meta = map[string]any{
		"duplicate_values": duplicated,
		"distinct_values":  len(ids),
	}
	return out, nil
}

// MatchesIDs flags values missing from the identifier list published for the
// column param.
type MatchesIDs struct{}

func (MatchesIDs) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	reference, ok := params.String("column")
	if !ok || reference == "" {
		return registry.Outcome{}, fmt.Errorf("matches_ids needs a column param")
	}
	if env.Shared == nil {
		return registry.Outcome{}, fmt.Errorf("no identifier list published for column %s", reference)
	}
	ids, ok := env.Shared.IDs(reference)
	if !ok {
		return registry.Outcome{}, fmt.Errorf("no identifier list published for column %s", reference)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	out, err := scan(ctx, env, column, params, domain.SeverityError, "do not match a known "+reference, func(value string) bool {
		_, ok := known[value]
		return !ok
	})
	if err != nil {
		return registry.Outcome{}, err
	}
	out.InvalidValue = nil
	out.Meta = map[string]any{"reference_column": reference}
	return out, nil
}

// UniqueCombination flags rows whose tuple over the variable's column and the
// columns param occurs more than once. Rows blank in every column are ignored.
type UniqueCombination struct{}

func (UniqueCombination) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	others, ok := params.Strings("columns")
	if !ok || len(others) == 0 {
		return registry.Outcome{}, fmt.Errorf("unique_combination needs a columns param")
	}
	columns := []string{column}
	for _, other := range others {
		if other != column {
			columns = append(columns, other)
		}
	}

	tuples := make(map[int][]string)
	var order []int
	for i, name := range columns {
		cells, err := env.Dataset.Values(ctx, name)
		if err != nil {
			return registry.Outcome{}, err
		}
		for _, cell := range cells {
			if i == 0 {
				order = append(order, cell.Row)
				tuples[cell.Row] = make([]string, len(columns))
			}
			if tuple, ok := tuples[cell.Row]; ok && !cell.Empty() {
				tuple[i] = cell.Value
			}
		}
	}

	keys := make(map[int]string, len(order))
	counts := make(map[string]int, len(order))
	for _, row := range order {
		tuple := tuples[row]
		if strings.Join(tuple, "") == "" {
			continue
		}
		key := strings.Join(tuple, "\x1f")
		keys[row] = key
		counts[key]++
	}

	var rows []int
	duplicated := 0
	for _, row := range order {
		key, ok := keys[row]
		if ok && counts[key] > 1 {
			rows = append(rows, row)
		}
	}
	for _, n := range counts {
		if n > 1 {
			duplicated++
		}
	}

	out := verdict(env, params, domain.SeverityError, rows, nil, "repeat a combination of "+strings.Join(columns, ", "))
	out.Meta = map[string]any{"duplicate_combinations": duplicated, "columns": columns}
	return out, nil
}
