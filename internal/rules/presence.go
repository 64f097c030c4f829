package rules

import (
	"context"
	"fmt"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// Required flags null and blank cells.
type Required struct{}

func (Required) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	cells, err := env.Dataset.Values(ctx, column)
	if err != nil {
		return registry.Outcome{}, err
	}
	var rows []int
	for _, cell := range cells {
		if cell.Empty() {
			rows = append(rows, cell.Row)
		}
	}
	return verdict(env, params, domain.SeverityError, rows, nil, "missing"), nil
}

// RequiredWhen flags blank cells on rows where another column equals a value.
type RequiredWhen struct{}

func (RequiredWhen) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	other, ok := params.String("column")
	if !ok || other == "" {
		return registry.Outcome{}, fmt.Errorf("required_when needs a column param")
	}
	equals, ok := params.String("equals")
	if !ok {
		return registry.Outcome{}, fmt.Errorf("required_when needs an equals param")
	}

	conditions, err := env.Dataset.Values(ctx, other)
	if err != nil {
		return registry.Outcome{}, err
	}
	cells, err := env.Dataset.Values(ctx, column)
	if err != nil {
		return registry.Outcome{}, err
	}
	byRow := valueMap(cells)

	var rows []int
	for _, cond := range conditions {
		if cond.Null || trimmed(cond.Value) != trimmed(equals) {
			continue
		}
		if cell, ok := byRow[cond.Row]; !ok || cell.Empty() {
			rows = append(rows, cond.Row)
		}
	}
	return verdict(env, params, domain.SeverityError, rows, nil, fmt.Sprintf("missing where %s is %q", other, equals)), nil
}
