package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// expressionCostLimit bounds the evaluation cost of one CEL program run.
const expressionCostLimit = 100000

// Expression evaluates a CEL predicate per value. The program sees the cell as
// the string variable value and its row number as row. A false result or an
// evaluation error marks the row.
type Expression struct {
	once    sync.Once
	env     *cel.Env
	envErr  error
	mu      sync.RWMutex
	program map[string]cel.Program
}

// NewExpression creates the expression validator.
func NewExpression() *Expression {
	return &Expression{program: make(map[string]cel.Program)}
}

func (e *Expression) compile(expr string) (cel.Program, error) {
	e.once.Do(func() {
		e.env, e.envErr = cel.NewEnv(
			cel.Variable("value", cel.StringType),
			cel.Variable("row", cel.IntType),
		)
	})
	if e.envErr != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", e.envErr)
	}

	e.mu.RLock()
	prog, ok := e.program[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.program[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *Expression) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	expr, ok := params.String("expr")
	if !ok || expr == "" {
		return registry.Outcome{}, fmt.Errorf("expression needs an expr param")
	}
	prog, err := e.compile(expr)
	if err != nil {
		return registry.Outcome{}, err
	}

	cells, err := env.Dataset.Values(ctx, column)
	if err != nil {
		return registry.Outcome{}, err
	}
	var rows []int
	var first *string
	evalErrors := 0
	for _, cell := range cells {
		if cell.Empty() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return registry.Outcome{}, err
		}
		out, _, err := prog.ContextEval(ctx, map[string]any{"value": cell.Value, "row": int64(cell.Row)})
		passed := false
		if err != nil {
			evalErrors++
		} else if b, ok := out.Value().(bool); ok {
			passed = b
		}
		if passed {
			continue
		}
		if first == nil {
			value := cell.Value
			first = &value
		}
		rows = append(rows, cell.Row)
	}

	result := verdict(env, params, domain.SeverityWarning, rows, first, "fail "+expr)
	if evalErrors > 0 {
		result.Meta = map[string]any{"evaluation_errors": evalErrors}
	}
	return result, nil
}
