package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// AllowedValues flags values outside the values param, falling back to the
// variable's declared allowed set.
type AllowedValues struct{}

func (AllowedValues) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	values, ok := params.Strings("values")
	if !ok || len(values) == 0 {
		values = env.Variable.AllowedValues
	}
	if len(values) == 0 {
		return registry.Outcome{}, fmt.Errorf("allowed_values has no values for column %s", column)
	}
	allowed := make(map[string]struct{}, len(values))
	for _, v := range values {
		allowed[trimmed(v)] = struct{}{}
	}
	return scan(ctx, env, column, params, domain.SeverityError, "are not allowed", func(value string) bool {
		_, ok := allowed[trimmed(value)]
		return !ok
	})
}

// Range flags numbers outside [min, max]. Non-numeric values are left to the
// type rules.
type Range struct{}

func (Range) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	minimum, hasMin, err := params.Float("min")
	if err != nil {
		return registry.Outcome{}, err
	}
	maximum, hasMax, err := params.Float("max")
	if err != nil {
		return registry.Outcome{}, err
	}
	if !hasMin && !hasMax {
		return registry.Outcome{}, fmt.Errorf("range needs a min or max param")
	}
	describe := fmt.Sprintf("are outside range [%s, %s]", bound(minimum, hasMin), bound(maximum, hasMax))
	return scan(ctx, env, column, params, domain.SeverityError, describe, func(value string) bool {
		f, ok := parseNumber(value)
		if !ok {
			return false
		}
		return (hasMin && f < minimum) || (hasMax && f > maximum)
	})
}

func bound(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}

// Regex flags values not matching the pattern param. Compiled patterns are
// cached per validator.
type Regex struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewRegex creates the regex validator.
func NewRegex() *Regex {
	return &Regex{compiled: make(map[string]*regexp.Regexp)}
}

func (r *Regex) compile(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.compiled[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	r.compiled[pattern] = re
	return re, nil
}

func (r *Regex) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	pattern, ok := params.String("pattern")
	if !ok || pattern == "" {
		return registry.Outcome{}, fmt.Errorf("regex needs a pattern param")
	}
	re, err := r.compile(pattern)
	if err != nil {
		return registry.Outcome{}, err
	}
	return scan(ctx, env, column, params, domain.SeverityWarning, "do not match "+pattern, func(value string) bool {
		return !re.MatchString(value)
	})
}

// MaxLength flags values longer than max characters.
type MaxLength struct{}

func (MaxLength) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	limit, ok, err := params.Int("max")
	if err != nil {
		return registry.Outcome{}, err
	}
	if !ok || limit < 0 {
		return registry.Outcome{}, fmt.Errorf("max_length needs a non-negative max param")
	}
	return scan(ctx, env, column, params, domain.SeverityWarning, fmt.Sprintf("exceed %d characters", limit), func(value string) bool {
		return utf8.RuneCountInString(value) > limit
	})
}
