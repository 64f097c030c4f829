package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rpattn/datacheck/internal/domain"
)

// Params are the decoded parameters of one rule invocation.
type Params map[string]any

// String returns the string form of key, if present.
func (p Params) String(key string) (string, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// Float returns key as a number. Strings holding numbers are accepted.
func (p Params) Float(key string) (float64, bool, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case uint64:
		return float64(v), true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, true, fmt.Errorf("param %s: %q is not a number", key, v)
		}
		return f, true, nil
	default:
		return 0, true, fmt.Errorf("param %s: unsupported value %T", key, raw)
	}
}

// Int returns key as an integer.
func (p Params) Int(key string) (int, bool, error) {
	f, ok, err := p.Float(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	if f != float64(int(f)) {
		return 0, true, fmt.Errorf("param %s: %v is not an integer", key, f)
	}
	return int(f), true, nil
}

// Strings returns key as a list of strings. A single scalar becomes a one
// element list.
func (p Params) Strings(key string) ([]string, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		s, _ := p.String(key)
		return []string{s}, true
	}
}

// Severity returns the severity override, or def when absent or invalid.
func (p Params) Severity(def domain.Severity) domain.Severity {
	raw, _ := p.String("severity")
	return domain.ParseSeverity(raw, def)
}

// Columns lists the other columns an invocation references through the
// column or columns params.
func (p Params) Columns() []string {
	var cols []string
	if col, ok := p.String("column"); ok && col != "" {
		cols = append(cols, col)
	}
	if list, ok := p.Strings("columns"); ok {
		cols = append(cols, list...)
	}
	return cols
}
