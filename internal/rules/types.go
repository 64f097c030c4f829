package rules

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// Integer flags values that are not whole numbers. "40.0" is accepted.
type Integer struct{}

func (Integer) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	return scan(ctx, env, column, params, domain.SeverityError, "are not integers", func(value string) bool {
		return !isInteger(value)
	})
}

// Float flags values that are not finite numbers.
type Float struct{}

func (Float) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	return scan(ctx, env, column, params, domain.SeverityError, "are not numbers", func(value string) bool {
		_, ok := parseNumber(value)
		return !ok
	})
}

// Boolean flags values outside the accepted true/false spellings.
type Boolean struct{}

func (Boolean) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	return scan(ctx, env, column, params, domain.SeverityError, "are not booleans", func(value string) bool {
		return !looksLikeBool(value)
	})
}

// YearFormat flags values that are not four digit years.
type YearFormat struct{}

func (YearFormat) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	return scan(ctx, env, column, params, domain.SeverityError, "are not four digit years", func(value string) bool {
		v := trimmed(value)
		if len(v) != 4 {
			return true
		}
		year, err := strconv.Atoi(v)
		return err != nil || year < 1000
	})
}

// DateFormat flags values that do not parse with the format param. Formats
// may be Go layouts, strftime patterns or YYYY-MM-DD style tokens.
type DateFormat struct{}

func (DateFormat) Check(ctx context.Context, env registry.Env, column string, params registry.Params) (registry.Outcome, error) {
	format, ok := params.String("format")
	if !ok || format == "" {
		format = env.Variable.DateFormat
	}
	layout := goLayout(format)
	return scan(ctx, env, column, params, domain.SeverityError, "do not match date format "+layout, func(value string) bool {
		_, err := time.Parse(layout, trimmed(value))
		return err != nil
	})
}

func isInteger(value string) bool {
	v := trimmed(value)
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return true
	}
	f, ok := parseNumber(v)
	return ok && f == math.Trunc(f)
}

// parseNumber parses finite decimal numbers. NaN and infinities are rejected.
func parseNumber(value string) (float64, bool) {
	f, err := strconv.ParseFloat(trimmed(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func looksLikeBool(value string) bool {
	switch strings.ToLower(trimmed(value)) {
	case "true", "false", "t", "f", "yes", "no", "y", "n", "1", "0":
		return true
	}
	return false
}

var strftime = strings.NewReplacer(
	"%Y", "2006",
	"%y", "06",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
	"%b", "Jan",
	"%B", "January",
	"%%", "%",
)

var tokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
)

func goLayout(format string) string {
	switch {
	case format == "":
		return "2006-01-02"
	case strings.Contains(format, "%"):
		return strftime.Replace(format)
	case strings.Contains(format, "YY") || strings.Contains(format, "DD"):
		return tokens.Replace(format)
	default:
		return format
	}
}
