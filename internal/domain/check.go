package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a failed check.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity returns the severity for raw, falling back to def.
func ParseSeverity(raw string, def Severity) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	}
	return def
}

// DefaultRowNumberCap bounds the stored row-number list of a check.
const DefaultRowNumberCap = 1000

// Check is one rule's outcome for one variable. Checks are written once.
type Check struct {
	ID               uuid.UUID      `json:"id"`
	RunID            uuid.UUID      `json:"run_id"`
	VariableID       uuid.UUID      `json:"variable_id"`
	Rule             string         `json:"rule"`
	Params           map[string]any `json:"params"`
	Passed           bool           `json:"passed"`
	Severity         Severity       `json:"severity"`
	Message          string         `json:"message"`
	AffectedRowCount int            `json:"affected_row_count"`
	RowNumbers       []int          `json:"row_numbers"`
	InvalidValue     *string        `json:"invalid_value,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// RowNumbersString renders row numbers as a comma separated list.
func (c Check) RowNumbersString() string {
	return FormatRowNumbers(c.RowNumbers)
}

// FormatRowNumbers renders rows as "2,3".
func FormatRowNumbers(rows []int) string {
	if len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(row))
	}
	return b.String()
}

// CapRows returns at most limit rows. A non-positive limit uses the default.
func CapRows(rows []int, limit int) []int {
	if limit <= 0 {
		limit = DefaultRowNumberCap
	}
	if len(rows) <= limit {
		return rows
	}
	capped := make([]int, limit)
	copy(capped, rows[:limit])
	return capped
}

// identifierRules carry identifier values in their raw results and are always
// summarized instead.
var identifierRules = map[string]string{
	"no_duplicates":      "duplicate IDs",
	"matches_ids":        "unmatched IDs",
	"unique_combination": "duplicate ID combinations",
}

// IsIdentifierRule reports whether rule results can reveal identifiers.
func IsIdentifierRule(rule string) bool {
	_, ok := identifierRules[rule]
	return ok
}

// Redacted returns the check as it may be shown or stored. Sensitive columns
// never expose an invalid value and identifier rules render as a count plus
// row summary.
func (c Check) Redacted(sensitive bool) Check {
	noun, identifier := identifierRules[c.Rule]
	if sensitive || identifier {
		c.InvalidValue = nil
	}
	if identifier && !c.Passed {
		c.Message = fmt.Sprintf("%d %s found in rows %s", c.AffectedRowCount, noun, strings.ReplaceAll(FormatRowNumbers(c.RowNumbers), ",", ", "))
		if c.AffectedRowCount > len(c.RowNumbers) {
			c.Message += fmt.Sprintf(" (first %d shown)", len(c.RowNumbers))
		}
	}
	return c
}
