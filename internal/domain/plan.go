package domain

import (
	"encoding/json"
)

// RuleInvocation is one normalized rule reference with its parameters.
type RuleInvocation struct {
	Rule   string         `json:"rule"`
	Params map[string]any `json:"params"`
}

// Key returns the deduplication key of the invocation: the rule identifier and
// its parameters rendered as canonical JSON (map keys are sorted by the encoder).
func (r RuleInvocation) Key() string {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return r.Rule
	}
	return r.Rule + "|" + string(encoded)
}

// ParamsToJSON marshals the invocation parameters for storage.
func (r RuleInvocation) ParamsToJSON() (json.RawMessage, error) {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(params)
}

// PlannedVariable is the per-column slice of an execution plan.
type PlannedVariable struct {
	Name          string           `json:"name"`
	Type          FieldType        `json:"type"`
	Sensitive     bool             `json:"sensitive"`
	Optional      bool             `json:"optional"`
	AllowedValues []string         `json:"allowed_values,omitempty"`
	DateFormat    string           `json:"date_format,omitempty"`
	Rules         []RuleInvocation `json:"rules"`
}

// HasRule reports whether the variable plans an invocation of rule.
func (v PlannedVariable) HasRule(rule string) bool {
	for _, inv := range v.Rules {
		if inv.Rule == rule {
			return true
		}
	}
	return false
}

// ExecutionPlan is the flattened list of rule invocations derived from a
// definition, in definition order.
type ExecutionPlan struct {
	Variables []PlannedVariable `json:"variables"`
}

// Variable looks up a planned variable by column name.
func (p ExecutionPlan) Variable(name string) (PlannedVariable, bool) {
	for _, v := range p.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return PlannedVariable{}, false
}

// IdentifierColumns lists the columns declared with the id type.
func (p ExecutionPlan) IdentifierColumns() []string {
	var cols []string
	for _, v := range p.Variables {
		if v.Type.IsIdentifier() {
			cols = append(cols, v.Name)
		}
	}
	return cols
}

// SensitiveColumns returns the set of columns flagged as privacy sensitive.
func (p ExecutionPlan) SensitiveColumns() map[string]bool {
	set := make(map[string]bool)
	for _, v := range p.Variables {
		if v.Sensitive {
			set[v.Name] = true
		}
	}
	return set
}

// JobCount is the total number of rule invocations across all variables.
func (p ExecutionPlan) JobCount() int {
	total := 0
	for _, v := range p.Variables {
		total += len(v.Rules)
	}
	return total
}
