package definition

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the declarative definition a submission is validated against.
// JSON documents decode through the same path since JSON is a YAML subset.
type Document struct {
	Variables []VariableSpec `yaml:"variables" validate:"required,min=1,unique=Name,dive"`
}

// VariableSpec declares one column.
type VariableSpec struct {
	Name          string          `yaml:"name" validate:"required"`
	Type          string          `yaml:"type"`
	AllowedValues []string        `yaml:"allowed_values"`
	Sensitive     bool            `yaml:"sensitive"`
	Optional      bool            `yaml:"optional"`
	DateFormat    string          `yaml:"date_format"`
	Description   string          `yaml:"description"`
	Validators    []ValidatorSpec `yaml:"validators" validate:"dive"`
}

// ValidatorSpec is an explicit rule reference. It may be written as a bare
// rule name or as a mapping with name and params.
type ValidatorSpec struct {
	Name   string         `yaml:"name" validate:"required"`
	Params map[string]any `yaml:"params"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (v *ValidatorSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Name = node.Value
		return nil
	}
	type plain ValidatorSpec
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return fmt.Errorf("invalid validator at line %d: %w", node.Line, err)
	}
	*v = ValidatorSpec(decoded)
	return nil
}
