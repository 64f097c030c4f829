package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rpattn/datacheck/internal/domain"
)

var (
	// ErrInvalidDefinition wraps structural problems in a definition document.
	ErrInvalidDefinition = errors.New("invalid definition")
	// ErrUnknownType is returned for undeclared types when strict typing is on.
	ErrUnknownType = errors.New("unknown variable type")
)

// Rules implied by a declared type.
var typeRules = map[domain.FieldType]string{
	domain.FieldTypeID:      "no_duplicates",
	domain.FieldTypeEnum:    "allowed_values",
	domain.FieldTypeBoolean: "boolean",
	domain.FieldTypeDate:    "date_format",
	domain.FieldTypeYear:    "year_format",
	domain.FieldTypeInteger: "integer",
	domain.FieldTypeFloat:   "float",
}

// Processor turns definition documents into execution plans. It performs no
// dataset I/O.
type Processor struct {
	strictTypes bool
	logger      *slog.Logger
	validate    *validator.Validate
}

// Option configures a Processor.
type Option func(*Processor)

// WithStrictTypes makes unknown variable types a load error instead of a
// logged warning.
func WithStrictTypes() Option {
	return func(p *Processor) { p.strictTypes = true }
}

// WithLogger overrides the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a definition processor.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		logger:   slog.Default(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile reads and plans the definition at path.
func (p *Processor) ParseFile(path string) (domain.ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("failed to read definition: %w", err)
	}
	return p.Parse(data)
}

// ParseReader reads and plans a definition from r.
func (p *Processor) ParseReader(r io.Reader) (domain.ExecutionPlan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("failed to read definition: %w", err)
	}
	return p.Parse(data)
}

// Parse decodes a YAML or JSON definition and plans it.
func (p *Processor) Parse(data []byte) (domain.ExecutionPlan, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ExecutionPlan{}, fmt.Errorf("%w: document is empty", ErrInvalidDefinition)
		}
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return p.Plan(doc)
}

// Plan converts a decoded document into an execution plan. For every variable
// the rules are merged in order: the type-implied rule, an implied required
// check, then the explicit validators. Duplicate (rule, params) pairs are
// dropped.
func (p *Processor) Plan(doc Document) (domain.ExecutionPlan, error) {
	doc = normalize(doc)
	if err := p.validate.Struct(doc); err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %s", ErrInvalidDefinition, describe(err))
	}

	plan := domain.ExecutionPlan{Variables: make([]domain.PlannedVariable, 0, len(doc.Variables))}
	for _, spec := range doc.Variables {
		variable, err := p.planVariable(spec)
		if err != nil {
			return domain.ExecutionPlan{}, err
		}
		plan.Variables = append(plan.Variables, variable)
	}
	return plan, nil
}

func (p *Processor) planVariable(spec VariableSpec) (domain.PlannedVariable, error) {
	fieldType, known := domain.ParseFieldType(spec.Type)
	if !known {
		if p.strictTypes {
			return domain.PlannedVariable{}, fmt.Errorf("%w: %q on variable %s", ErrUnknownType, spec.Type, spec.Name)
		}
		p.logger.Warn("unknown variable type, type check omitted",
			slog.String("variable", spec.Name),
			slog.String("type", spec.Type),
		)
	}
	if fieldType == domain.FieldTypeEnum && len(spec.AllowedValues) == 0 {
		return domain.PlannedVariable{}, fmt.Errorf("%w: enum variable %s declares no allowed_values", ErrInvalidDefinition, spec.Name)
	}

	variable := domain.PlannedVariable{
		Name:          spec.Name,
		Type:          fieldType,
		Sensitive:     spec.Sensitive,
		Optional:      spec.Optional,
		AllowedValues: spec.AllowedValues,
		DateFormat:    spec.DateFormat,
	}

	var candidates []domain.RuleInvocation
	if rule, ok := typeRules[fieldType]; ok && known {
		inv := domain.RuleInvocation{Rule: rule, Params: map[string]any{}}
		if fieldType == domain.FieldTypeDate && spec.DateFormat != "" {
			inv.Params["format"] = spec.DateFormat
		}
		candidates = append(candidates, inv)
	}

	explicit := make([]domain.RuleInvocation, 0, len(spec.Validators))
	declaresRequired := false
	for _, v := range spec.Validators {
		inv := domain.RuleInvocation{Rule: v.Name, Params: v.Params}
		if inv.Params == nil {
			inv.Params = map[string]any{}
		}
		if inv.Rule == "required" || inv.Rule == "required_when" {
			declaresRequired = true
		}
		explicit = append(explicit, inv)
	}
	if !spec.Optional && !declaresRequired {
		candidates = append(candidates, domain.RuleInvocation{Rule: "required", Params: map[string]any{}})
	}
	candidates = append(candidates, explicit...)

	seen := make(map[string]struct{}, len(candidates))
	for _, inv := range candidates {
		key := inv.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		variable.Rules = append(variable.Rules, inv)
	}
	return variable, nil
}

func normalize(doc Document) Document {
	out := Document{Variables: make([]VariableSpec, len(doc.Variables))}
	for i, spec := range doc.Variables {
		spec.Name = strings.TrimSpace(spec.Name)
		spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
		if spec.Type == "" {
			spec.Type = string(domain.FieldTypeString)
		}
		validators := make([]ValidatorSpec, len(spec.Validators))
		for j, v := range spec.Validators {
			v.Name = strings.ToLower(strings.TrimSpace(v.Name))
			validators[j] = v
		}
		spec.Validators = validators
		out.Variables[i] = spec
	}
	return out
}

func describe(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		messages = append(messages, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(messages, "; ")
}
