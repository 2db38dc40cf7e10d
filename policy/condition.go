package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/argus/types"
)

// Condition is a node of a logical condition tree. The set of variants is
// closed: AllCondition, AnyCondition, NotCondition and FieldCondition.
type Condition interface {
	condition()
}

// AllCondition matches when every child matches.
type AllCondition struct {
	Conditions []Condition
}

// AnyCondition matches when at least one child matches.
type AnyCondition struct {
	Conditions []Condition
}

// NotCondition negates its child.
type NotCondition struct {
	Condition Condition
}

// FieldCondition compares the value at a dot path with an operand.
type FieldCondition struct {
	Field    string
	Operator types.Operator
	Value    types.Value
}

func (AllCondition) condition()   {}
func (AnyCondition) condition()   {}
func (NotCondition) condition()   {}
func (FieldCondition) condition() {}

// All, Any, Not and Field build trees in code.
func All(cs ...Condition) Condition { return AllCondition{Conditions: cs} }
func Any(cs ...Condition) Condition { return AnyCondition{Conditions: cs} }
func Not(c Condition) Condition     { return NotCondition{Condition: c} }

func Field(path string, op types.Operator, value types.Value) Condition {
	return FieldCondition{Field: path, Operator: op, Value: value}
}

// ConditionDoc is the serialized tagged-union form of a condition. Exactly
// one member must be set.
type ConditionDoc struct {
	All   []ConditionDoc `yaml:"all,omitempty" json:"all,omitempty"`
	Any   []ConditionDoc `yaml:"any,omitempty" json:"any,omitempty"`
	Not   *ConditionDoc  `yaml:"not,omitempty" json:"not,omitempty"`
	Field *FieldDoc      `yaml:"field,omitempty" json:"field,omitempty"`
}

// FieldDoc is the serialized leaf.
type FieldDoc struct {
	Field    string       `yaml:"field" json:"field"`
	Operator string       `yaml:"operator" json:"operator"`
	Value    *types.Value `yaml:"value,omitempty" json:"value,omitempty"`
}

// Build converts the document into a validated condition tree. path locates
// the node in error messages.
func (d *ConditionDoc) Build(path string) (Condition, error) {
	set := 0
	if d.All != nil {
		set++
	}
	if d.Any != nil {
		set++
	}
	if d.Not != nil {
		set++
	}
	if d.Field != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%s: exactly one of all, any, not, field must be set (got %d)", path, set)
	}

	switch {
	case d.All != nil:
		children, err := buildChildren(path+".all", d.All)
		if err != nil {
			return nil, err
		}
		return AllCondition{Conditions: children}, nil
	case d.Any != nil:
		children, err := buildChildren(path+".any", d.Any)
		if err != nil {
			return nil, err
		}
		return AnyCondition{Conditions: children}, nil
	case d.Not != nil:
		child, err := d.Not.Build(path + ".not")
		if err != nil {
			return nil, err
		}
		return NotCondition{Condition: child}, nil
	default:
		return d.Field.build(path + ".field")
	}
}

func buildChildren(path string, docs []ConditionDoc) ([]Condition, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s: at least one condition is required", path)
	}
	out := make([]Condition, 0, len(docs))
	for i := range docs {
		c, err := docs[i].Build(fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *FieldDoc) build(path string) (Condition, error) {
	fc := FieldCondition{
		Field:    strings.TrimSpace(f.Field),
		Operator: types.Operator(strings.ToLower(strings.TrimSpace(f.Operator))),
	}
	if f.Value != nil {
		fc.Value = *f.Value
	}
	if err := validateField(fc, f.Value != nil && !f.Value.IsNull()); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

func validateField(fc FieldCondition, hasValue bool) error {
	if fc.Field == "" {
		return fmt.Errorf("field path is required")
	}
	for _, seg := range strings.Split(fc.Field, ".") {
		if seg == "" {
			return fmt.Errorf("field path %q has an empty segment", fc.Field)
		}
	}
	if !fc.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", fc.Operator)
	}
	if fc.Operator.TakesNoValue() {
		if hasValue {
			return fmt.Errorf("operator %s takes no value", fc.Operator)
		}
		return nil
	}
	if !hasValue {
		return fmt.Errorf("operator %s requires a value", fc.Operator)
	}
	if fc.Operator.RequiresList() {
		if _, ok := fc.Value.Items(); !ok {
			return fmt.Errorf("operator %s requires a list value, got %s", fc.Operator, fc.Value.Kind())
		}
	}
	if fc.Operator == types.OpRegex {
		pattern, ok := fc.Value.Str()
		if !ok {
			return fmt.Errorf("operator regex requires a string pattern")
		}
		if _, err := types.CompileRegex(pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
	}
	return nil
}

// ValidateCondition checks a tree built in code with the same rules applied
// to decoded documents.
func ValidateCondition(c Condition) error {
	return validateTree("condition", c)
}

func validateTree(path string, c Condition) error {
	switch n := c.(type) {
	case AllCondition:
		return validateList(path+".all", n.Conditions)
	case AnyCondition:
		return validateList(path+".any", n.Conditions)
	case NotCondition:
		if n.Condition == nil {
			return fmt.Errorf("%s.not: condition is required", path)
		}
		return validateTree(path+".not", n.Condition)
	case FieldCondition:
		if err := validateField(n, !n.Value.IsNull()); err != nil {
			return fmt.Errorf("%s.field: %w", path, err)
		}
		return nil
	case nil:
		return fmt.Errorf("%s: condition is required", path)
	default:
		return fmt.Errorf("%s: unsupported condition %T", path, c)
	}
}

func validateList(path string, cs []Condition) error {
	if len(cs) == 0 {
		return fmt.Errorf("%s: at least one condition is required", path)
	}
	for i, c := range cs {
		if err := validateTree(fmt.Sprintf("%s[%d]", path, i), c); err != nil {
			return err
		}
	}
	return nil
}

// DocOf converts a condition tree back into its document form.
func DocOf(c Condition) ConditionDoc {
	switch n := c.(type) {
	case AllCondition:
		return ConditionDoc{All: docsOf(n.Conditions)}
	case AnyCondition:
		return ConditionDoc{Any: docsOf(n.Conditions)}
	case NotCondition:
		inner := DocOf(n.Condition)
		return ConditionDoc{Not: &inner}
	case FieldCondition:
		fd := &FieldDoc{Field: n.Field, Operator: string(n.Operator)}
		if !n.Operator.TakesNoValue() {
			v := n.Value
			fd.Value = &v
		}
		return ConditionDoc{Field: fd}
	}
	return ConditionDoc{}
}

func docsOf(cs []Condition) []ConditionDoc {
	out := make([]ConditionDoc, len(cs))
	for i, c := range cs {
		out[i] = DocOf(c)
	}
	return out
}

// ParseCondition decodes a YAML or JSON condition document.
func ParseCondition(data []byte) (Condition, error) {
	var doc ConditionDoc
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode condition: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return doc.Build("condition")
}
