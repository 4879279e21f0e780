package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DataContext is the flat answer/variable store a condition tree is evaluated
// against. Values are whatever the form runner collected: JSON scalars,
// arrays, or nil. A missing key behaves like an absent answer.
type DataContext map[string]any

// Group operators.
const (
	GroupAnd = "AND"
	GroupOr  = "OR"
)

// Condition operators (closed set).
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
	OpIncludes       = "includes"
	OpIsTrue         = "is_true"
	OpIsFalse        = "is_false"
)

// Value types for a condition's right-hand side.
const (
	ValueConstant = "constant"
	ValueVariable = "variable"
)

// Expression is either a single Condition or a ConditionGroup.
// Authored trees are persisted as JSON without an explicit type tag; the
// shape is recovered on decode (a "conditions" key means group).
type Expression interface {
	expressionNode()
}

// Condition is a single comparison between a context variable and a constant
// or another context variable (when ValueType is "variable").
type Condition struct {
	Variable  string `json:"variable"`
	Operator  string `json:"operator"`
	Value     any    `json:"value,omitempty"`
	ValueType string `json:"valueType,omitempty"`
}

func (Condition) expressionNode() {}

// IsVariableRef reports whether Value names another context variable.
func (c Condition) IsVariableRef() bool {
	return c.ValueType == ValueVariable
}

// ConditionGroup combines child expressions with AND/OR. Groups nest
// arbitrarily. An empty group is vacuously true.
type ConditionGroup struct {
	Operator   string
	Conditions []Expression
}

func (*ConditionGroup) expressionNode() {}

func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	var aux struct {
		Operator   string            `json:"operator"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	g.Operator = aux.Operator
	g.Conditions = nil
	for i, raw := range aux.Conditions {
		child, err := DecodeExpression(raw)
		if err != nil {
			return fmt.Errorf("condition group child %d: %w", i, err)
		}
		g.Conditions = append(g.Conditions, child)
	}
	return nil
}

func (g ConditionGroup) MarshalJSON() ([]byte, error) {
	conditions := g.Conditions
	if conditions == nil {
		conditions = []Expression{}
	}
	return json.Marshal(struct {
		Operator   string       `json:"operator"`
		Conditions []Expression `json:"conditions"`
	}{g.Operator, conditions})
}

// DecodeExpression recovers the condition/group shape from persisted JSON.
// A node carrying a "conditions" key is a group; anything else is treated
// as a leaf condition.
func DecodeExpression(raw []byte) (Expression, error) {
	var probe struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	if probe.Conditions != nil {
		var g ConditionGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, err
		}
		return &g, nil
	}
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return c, nil
}

// Tree wraps an expression so it can sit directly in a struct field and
// survive a JSON round trip in the exact shape the authoring surface wrote.
// A nil *Tree (absent condition) means always visible.
type Tree struct {
	Root Expression
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Root = nil
		return nil
	}
	root, err := DecodeExpression(data)
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}

func (t Tree) MarshalJSON() ([]byte, error) {
	if t.Root == nil {
		return []byte("null"), nil
	}
	return json.Marshal(t.Root)
}

// ParseTree decodes a persisted condition tree. Empty input yields a nil
// tree (always visible).
func ParseTree(raw []byte) (*Tree, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var t Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if t.Root == nil {
		return nil, nil
	}
	return &t, nil
}
