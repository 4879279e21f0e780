package metadata

import (
	"encoding/json"
	"testing"
)

func TestDecodeExpressionLeaf(t *testing.T) {
	raw := `{"variable": "age", "operator": "greater_than", "value": 18}`
	expr, err := DecodeExpression([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cond, ok := expr.(Condition)
	if !ok {
		t.Fatalf("expected Condition, got %T", expr)
	}
	if cond.Variable != "age" || cond.Operator != OpGreaterThan {
		t.Errorf("unexpected condition: %+v", cond)
	}
	if cond.Value != float64(18) {
		t.Errorf("expected value 18, got %v", cond.Value)
	}
}

func TestDecodeExpressionGroup(t *testing.T) {
	raw := `{
		"operator": "AND",
		"conditions": [
			{"variable": "country", "operator": "equals", "value": "US"},
			{"operator": "OR", "conditions": [
				{"variable": "age", "operator": "greater_or_equal", "value": 18},
				{"variable": "guardian", "operator": "is_not_empty"}
			]}
		]
	}`
	expr, err := DecodeExpression([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	group, ok := expr.(*ConditionGroup)
	if !ok {
		t.Fatalf("expected *ConditionGroup, got %T", expr)
	}
	if group.Operator != GroupAnd {
		t.Errorf("expected AND, got %s", group.Operator)
	}
	if len(group.Conditions) != 2 {
		t.Fatalf("expected 2 children, got %d", len(group.Conditions))
	}
	nested, ok := group.Conditions[1].(*ConditionGroup)
	if !ok {
		t.Fatalf("expected nested group, got %T", group.Conditions[1])
	}
	if nested.Operator != GroupOr || len(nested.Conditions) != 2 {
		t.Errorf("unexpected nested group: %+v", nested)
	}
}

func TestTreeRoundTrip(t *testing.T) {
	raw := `{"operator":"AND","conditions":[{"variable":"plan","operator":"equals","value":"pro"}]}`
	tree, err := ParseTree([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Errorf("round trip mismatch:\n in: %s\nout: %s", raw, out)
	}
}

func TestParseTreeNull(t *testing.T) {
	tree, err := ParseTree([]byte("null"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tree != nil {
		t.Errorf("expected nil tree for null, got %+v", tree)
	}

	tree, err = ParseTree(nil)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if tree != nil {
		t.Errorf("expected nil tree for empty input, got %+v", tree)
	}
}

func TestTreeMarshalNilRoot(t *testing.T) {
	out, err := json.Marshal(Tree{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "null" {
		t.Errorf("expected null, got %s", out)
	}
}

func TestConditionVariableRef(t *testing.T) {
	raw := `{"variable": "confirm_email", "operator": "equals", "value": "email", "valueType": "variable"}`
	expr, err := DecodeExpression([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cond := expr.(Condition)
	if !cond.IsVariableRef() {
		t.Error("expected variable ref")
	}
}

func TestEmptyGroupMarshal(t *testing.T) {
	g := ConditionGroup{Operator: GroupAnd}
	out, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"operator":"AND","conditions":[]}` {
		t.Errorf("unexpected output: %s", out)
	}
}
