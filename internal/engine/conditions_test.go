package engine

import (
	"testing"

	"formflow-backend/internal/metadata"
)

func cond(variable, op string, value any) metadata.Condition {
	return metadata.Condition{Variable: variable, Operator: op, Value: value}
}

func tree(root metadata.Expression) *metadata.Tree {
	return &metadata.Tree{Root: root}
}

func TestEvaluateNilTreeVisible(t *testing.T) {
	if !EvaluateConditions(nil, metadata.DataContext{}) {
		t.Error("nil tree should be visible")
	}
	if !EvaluateConditions(&metadata.Tree{}, metadata.DataContext{}) {
		t.Error("tree with nil root should be visible")
	}
}

func TestEvaluateEquals(t *testing.T) {
	data := metadata.DataContext{"country": "US", "age": float64(21)}

	if !EvaluateConditions(tree(cond("country", metadata.OpEquals, "US")), data) {
		t.Error("US equals US")
	}
	if EvaluateConditions(tree(cond("country", metadata.OpEquals, "DE")), data) {
		t.Error("US does not equal DE")
	}
	// Case-insensitive string comparison
	if !EvaluateConditions(tree(cond("country", metadata.OpEquals, "us")), data) {
		t.Error("equals should be case-insensitive")
	}
	// Numeric coercion: "21" == 21
	if !EvaluateConditions(tree(cond("age", metadata.OpEquals, "21")), data) {
		t.Error("numeric string should compare equal to number")
	}
}

func TestEvaluateNotEquals(t *testing.T) {
	data := metadata.DataContext{"plan": "free"}
	if !EvaluateConditions(tree(cond("plan", metadata.OpNotEquals, "pro")), data) {
		t.Error("free != pro")
	}
	if EvaluateConditions(tree(cond("plan", metadata.OpNotEquals, "FREE")), data) {
		t.Error("not_equals is case-insensitive too")
	}
}

func TestEvaluateNumericComparisons(t *testing.T) {
	data := metadata.DataContext{"age": float64(18), "score": "7.5"}

	if !EvaluateConditions(tree(cond("age", metadata.OpGreaterOrEqual, float64(18))), data) {
		t.Error("18 >= 18")
	}
	if EvaluateConditions(tree(cond("age", metadata.OpGreaterThan, float64(18))), data) {
		t.Error("18 is not > 18")
	}
	if !EvaluateConditions(tree(cond("score", metadata.OpLessThan, float64(10))), data) {
		t.Error("numeric string 7.5 < 10")
	}
	// Non-numeric operand: ordered comparison is false, not an error
	if EvaluateConditions(tree(cond("age", metadata.OpGreaterThan, "abc")), data) {
		t.Error("comparison against non-number should be false")
	}
	// Missing variable: false for ordered comparisons
	if EvaluateConditions(tree(cond("missing", metadata.OpLessThan, float64(5))), metadata.DataContext{}) {
		t.Error("missing variable cannot satisfy an ordered comparison")
	}
}

func TestEvaluateContains(t *testing.T) {
	data := metadata.DataContext{
		"tags":    []any{"urgent", "billing"},
		"comment": "please call me back",
	}

	if !EvaluateConditions(tree(cond("tags", metadata.OpContains, "urgent")), data) {
		t.Error("array contains member")
	}
	if EvaluateConditions(tree(cond("tags", metadata.OpContains, "legal")), data) {
		t.Error("array does not contain legal")
	}
	if !EvaluateConditions(tree(cond("comment", metadata.OpContains, "CALL")), data) {
		t.Error("substring match is case-insensitive")
	}
	if !EvaluateConditions(tree(cond("tags", metadata.OpNotContains, "legal")), data) {
		t.Error("not_contains negates")
	}
	// Empty haystack never contains a non-empty needle
	if EvaluateConditions(tree(cond("absent", metadata.OpContains, "x")), data) {
		t.Error("missing value contains nothing")
	}
}

func TestEvaluateIncludes(t *testing.T) {
	data := metadata.DataContext{
		"channels": []string{"email", "sms"},
		"channel":  "email",
	}
	if !EvaluateConditions(tree(cond("channels", metadata.OpIncludes, "sms")), data) {
		t.Error("includes finds member")
	}
	if EvaluateConditions(tree(cond("channels", metadata.OpIncludes, "fax")), data) {
		t.Error("fax not included")
	}
	// Scalar answer degrades to equality
	if !EvaluateConditions(tree(cond("channel", metadata.OpIncludes, "email")), data) {
		t.Error("scalar includes compares directly")
	}
	if EvaluateConditions(tree(cond("missing", metadata.OpIncludes, "email")), data) {
		t.Error("missing value includes nothing")
	}
}

func TestEvaluateIsEmpty(t *testing.T) {
	data := metadata.DataContext{
		"blank":  "   ",
		"filled": "x",
		"list":   []any{},
		"zero":   float64(0),
	}

	if !EvaluateConditions(tree(cond("missing", metadata.OpIsEmpty, nil)), data) {
		t.Error("missing is empty")
	}
	if !EvaluateConditions(tree(cond("blank", metadata.OpIsEmpty, nil)), data) {
		t.Error("whitespace-only string is empty")
	}
	if !EvaluateConditions(tree(cond("list", metadata.OpIsEmpty, nil)), data) {
		t.Error("empty array is empty")
	}
	if EvaluateConditions(tree(cond("filled", metadata.OpIsEmpty, nil)), data) {
		t.Error("filled string is not empty")
	}
	// Zero is an answer, not an absence
	if EvaluateConditions(tree(cond("zero", metadata.OpIsEmpty, nil)), data) {
		t.Error("numeric zero is not empty")
	}
	if !EvaluateConditions(tree(cond("filled", metadata.OpIsNotEmpty, nil)), data) {
		t.Error("is_not_empty negates")
	}
}

func TestEvaluateBooleanOperators(t *testing.T) {
	data := metadata.DataContext{
		"agreed":  true,
		"opt_out": "false",
		"flag":    float64(1),
	}
	if !EvaluateConditions(tree(cond("agreed", metadata.OpIsTrue, nil)), data) {
		t.Error("true is true")
	}
	if !EvaluateConditions(tree(cond("opt_out", metadata.OpIsFalse, nil)), data) {
		t.Error("string false coerces")
	}
	if !EvaluateConditions(tree(cond("flag", metadata.OpIsTrue, nil)), data) {
		t.Error("numeric 1 coerces to true")
	}
}

func TestEvaluateBooleanNonCoercibleWarns(t *testing.T) {
	data := metadata.DataContext{"notes": "hello"}
	visible, warnings := EvaluateConditionsWithWarnings(tree(cond("notes", metadata.OpIsTrue, nil)), data)
	if !visible {
		t.Error("non-coercible value fails open to visible")
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
	if warnings[0].Variable != "notes" {
		t.Errorf("warning should name the variable: %+v", warnings[0])
	}
}

func TestEvaluateVariableRef(t *testing.T) {
	data := metadata.DataContext{"email": "a@b.com", "confirm": "a@b.com"}
	c := metadata.Condition{
		Variable:  "confirm",
		Operator:  metadata.OpEquals,
		Value:     "email",
		ValueType: metadata.ValueVariable,
	}
	if !EvaluateConditions(tree(c), data) {
		t.Error("variable ref should compare against the other answer")
	}

	// Cross-field equality is case-insensitive like direct equality
	data["confirm"] = "A@B.com"
	if !EvaluateConditions(tree(c), data) {
		t.Error("variable ref comparison should be case-insensitive")
	}

	data["confirm"] = "other@b.com"
	if EvaluateConditions(tree(c), data) {
		t.Error("mismatched confirmation should be false")
	}
}

func TestEvaluateGroupAnd(t *testing.T) {
	data := metadata.DataContext{"a": "1", "b": "2"}
	g := &metadata.ConditionGroup{
		Operator: metadata.GroupAnd,
		Conditions: []metadata.Expression{
			cond("a", metadata.OpEquals, "1"),
			cond("b", metadata.OpEquals, "2"),
		},
	}
	if !EvaluateConditions(tree(g), data) {
		t.Error("AND with all true children is true")
	}

	g.Conditions = append(g.Conditions, cond("a", metadata.OpEquals, "wrong"))
	if EvaluateConditions(tree(g), data) {
		t.Error("AND with one false child is false")
	}
}

func TestEvaluateGroupOr(t *testing.T) {
	data := metadata.DataContext{"a": "1"}
	g := &metadata.ConditionGroup{
		Operator: metadata.GroupOr,
		Conditions: []metadata.Expression{
			cond("a", metadata.OpEquals, "nope"),
			cond("a", metadata.OpEquals, "1"),
		},
	}
	if !EvaluateConditions(tree(g), data) {
		t.Error("OR with one true child is true")
	}

	g.Conditions = g.Conditions[:1]
	if EvaluateConditions(tree(g), data) {
		t.Error("OR with all false children is false")
	}
}

func TestEvaluateEmptyGroupTrue(t *testing.T) {
	g := &metadata.ConditionGroup{Operator: metadata.GroupAnd}
	if !EvaluateConditions(tree(g), metadata.DataContext{}) {
		t.Error("empty group is vacuously true")
	}
}

func TestEvaluateGroupCollectsAllWarnings(t *testing.T) {
	// AND keeps evaluating after a false child so every bad node warns.
	g := &metadata.ConditionGroup{
		Operator: metadata.GroupAnd,
		Conditions: []metadata.Expression{
			cond("a", metadata.OpEquals, "nope"),
			cond("b", "bogus_op", "x"),
			cond("c", "another_bogus", "y"),
		},
	}
	visible, warnings := EvaluateConditionsWithWarnings(tree(g), metadata.DataContext{"a": "1"})
	if visible {
		t.Error("false child still makes the AND false")
	}
	if len(warnings) != 2 {
		t.Errorf("expected warnings from both bogus operators, got %d", len(warnings))
	}
}

func TestEvaluateUnknownOperatorFailsOpen(t *testing.T) {
	visible, warnings := EvaluateConditionsWithWarnings(tree(cond("a", "frobnicate", "x")), metadata.DataContext{})
	if !visible {
		t.Error("unknown operator fails open")
	}
	if len(warnings) != 1 || warnings[0].Operator != "frobnicate" {
		t.Errorf("expected operator warning, got %+v", warnings)
	}
}

func TestEvaluateUnknownGroupOperatorFailsOpen(t *testing.T) {
	g := &metadata.ConditionGroup{
		Operator:   "XOR",
		Conditions: []metadata.Expression{cond("a", metadata.OpEquals, "1")},
	}
	visible, warnings := EvaluateConditionsWithWarnings(tree(g), metadata.DataContext{})
	if !visible {
		t.Error("unknown group operator fails open")
	}
	if len(warnings) != 1 {
		t.Errorf("expected one warning, got %+v", warnings)
	}
}

func TestEvaluateMissingComparisonValueFailsOpen(t *testing.T) {
	visible, warnings := EvaluateConditionsWithWarnings(
		tree(metadata.Condition{Variable: "a", Operator: metadata.OpEquals}),
		metadata.DataContext{"a": "1"})
	if !visible {
		t.Error("equals without a value fails open")
	}
	if len(warnings) != 1 {
		t.Errorf("expected one warning, got %+v", warnings)
	}
}

func TestEvaluateNeverPanics(t *testing.T) {
	weird := []metadata.DataContext{
		nil,
		{"x": map[string]any{"nested": []any{1, "two", nil}}},
		{"x": make(chan int)},
	}
	exprs := []metadata.Expression{
		cond("x", metadata.OpEquals, map[string]any{"a": 1}),
		cond("x", metadata.OpContains, []any{[]any{}}),
		cond("x", metadata.OpGreaterThan, struct{}{}),
		&metadata.ConditionGroup{Operator: metadata.GroupOr, Conditions: []metadata.Expression{
			cond("x", metadata.OpIncludes, nil),
		}},
	}
	for _, data := range weird {
		for _, e := range exprs {
			// Just exercising: must return without panicking.
			EvaluateConditions(tree(e), data)
		}
	}
}
