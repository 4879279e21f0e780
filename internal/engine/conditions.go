package engine

import (
	"fmt"
	"strconv"
	"strings"

	"formflow-backend/internal/metadata"
)

// ConditionWarning describes a condition node that could not be evaluated
// as authored (unrecognized operator, wrong-shaped value) and was resolved
// by the fail-open default. Warnings are for auditing only; they never
// change the evaluation result.
type ConditionWarning struct {
	Variable string `json:"variable,omitempty"`
	Operator string `json:"operator,omitempty"`
	Reason   string `json:"reason"`
}

// EvaluateConditions evaluates a condition tree against the current answer
// context and returns whether the guarded content is visible. A nil tree
// means no condition (always visible). The evaluator never panics and never
// returns an error: malformed nodes fail open to visible so authors are not
// locked out of content by a bad condition.
func EvaluateConditions(tree *metadata.Tree, data metadata.DataContext) bool {
	visible, _ := EvaluateConditionsWithWarnings(tree, data)
	return visible
}

// EvaluateConditionsWithWarnings is EvaluateConditions plus the structured
// warnings collected for every node that hit the fail-open path.
func EvaluateConditionsWithWarnings(tree *metadata.Tree, data metadata.DataContext) (result bool, warnings []ConditionWarning) {
	defer func() {
		if r := recover(); r != nil {
			result = true
			warnings = append(warnings, ConditionWarning{
				Reason: fmt.Sprintf("condition evaluation panic: %v", r),
			})
		}
	}()

	if tree == nil || tree.Root == nil {
		return true, nil
	}
	result = evalExpression(tree.Root, data, &warnings)
	return result, warnings
}

func evalExpression(expr metadata.Expression, data metadata.DataContext, warnings *[]ConditionWarning) bool {
	switch node := expr.(type) {
	case metadata.Condition:
		return evalCondition(node, data, warnings)
	case *metadata.ConditionGroup:
		return evalGroup(node, data, warnings)
	default:
		*warnings = append(*warnings, ConditionWarning{
			Reason: fmt.Sprintf("unknown expression node %T", expr),
		})
		return true
	}
}

func evalGroup(g *metadata.ConditionGroup, data metadata.DataContext, warnings *[]ConditionWarning) bool {
	if len(g.Conditions) == 0 {
		return true
	}

	switch g.Operator {
	case metadata.GroupAnd:
		// All children are evaluated even after a false: evaluation is
		// side-effect free and every node's warnings should be collected.
		all := true
		for _, child := range g.Conditions {
			if !evalExpression(child, data, warnings) {
				all = false
			}
		}
		return all
	case metadata.GroupOr:
		any := false
		for _, child := range g.Conditions {
			if evalExpression(child, data, warnings) {
				any = true
			}
		}
		return any
	default:
		*warnings = append(*warnings, ConditionWarning{
			Operator: g.Operator,
			Reason:   "unrecognized group operator",
		})
		return true
	}
}

// operators that need a comparison value on the right-hand side
var valueOperators = map[string]bool{
	metadata.OpEquals:         true,
	metadata.OpNotEquals:      true,
	metadata.OpContains:       true,
	metadata.OpNotContains:    true,
	metadata.OpGreaterThan:    true,
	metadata.OpLessThan:       true,
	metadata.OpGreaterOrEqual: true,
	metadata.OpLessOrEqual:    true,
	metadata.OpIncludes:       true,
}

func evalCondition(c metadata.Condition, data metadata.DataContext, warnings *[]ConditionWarning) bool {
	actual := data[c.Variable]

	expected := c.Value
	if c.IsVariableRef() {
		key, ok := c.Value.(string)
		if !ok {
			*warnings = append(*warnings, ConditionWarning{
				Variable: c.Variable,
				Operator: c.Operator,
				Reason:   "variable-typed value is not a string key",
			})
			return true
		}
		expected = data[key]
	} else if expected == nil && valueOperators[c.Operator] {
		*warnings = append(*warnings, ConditionWarning{
			Variable: c.Variable,
			Operator: c.Operator,
			Reason:   "operator requires a comparison value",
		})
		return true
	}

	switch c.Operator {
	case metadata.OpEquals:
		return looseEquals(actual, expected)
	case metadata.OpNotEquals:
		return !looseEquals(actual, expected)
	case metadata.OpContains:
		return containsValue(actual, expected)
	case metadata.OpNotContains:
		return !containsValue(actual, expected)
	case metadata.OpGreaterThan:
		return compareNumbers(actual, expected, func(a, b float64) bool { return a > b })
	case metadata.OpLessThan:
		return compareNumbers(actual, expected, func(a, b float64) bool { return a < b })
	case metadata.OpGreaterOrEqual:
		return compareNumbers(actual, expected, func(a, b float64) bool { return a >= b })
	case metadata.OpLessOrEqual:
		return compareNumbers(actual, expected, func(a, b float64) bool { return a <= b })
	case metadata.OpIsEmpty:
		return isEmptyValue(actual)
	case metadata.OpIsNotEmpty:
		return !isEmptyValue(actual)
	case metadata.OpIncludes:
		return includesValue(actual, expected)
	case metadata.OpIsTrue:
		return evalTruthy(c, actual, true, warnings)
	case metadata.OpIsFalse:
		return evalTruthy(c, actual, false, warnings)
	default:
		*warnings = append(*warnings, ConditionWarning{
			Variable: c.Variable,
			Operator: c.Operator,
			Reason:   "unrecognized operator",
		})
		return true
	}
}

// looseEquals compares numerically when either side looks numeric,
// otherwise as case-insensitive normalized strings.
func looseEquals(a, b any) bool {
	if numericLooking(a) || numericLooking(b) {
		an, aok := toNumber(a)
		bn, bok := toNumber(b)
		if aok && bok {
			return an == bn
		}
	}
	return strings.EqualFold(normalizeString(a), normalizeString(b))
}

func containsValue(actual, expected any) bool {
	if items, ok := toSlice(actual); ok {
		for _, item := range items {
			if looseEquals(item, expected) {
				return true
			}
		}
		return false
	}
	haystack := strings.ToLower(normalizeString(actual))
	needle := strings.ToLower(normalizeString(expected))
	if haystack == "" && needle != "" {
		return false
	}
	return strings.Contains(haystack, needle)
}

// includesValue is array membership; a scalar context value is treated as a
// single-element comparison.
func includesValue(actual, expected any) bool {
	if items, ok := toSlice(actual); ok {
		for _, item := range items {
			if looseEquals(item, expected) {
				return true
			}
		}
		return false
	}
	if actual == nil {
		return false
	}
	return looseEquals(actual, expected)
}

func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if !aok || !bok {
		return false
	}
	return cmp(an, bn)
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	default:
		return false
	}
}

func evalTruthy(c metadata.Condition, actual any, want bool, warnings *[]ConditionWarning) bool {
	truthy, ok := toBool(actual)
	if !ok {
		*warnings = append(*warnings, ConditionWarning{
			Variable: c.Variable,
			Operator: c.Operator,
			Reason:   fmt.Sprintf("value %v is not boolean-coercible", actual),
		})
		return true
	}
	return truthy == want
}

// --- coercion helpers ---

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// numericLooking reports whether a value is a number or a string that
// parses as one.
func numericLooking(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32:
		return true
	case string:
		_, ok := toNumber(v)
		return ok
	default:
		return false
	}
}

func normalizeString(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

func toSlice(v any) ([]any, bool) {
	switch items := v.(type) {
	case []any:
		return items, true
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		if strings.EqualFold(val, "true") {
			return true, true
		}
		if strings.EqualFold(val, "false") {
			return false, true
		}
		return false, false
	case float64:
		if val == 1 {
			return true, true
		}
		if val == 0 {
			return false, true
		}
		return false, false
	case int:
		if val == 1 {
			return true, true
		}
		if val == 0 {
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}
