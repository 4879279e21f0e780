package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"formflow-backend/internal/instrument"
	"formflow-backend/internal/metadata"
)

// programCacheMu guards the lazily compiled program caches on rules and
// webhooks, which are shared through the registry across concurrent
// submissions.
var programCacheMu sync.Mutex

// EvaluateRules runs all active rules for a workflow against the run's
// answers at submission time. Field rules only check answered, visible
// variables; required-ness is handled separately by MissingRequired.
func EvaluateRules(ctx context.Context, reg *metadata.Registry, workflowID string, answers metadata.DataContext) []ErrorDetail {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rules", "rules.evaluate")
	defer span.End()
	span.SetEntity("workflow", workflowID)

	rules := reg.GetRulesForWorkflow(workflowID)
	if len(rules) == 0 {
		span.SetStatus("ok")
		return nil
	}

	env := map[string]any{
		"answers": map[string]any(answers),
		"action":  "submit",
	}

	var errs []ErrorDetail

	for _, r := range rules {
		if r.Type != metadata.RuleField {
			continue
		}
		if detail := EvaluateFieldRule(r, answers); detail != nil {
			errs = append(errs, *detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return errs
			}
		}
	}

	for _, r := range rules {
		if r.Type != metadata.RuleExpression {
			continue
		}
		if detail := EvaluateExpressionRule(r, env); detail != nil {
			errs = append(errs, *detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return errs
			}
		}
	}

	if len(errs) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return errs
}

// EvaluateFieldRule evaluates a single field rule against the answers.
// Returns nil if the rule passes, or an ErrorDetail if it fails.
func EvaluateFieldRule(rule *metadata.Rule, answers metadata.DataContext) *ErrorDetail {
	variable := rule.Definition.Variable
	val, exists := answers[variable]
	if !exists || val == nil {
		return nil // absent answers are not checked by field rules
	}

	op := rule.Definition.Operator
	msg := rule.Definition.Message
	if msg == "" {
		msg = fmt.Sprintf("answer %s failed %s validation", variable, op)
	}

	switch op {
	case "min":
		num, ok := toNumber(val)
		if !ok {
			return nil
		}
		threshold, ok := toNumber(rule.Definition.Value)
		if !ok {
			return nil
		}
		if num < threshold {
			return &ErrorDetail{Field: variable, Rule: "min", Message: msg}
		}

	case "max":
		num, ok := toNumber(val)
		if !ok {
			return nil
		}
		threshold, ok := toNumber(rule.Definition.Value)
		if !ok {
			return nil
		}
		if num > threshold {
			return &ErrorDetail{Field: variable, Rule: "max", Message: msg}
		}

	case "min_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := toNumber(rule.Definition.Value)
		if !ok {
			return nil
		}
		if len(s) < int(threshold) {
			return &ErrorDetail{Field: variable, Rule: "min_length", Message: msg}
		}

	case "max_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := toNumber(rule.Definition.Value)
		if !ok {
			return nil
		}
		if len(s) > int(threshold) {
			return &ErrorDetail{Field: variable, Rule: "max_length", Message: msg}
		}

	case "pattern":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		pattern, ok := rule.Definition.Value.(string)
		if !ok {
			return nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil || !matched {
			return &ErrorDetail{Field: variable, Rule: "pattern", Message: msg}
		}
	}

	return nil
}

// CompileExpression compiles an expression string into an expr-lang program.
func CompileExpression(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return prog, nil
}

// compiledRuleProgram returns the rule's compiled program, compiling and
// caching it on first use under programCacheMu.
func compiledRuleProgram(rule *metadata.Rule) (*vm.Program, error) {
	programCacheMu.Lock()
	defer programCacheMu.Unlock()

	if prog, ok := rule.Compiled.(*vm.Program); ok && prog != nil {
		return prog, nil
	}
	compiled, err := CompileExpression(rule.Definition.Expression)
	if err != nil {
		return nil, err
	}
	rule.Compiled = compiled
	return compiled, nil
}

// EvaluateExpressionRule evaluates an expression rule against the submission
// environment ({answers, action}). Returns nil if the rule passes
// (expression is false), or an ErrorDetail if violated (expression is true).
func EvaluateExpressionRule(rule *metadata.Rule, env map[string]any) *ErrorDetail {
	prog, err := compiledRuleProgram(rule)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("compile error: %v", err)}
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}

	violated, ok := result.(bool)
	if !ok {
		return nil
	}

	if violated {
		msg := rule.Definition.Message
		if msg == "" {
			msg = "Expression rule violated"
		}
		return &ErrorDetail{Rule: "expression", Message: msg}
	}

	return nil
}
