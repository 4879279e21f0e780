package metadata

// Rule types.
const (
	RuleField      = "field"
	RuleExpression = "expression"
)

// RuleDefinition holds the author-supplied rule body. Field rules compare a
// single answer against a threshold; expression rules run an expr-lang
// program against the whole answer context (this is where AI-generated
// business rules land).
type RuleDefinition struct {
	Variable   string `json:"variable,omitempty"` // answer key for field rules
	Operator   string `json:"operator,omitempty"` // min, max, min_length, max_length, pattern
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	Message    string `json:"message,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`
}

// Rule is a validation rule attached to a workflow, checked on run
// submission. Compiled caches the expr-lang program for expression rules.
type Rule struct {
	ID         string         `json:"id,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Definition RuleDefinition `json:"definition"`
	Active     bool           `json:"active"`

	Compiled any `json:"-"`
}
