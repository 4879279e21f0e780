package metadata

// WebhookRetry defines retry behaviour for webhook delivery.
type WebhookRetry struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"` // "exponential" or "linear"
}

// Webhook defines an HTTP callout fired when a run of its workflow is
// submitted. Condition is an optional expr-lang expression over the
// submission payload; empty means always fire.
type Webhook struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"` // POST, PUT, PATCH
	Headers    map[string]string `json:"headers"`
	Condition  string            `json:"condition"`
	Retry      WebhookRetry      `json:"retry"`
	Active     bool              `json:"active"`

	CompiledCondition any `json:"-"`
}
