package engine

import (
	"os"
	"strings"
	"sync"
	"testing"

	"formflow-backend/internal/metadata"
)

func TestBuildWebhookPayload(t *testing.T) {
	run := &metadata.Run{
		ID:         "run1",
		WorkflowID: "wf1",
		VersionID:  "v1",
		Answers:    metadata.DataContext{"total": float64(100)},
	}
	user := &metadata.UserContext{ID: "u1", Roles: []string{"admin"}}

	p := BuildWebhookPayload(run, user)
	if p.Event != "run.submitted" {
		t.Errorf("expected run.submitted, got %s", p.Event)
	}
	if p.WorkflowID != "wf1" || p.RunID != "run1" || p.VersionID != "v1" {
		t.Errorf("unexpected ids: %+v", p)
	}
	if !strings.HasPrefix(p.IdempotencyKey, "wh_") {
		t.Errorf("idempotency key should be prefixed, got %s", p.IdempotencyKey)
	}
	if p.User["id"] != "u1" {
		t.Errorf("expected user id in payload, got %v", p.User)
	}

	// Anonymous submission: no user object
	p = BuildWebhookPayload(run, nil)
	if p.User != nil {
		t.Errorf("expected nil user, got %v", p.User)
	}
}

func TestEvaluateWebhookCondition(t *testing.T) {
	wh := &metadata.Webhook{
		ID: "wh1", WorkflowID: "wf1", Active: true,
		Condition: `answers.total > 50`,
	}
	payload := &WebhookPayload{
		Event:      "run.submitted",
		WorkflowID: "wf1",
		RunID:      "run1",
		Answers:    metadata.DataContext{"total": float64(100)},
	}

	ok, err := EvaluateWebhookCondition(wh, payload)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Error("condition should pass for total=100")
	}
	if wh.CompiledCondition == nil {
		t.Error("compiled condition should be cached")
	}

	payload.Answers = metadata.DataContext{"total": float64(10)}
	ok, err = EvaluateWebhookCondition(wh, payload)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Error("condition should fail for total=10")
	}
}

func TestEvaluateWebhookConditionConcurrent(t *testing.T) {
	wh := &metadata.Webhook{
		ID: "wh1", WorkflowID: "wf1", Active: true,
		Condition: `answers.total > 50`,
	}
	payload := &WebhookPayload{
		Event:      "run.submitted",
		WorkflowID: "wf1",
		RunID:      "run1",
		Answers:    metadata.DataContext{"total": float64(100)},
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := EvaluateWebhookCondition(wh, payload)
			if err != nil {
				t.Errorf("evaluate: %v", err)
			}
			if !ok {
				t.Error("condition should pass for total=100")
			}
		}()
	}
	wg.Wait()

	if wh.CompiledCondition == nil {
		t.Error("compiled condition should be cached after concurrent use")
	}
}

func TestEvaluateWebhookConditionEmpty(t *testing.T) {
	wh := &metadata.Webhook{ID: "wh1"}
	ok, err := EvaluateWebhookCondition(wh, &WebhookPayload{})
	if err != nil || !ok {
		t.Errorf("empty condition always fires, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateWebhookConditionBadExpression(t *testing.T) {
	wh := &metadata.Webhook{ID: "wh1", Condition: `answers.total >`}
	if _, err := EvaluateWebhookCondition(wh, &WebhookPayload{Answers: metadata.DataContext{}}); err == nil {
		t.Error("expected compile error")
	}
}

func TestResolveHeaders(t *testing.T) {
	os.Setenv("WEBHOOK_TEST_TOKEN", "s3cret")
	defer os.Unsetenv("WEBHOOK_TEST_TOKEN")

	headers := map[string]string{
		"Authorization": "Bearer {{env.WEBHOOK_TEST_TOKEN}}",
		"Content-Type":  "application/json",
		"X-Missing":     "{{env.WEBHOOK_TEST_UNSET_VAR}}",
	}
	resolved := ResolveHeaders(headers)

	if resolved["Authorization"] != "Bearer s3cret" {
		t.Errorf("expected env substitution, got %s", resolved["Authorization"])
	}
	if resolved["Content-Type"] != "application/json" {
		t.Errorf("plain header should pass through, got %s", resolved["Content-Type"])
	}
	if resolved["X-Missing"] != "" {
		t.Errorf("unset env var resolves to empty, got %q", resolved["X-Missing"])
	}
}
