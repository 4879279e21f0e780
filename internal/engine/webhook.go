package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"formflow-backend/internal/instrument"
	"formflow-backend/internal/metadata"
	"formflow-backend/internal/store"
)

var webhookHTTPClient = &http.Client{Timeout: 30 * time.Second}

// WebhookPayload is the JSON body sent to webhook endpoints when a run
// is submitted.
type WebhookPayload struct {
	Event          string               `json:"event"`
	WorkflowID     string               `json:"workflow_id"`
	RunID          string               `json:"run_id"`
	VersionID      string               `json:"version_id,omitempty"`
	Answers        metadata.DataContext `json:"answers"`
	User           map[string]any       `json:"user,omitempty"`
	Timestamp      string               `json:"timestamp"`
	IdempotencyKey string               `json:"idempotency_key"`
}

// BuildWebhookPayload constructs the payload for a webhook delivery.
func BuildWebhookPayload(run *metadata.Run, user *metadata.UserContext) *WebhookPayload {
	p := &WebhookPayload{
		Event:          "run.submitted",
		WorkflowID:     run.WorkflowID,
		RunID:          run.ID,
		VersionID:      run.VersionID,
		Answers:        run.Answers,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		IdempotencyKey: "wh_" + uuid.New().String(),
	}
	if user != nil {
		p.User = map[string]any{"id": user.ID, "roles": user.Roles}
	}
	return p
}

// ResolveHeaders replaces {{env.VAR_NAME}} in header values with os env values.
func ResolveHeaders(headers map[string]string) map[string]string {
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved[k] = resolveEnvVars(v)
	}
	return resolved
}

func resolveEnvVars(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		varName := s[start+6 : end]
		envVal := os.Getenv(varName)
		s = s[:start] + envVal + s[end+2:]
	}
}

// EvaluateWebhookCondition evaluates a webhook's condition expression.
// Empty condition always returns true. Uses lazy compilation with caching.
func EvaluateWebhookCondition(wh *metadata.Webhook, payload *WebhookPayload) (bool, error) {
	if wh.Condition == "" {
		return true, nil
	}

	env := map[string]any{
		"answers":     map[string]any(payload.Answers),
		"event":       payload.Event,
		"workflow_id": payload.WorkflowID,
		"run_id":      payload.RunID,
	}
	if payload.User != nil {
		env["user"] = payload.User
	}

	prog, err := compiledWebhookProgram(wh)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate webhook condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("webhook condition did not return bool")
	}
	return b, nil
}

// compiledWebhookProgram returns the webhook's compiled condition, compiling
// and caching it on first use under programCacheMu.
func compiledWebhookProgram(wh *metadata.Webhook) (*vm.Program, error) {
	programCacheMu.Lock()
	defer programCacheMu.Unlock()

	if prog, ok := wh.CompiledCondition.(*vm.Program); ok && prog != nil {
		return prog, nil
	}
	compiled, err := expr.Compile(wh.Condition, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile webhook condition: %w", err)
	}
	wh.CompiledCondition = compiled
	return compiled, nil
}

// DispatchResult holds the outcome of a single webhook HTTP call.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

// DispatchWebhook performs the HTTP call. url/method/headers are resolved values.
func DispatchWebhook(ctx context.Context, url, method string, headers map[string]string, bodyJSON []byte) *DispatchResult {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetMetadata("url", url)
	span.SetMetadata("method", method)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyJSON))
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("build request: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := webhookHTTPClient.Do(req)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("http call: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // max 64KB

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	span.SetMetadata("status_code", resp.StatusCode)

	return &DispatchResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
	}
}

// LogWebhookDelivery inserts a row into webhook_logs. Failed deliveries with
// retry budget left are marked "retrying" so the scheduler picks them up.
func LogWebhookDelivery(ctx context.Context, q store.Querier, dialect store.Dialect, wh *metadata.Webhook, payload *WebhookPayload, headers map[string]string, bodyJSON []byte, result *DispatchResult) {
	status := "delivered"
	errMsg := result.Error
	if errMsg != "" || result.StatusCode < 200 || result.StatusCode >= 300 {
		if wh.Retry.MaxAttempts > 1 {
			status = "retrying"
		} else {
			status = "failed"
		}
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
	}

	headersJSON, _ := json.Marshal(headers)
	var nextRetry *time.Time
	if status == "retrying" {
		t := time.Now().Add(30 * time.Second)
		nextRetry = &t
	}

	pb := dialect.NewParamBuilder()
	id := store.GenerateUUID()
	_, err := store.Exec(ctx, q,
		fmt.Sprintf(`INSERT INTO webhook_logs (id, webhook_id, workflow_id, run_id, url, method, request_headers, request_body,
		 response_status, response_body, status, attempt, max_attempts, next_retry_at, error, idempotency_key)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(id), pb.Add(wh.ID), pb.Add(payload.WorkflowID), pb.Add(payload.RunID), pb.Add(wh.URL), pb.Add(wh.Method),
			pb.Add(string(headersJSON)), pb.Add(string(bodyJSON)),
			pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
			pb.Add(status), pb.Add(1), pb.Add(wh.Retry.MaxAttempts), pb.Add(nextRetry), pb.Add(errMsg), pb.Add(payload.IdempotencyKey)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: failed to log webhook delivery for %s: %v", wh.ID, err)
	}
}

// FireSubmissionWebhooks dispatches all active webhooks for the run's workflow
// after submission. Runs each webhook in a separate goroutine. Does not block
// the caller.
func FireSubmissionWebhooks(ctx context.Context, s *store.Store, reg *metadata.Registry, run *metadata.Run, user *metadata.UserContext) {
	webhooks := reg.GetWebhooksForWorkflow(run.WorkflowID)
	if len(webhooks) == 0 {
		return
	}

	payload := BuildWebhookPayload(run, user)

	for _, wh := range webhooks {
		fire, err := EvaluateWebhookCondition(wh, payload)
		if err != nil {
			log.Printf("ERROR: webhook %s condition evaluation: %v", wh.ID, err)
			continue
		}
		if !fire {
			continue
		}

		go func(wh *metadata.Webhook) {
			headers := ResolveHeaders(wh.Headers)
			bodyJSON, _ := json.Marshal(payload)
			result := DispatchWebhook(context.Background(), wh.URL, wh.Method, headers, bodyJSON)
			LogWebhookDelivery(context.Background(), s.DB, s.Dialect, wh, payload, headers, bodyJSON, result)
		}(wh)
	}
}
