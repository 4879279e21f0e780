package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewInMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func insertEvent(t *testing.T, s *store.Store, eventType, source, action, entity, recordID, status, metadata string, durationMs any) {
	t.Helper()
	pb := s.Dialect.NewParamBuilder()
	var meta any
	if metadata != "" {
		meta = metadata
	}
	_, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf(`INSERT INTO _events (trace_id, span_id, event_type, source, action, entity, record_id, status, metadata, duration_ms)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add("t1"), pb.Add(store.GenerateUUID()), pb.Add(eventType), pb.Add(source), pb.Add(action),
			pb.Add(entity), pb.Add(recordID), pb.Add(status), pb.Add(meta), pb.Add(durationMs)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func newEventsApp(s *store.Store) *fiber.App {
	app := fiber.New()
	h := NewEventHandler(s.DB, s.Dialect)
	app.Get("/api/_events", h.List)
	app.Get("/api/_events/stats", h.GetStats)
	return app
}

func getJSON(t *testing.T, app *fiber.App, path string) map[string]any {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("request %s: status %d", path, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestListEventsDomainFilters(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "span", "engine", "run.submit", "run", "r1", "ok", `{"workflow_id":"wf1"}`, 12.5)
	insertEvent(t, s, "business", "app", "run.submitted", "run", "r1", "ok", `{"workflow_id":"wf1","version_id":"v1"}`, nil)
	insertEvent(t, s, "business", "app", "run.submitted", "run", "r2", "ok", `{"workflow_id":"wf2"}`, nil)
	insertEvent(t, s, "span", "http", "GET", "", "", "error", "", 3.0)

	app := newEventsApp(s)

	body := getJSON(t, app, "/api/_events?run_id=r1")
	rows := body["data"].([]any)
	if len(rows) != 2 {
		t.Fatalf("run_id filter: expected 2 events for r1, got %d", len(rows))
	}
	for _, r := range rows {
		if r.(map[string]any)["record_id"] != "r1" {
			t.Errorf("run_id filter leaked row: %v", r)
		}
	}

	// workflow_id matches through the metadata the business events carry
	body = getJSON(t, app, "/api/_events?workflow_id=wf1")
	rows = body["data"].([]any)
	if len(rows) != 2 {
		t.Fatalf("workflow_id filter: expected 2 events for wf1, got %d", len(rows))
	}

	body = getJSON(t, app, "/api/_events?status=error")
	rows = body["data"].([]any)
	if len(rows) != 1 {
		t.Fatalf("status filter: expected 1 error event, got %d", len(rows))
	}

	pagination := body["pagination"].(map[string]any)
	if int(pagination["total"].(float64)) != 1 {
		t.Errorf("pagination total should match filter, got %v", pagination["total"])
	}
}

func TestEventStatsByAction(t *testing.T) {
	s := newTestStore(t)
	insertEvent(t, s, "span", "engine", "run.submit", "run", "r1", "ok", "", 10.0)
	insertEvent(t, s, "span", "engine", "run.submit", "run", "r2", "error", "", 20.0)
	insertEvent(t, s, "business", "app", "run.submitted", "run", "r1", "ok", "", nil)
	insertEvent(t, s, "business", "app", "condition.warning", "run", "r1", "ok", "", nil)
	insertEvent(t, s, "business", "app", "condition.warning", "run", "r2", "ok", "", nil)

	app := newEventsApp(s)
	body := getJSON(t, app, "/api/_events/stats")
	data := body["data"].(map[string]any)

	if int(data["total_events"].(float64)) != 5 {
		t.Errorf("expected 5 total events, got %v", data["total_events"])
	}

	byAction := data["by_action"].([]any)
	counts := map[string]int{}
	for _, entry := range byAction {
		m := entry.(map[string]any)
		counts[m["action"].(string)] = int(m["count"].(float64))
	}
	if counts["condition.warning"] != 2 || counts["run.submitted"] != 1 {
		t.Errorf("unexpected action counts: %v", counts)
	}

	bySource := data["by_source"].([]any)
	if len(bySource) != 1 {
		t.Fatalf("expected one span source, got %v", bySource)
	}
	src := bySource[0].(map[string]any)
	if src["source"] != "engine" || int(src["error_count"].(float64)) != 1 {
		t.Errorf("unexpected source stats: %v", src)
	}
	if src["p95_duration_ms"] == nil {
		t.Error("p95 should be computed for sqlite")
	}
}

func TestPercentileOf(t *testing.T) {
	durations := []float64{5, 1, 3, 2, 4}
	if got := percentileOf(durations, 0.95); got != 5 {
		t.Errorf("expected 5, got %v", got)
	}
	if got := percentileOf([]float64{7}, 0.95); got != 7 {
		t.Errorf("single sample is its own p95, got %v", got)
	}
}
