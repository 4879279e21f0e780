package instrument

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/store"
)

// EventHandler exposes the events admin surface: listing workflow and run
// activity, trace waterfalls for a single request, and latency/error
// aggregates across the engine's sources.
type EventHandler struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewEventHandler(db *sql.DB, dialect store.Dialect) *EventHandler {
	return &EventHandler{db: db, dialect: dialect}
}

// eventQuery accumulates WHERE clauses for the _events table, built on the
// dialect ParamBuilder like the rest of the store-facing code.
type eventQuery struct {
	pb      store.ParamBuilder
	clauses []string
}

func (h *EventHandler) newEventQuery() *eventQuery {
	return &eventQuery{pb: h.dialect.NewParamBuilder()}
}

func (q *eventQuery) eq(column, value string) {
	if value != "" {
		q.clauses = append(q.clauses, fmt.Sprintf("%s = %s", column, q.pb.Add(value)))
	}
}

func (q *eventQuery) raw(clause string) {
	q.clauses = append(q.clauses, clause)
}

func (q *eventQuery) where() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}

// collectFilters reads the query params shared by List and GetStats.
// run_id and workflow_id are domain shortcuts: runs are matched by
// entity/record, workflows by entity or by the workflow_id their business
// events carry in metadata (run.submitted, condition.warning).
func (h *EventHandler) collectFilters(c *fiber.Ctx, q *eventQuery) {
	q.eq("source", c.Query("source"))
	q.eq("component", c.Query("component"))
	q.eq("action", c.Query("action"))
	q.eq("event_type", c.Query("event_type"))
	q.eq("trace_id", c.Query("trace_id"))
	q.eq("user_id", c.Query("user_id"))
	q.eq("status", c.Query("status"))
	q.eq("entity", c.Query("entity"))

	if v := c.Query("run_id"); v != "" {
		q.raw(fmt.Sprintf("(entity = 'run' AND record_id = %s)", q.pb.Add(v)))
	}
	if v := c.Query("workflow_id"); v != "" {
		metaText := h.dialect.JSONTextExpr("metadata")
		q.raw(fmt.Sprintf("((entity = 'workflow' AND record_id = %s) OR %s LIKE %s)",
			q.pb.Add(v), metaText, q.pb.Add(`%"workflow_id":"`+v+`"%`)))
	}
	if v := c.Query("from"); v != "" {
		q.raw(fmt.Sprintf("created_at >= %s", q.pb.Add(v)))
	}
	if v := c.Query("to"); v != "" {
		q.raw(fmt.Sprintf("created_at <= %s", q.pb.Add(v)))
	}
}

const eventColumns = "id, trace_id, span_id, parent_span_id, event_type, source, component, action, entity, record_id, user_id, duration_ms, status, metadata, created_at"

// Emit handles POST /api/_events, recording a custom business event.
func (h *EventHandler) Emit(c *fiber.Ctx) error {
	var body struct {
		Action   string         `json:"action"`
		Entity   string         `json:"entity"`
		RecordID string         `json:"record_id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	if body.Action == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "action is required"}})
	}

	GetInstrumenter(c.UserContext()).EmitBusinessEvent(c.UserContext(), body.Action, body.Entity, body.RecordID, body.Metadata)
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "ok"}})
}

// List handles GET /api/_events with filters and pagination (admin only).
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()

	q := h.newEventQuery()
	h.collectFilters(c, q)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}

	orderBy := "created_at DESC"
	if c.Query("sort") == "created_at" {
		orderBy = "created_at ASC"
	}

	countRow, err := store.QueryRow(ctx, h.db,
		"SELECT COUNT(*) as count FROM _events"+q.where(), q.pb.Params()...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	total := toInt(countRow["count"])

	dataSQL := fmt.Sprintf("SELECT %s FROM _events%s ORDER BY %s LIMIT %s OFFSET %s",
		eventColumns, q.where(), orderBy, q.pb.Add(perPage), q.pb.Add((page-1)*perPage))
	rows, err := store.QueryRows(ctx, h.db, dataSQL, q.pb.Params()...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrace handles GET /api/_events/traces/:traceId, returning every event of
// a trace plus a parent/child waterfall rooted at the request span (admin only).
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	ctx := c.UserContext()
	traceID := c.Params("traceId")
	if traceID == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "trace_id is required"}})
	}

	pb := h.dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("SELECT %s FROM _events WHERE trace_id = %s ORDER BY created_at ASC", eventColumns, pb.Add(traceID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	bySpan := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		row["children"] = []map[string]any{}
		if id, _ := row["span_id"].(string); id != "" {
			bySpan[id] = row
		}
	}

	var root map[string]any
	for _, row := range rows {
		parentID, _ := row["parent_span_id"].(string)
		if parentID == "" {
			if root == nil {
				root = row
			}
			continue
		}
		if parent, ok := bySpan[parentID]; ok {
			parent["children"] = append(parent["children"].([]map[string]any), row)
		}
	}
	if root == nil {
		root = rows[0]
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         root,
			"spans":             rows,
			"total_duration_ms": root["duration_ms"],
		},
	})
}

// GetStats handles GET /api/_events/stats (admin only). Aggregates span
// latency and error rates by source, and business-event counts by action,
// which is where run.submitted and condition.warning volumes surface.
func (h *EventHandler) GetStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	errorCountExpr := h.dialect.FilterCountExpr("status = 'error'")

	// Overall totals over every event in range.
	totalQ := h.newEventQuery()
	h.collectFilters(c, totalQ)
	totalRow, err := store.QueryRow(ctx, h.db,
		fmt.Sprintf("SELECT COUNT(*) as total_events, AVG(duration_ms) as avg_latency_ms, %s as error_count FROM _events%s",
			errorCountExpr, totalQ.where()),
		totalQ.pb.Params()...)
	if err != nil {
		return fmt.Errorf("stats totals: %w", err)
	}
	totalEvents := toInt(totalRow["total_events"])
	errorRate := 0.0
	if totalEvents > 0 {
		errorRate = math.Round(float64(toInt(totalRow["error_count"]))/float64(totalEvents)*10000) / 10000
	}

	// Latency by source, spans only.
	srcQ := h.newEventQuery()
	srcQ.raw("duration_ms IS NOT NULL")
	h.collectFilters(c, srcQ)
	p95Expr := "NULL"
	if h.dialect.SupportsPercentile() {
		p95Expr = h.dialect.PercentileExpr(0.95, "duration_ms")
	}
	srcRows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("SELECT source, COUNT(*) as count, AVG(duration_ms) as avg_duration_ms, %s as p95_duration_ms, %s as error_count FROM _events%s GROUP BY source ORDER BY count DESC",
			p95Expr, errorCountExpr, srcQ.where()),
		srcQ.pb.Params()...)
	if err != nil {
		return fmt.Errorf("stats by source: %w", err)
	}

	bySource := make([]fiber.Map, 0, len(srcRows))
	for _, row := range srcRows {
		bySource = append(bySource, fiber.Map{
			"source":          row["source"],
			"count":           toInt(row["count"]),
			"avg_duration_ms": row["avg_duration_ms"],
			"p95_duration_ms": row["p95_duration_ms"],
			"error_count":     toInt(row["error_count"]),
		})
	}
	var p95Overall any
	if h.dialect.SupportsPercentile() {
		p95Q := h.newEventQuery()
		p95Q.raw("duration_ms IS NOT NULL")
		h.collectFilters(c, p95Q)
		p95Row, p95Err := store.QueryRow(ctx, h.db,
			fmt.Sprintf("SELECT %s as p95 FROM _events%s", p95Expr, p95Q.where()),
			p95Q.pb.Params()...)
		if p95Err == nil {
			p95Overall = p95Row["p95"]
		}
	} else {
		p95Overall = h.fillPercentilesFromDurations(c, bySource)
	}

	// Business-event volume by action (run.submitted, condition.warning, ...).
	actQ := h.newEventQuery()
	actQ.raw("event_type = 'business'")
	h.collectFilters(c, actQ)
	actRows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("SELECT action, COUNT(*) as count FROM _events%s GROUP BY action ORDER BY count DESC", actQ.where()),
		actQ.pb.Params()...)
	if err != nil {
		return fmt.Errorf("stats by action: %w", err)
	}
	byAction := make([]fiber.Map, 0, len(actRows))
	for _, row := range actRows {
		byAction = append(byAction, fiber.Map{
			"action": row["action"],
			"count":  toInt(row["count"]),
		})
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"total_events":   totalEvents,
			"avg_latency_ms": totalRow["avg_latency_ms"],
			"p95_latency_ms": p95Overall,
			"error_rate":     errorRate,
			"by_source":      bySource,
			"by_action":      byAction,
		},
	})
}

// fillPercentilesFromDurations computes p95 in Go for dialects without
// percentile_cont. One pass over (source, duration_ms) fills the per-source
// entries and returns the overall p95.
func (h *EventHandler) fillPercentilesFromDurations(c *fiber.Ctx, bySource []fiber.Map) any {
	q := h.newEventQuery()
	q.raw("duration_ms IS NOT NULL")
	h.collectFilters(c, q)

	rows, err := store.QueryRows(c.UserContext(), h.db,
		fmt.Sprintf("SELECT source, duration_ms FROM _events%s", q.where()), q.pb.Params()...)
	if err != nil || len(rows) == 0 {
		return nil
	}

	all := make([]float64, 0, len(rows))
	perSource := make(map[string][]float64)
	for _, row := range rows {
		d := toFloat(row["duration_ms"])
		src, _ := row["source"].(string)
		all = append(all, d)
		perSource[src] = append(perSource[src], d)
	}

	for i, entry := range bySource {
		src, _ := entry["source"].(string)
		if durations, ok := perSource[src]; ok {
			bySource[i]["p95_duration_ms"] = percentileOf(durations, 0.95)
		}
	}
	return percentileOf(all, 0.95)
}

func percentileOf(durations []float64, p float64) float64 {
	sort.Float64s(durations)
	idx := int(float64(len(durations)) * p)
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// toInt safely converts various numeric column types to int.
func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
