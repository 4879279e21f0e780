package instrument

import (
	"context"
	"math/rand"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Event is a single row destined for the _events table. Spans and business
// events share the same shape.
type Event struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	EventType    string // "span" or "business"
	Source       string // "http", "engine", "webhook", "scheduler"
	Component    string
	Action       string
	Entity       string
	RecordID     string
	UserID       string
	DurationMs   *float64
	Status       string
	Metadata     map[string]any
}

// Span is a timed unit of work. End flushes it to the event buffer.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Instrumenter starts spans and emits business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

type ctxKey int

const (
	instrumenterKey ctxKey = iota
	spanKey
	userIDKey
)

// WithInstrumenter stores the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context, or a noop
// instrumenter if none is present.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if inst, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return inst
	}
	return &NoopInstrumenter{}
}

// WithUserID stores the acting user's id for event attribution.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func spanFrom(ctx context.Context) *dbSpan {
	if s, ok := ctx.Value(spanKey).(*dbSpan); ok {
		return s
	}
	return nil
}

// DBInstrumenter writes spans and events to the database through an EventBuffer.
type DBInstrumenter struct {
	buffer *EventBuffer
}

// NewDBInstrumenter creates an instrumenter backed by the given buffer.
func NewDBInstrumenter(buffer *EventBuffer) *DBInstrumenter {
	return &DBInstrumenter{buffer: buffer}
}

func (d *DBInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	parent := spanFrom(ctx)
	s := &dbSpan{
		buffer:    d.buffer,
		start:     time.Now(),
		status:    "ok",
		userID:    userIDFrom(ctx),
		source:    source,
		component: component,
		action:    action,
	}
	s.spanID = uuid.NewString()
	if parent != nil {
		s.traceID = parent.traceID
		s.parentSpanID = parent.spanID
	} else {
		s.traceID = uuid.NewString()
	}
	return context.WithValue(ctx, spanKey, s), s
}

func (d *DBInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	e := Event{
		SpanID:    uuid.NewString(),
		EventType: "business",
		Source:    "app",
		Action:    action,
		Entity:    entity,
		RecordID:  recordID,
		UserID:    userIDFrom(ctx),
		Status:    "ok",
		Metadata:  metadata,
	}
	if parent := spanFrom(ctx); parent != nil {
		e.TraceID = parent.traceID
		e.ParentSpanID = parent.spanID
	} else {
		e.TraceID = uuid.NewString()
	}
	d.buffer.Enqueue(e)
}

// dbSpan is the Span implementation backing DBInstrumenter.
type dbSpan struct {
	buffer       *EventBuffer
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       string
	recordID     string
	userID       string
	status       string
	metadata     map[string]any
	start        time.Time
	ended        bool
}

func (s *dbSpan) End() {
	if s.ended {
		return
	}
	s.ended = true
	durationMs := float64(time.Since(s.start).Microseconds()) / 1000.0
	s.buffer.Enqueue(Event{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentSpanID,
		EventType:    "span",
		Source:       s.source,
		Component:    s.component,
		Action:       s.action,
		Entity:       s.entity,
		RecordID:     s.recordID,
		UserID:       s.userID,
		DurationMs:   &durationMs,
		Status:       s.status,
		Metadata:     s.metadata,
	})
}

func (s *dbSpan) SetStatus(status string) { s.status = status }

func (s *dbSpan) SetMetadata(key string, value any) {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *dbSpan) SetEntity(entity, recordID string) {
	s.entity = entity
	s.recordID = recordID
}

func (s *dbSpan) TraceID() string { return s.traceID }
func (s *dbSpan) SpanID() string  { return s.spanID }

// Middleware wraps every request in an http span. Requests are sampled at
// sampleRate; sampled-out requests get the noop instrumenter so downstream
// spans cost nothing.
func Middleware(inst Instrumenter, sampleRate float64) fiber.Handler {
	noop := &NoopInstrumenter{}
	return func(c *fiber.Ctx) error {
		picked := inst
		if sampleRate < 1.0 && rand.Float64() >= sampleRate {
			picked = noop
		}

		ctx := WithInstrumenter(c.UserContext(), picked)
		ctx, span := picked.StartSpan(ctx, "http", c.Method(), c.Path())
		c.SetUserContext(ctx)

		err := c.Next()

		span.SetMetadata("status_code", c.Response().StatusCode())
		if err != nil || c.Response().StatusCode() >= 500 {
			span.SetStatus("error")
		}
		span.End()
		return err
	}
}
