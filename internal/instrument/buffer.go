package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"formflow-backend/internal/store"
)

// EventBuffer collects events in memory and periodically flushes them
// to the _events table in a batch insert.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	db      *sql.DB
	dialect store.Dialect
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewEventBuffer creates a buffer that flushes on a timer or when full.
func NewEventBuffer(db *sql.DB, dialect store.Dialect, maxSize int, flushIntervalMs int) *EventBuffer {
	eb := &EventBuffer{
		db:      db,
		dialect: dialect,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	eb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event to the buffer. If the buffer is full, a flush
// is triggered asynchronously.
func (eb *EventBuffer) Enqueue(event Event) {
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Flush writes all buffered events to the database in a single batch insert.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.events) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	ctx := context.Background()
	tx, err := eb.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("ERROR: event buffer begin tx: %v", err)
		return
	}

	if syncOff := eb.dialect.SyncCommitOff(); syncOff != "" {
		if _, err := tx.ExecContext(ctx, syncOff); err != nil {
			tx.Rollback()
			log.Printf("ERROR: event buffer set sync commit: %v", err)
			return
		}
	}

	cols := []string{"trace_id", "span_id", "parent_span_id", "event_type", "source", "component", "action", "entity", "record_id", "user_id", "duration_ms", "status", "metadata"}
	pb := eb.dialect.NewParamBuilder()
	var valueGroups []string
	for _, e := range batch {
		var metaJSON any
		if e.Metadata != nil {
			b, _ := json.Marshal(e.Metadata)
			metaJSON = string(b)
		}

		ph := []string{
			pb.Add(e.TraceID),
			pb.Add(e.SpanID),
			pb.Add(e.ParentSpanID),
			pb.Add(e.EventType),
			pb.Add(e.Source),
			pb.Add(e.Component),
			pb.Add(e.Action),
			pb.Add(e.Entity),
			pb.Add(e.RecordID),
			pb.Add(e.UserID),
			pb.Add(e.DurationMs),
			pb.Add(e.Status),
			pb.Add(metaJSON),
		}
		valueGroups = append(valueGroups, "("+strings.Join(ph, ",")+")")
	}

	sqlStr := fmt.Sprintf("INSERT INTO _events (%s) VALUES %s", strings.Join(cols, ","), strings.Join(valueGroups, ","))
	if _, err := tx.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		tx.Rollback()
		log.Printf("ERROR: event buffer insert: %v", err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("ERROR: event buffer commit: %v", err)
	}
}

// Stop halts the background ticker and flushes remaining events.
func (eb *EventBuffer) Stop() {
	if eb.ticker != nil {
		eb.ticker.Stop()
	}
	close(eb.done)
	eb.Flush()
}
