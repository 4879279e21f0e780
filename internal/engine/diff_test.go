package engine

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"formflow-backend/internal/metadata"
)

func graphWith(pages ...metadata.Page) *metadata.Graph {
	return &metadata.Graph{Pages: pages}
}

func TestDiffGraphsClassification(t *testing.T) {
	previous := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{
		{ID: "keep", Type: "text", Title: "Keep"},
		{ID: "change", Type: "text", Title: "Old title"},
		{ID: "drop", Type: "number"},
	}})
	next := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{
		{ID: "keep", Type: "text", Title: "Keep"},
		{ID: "change", Type: "text", Title: "New title"},
		{ID: "fresh", Type: "select", Options: []string{"a", "b"}},
	}})

	result, err := DiffGraphs(previous, next)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}

	if len(result.Added) != 1 || result.Added[0].ID != "fresh" {
		t.Errorf("expected added=[fresh], got %+v", result.Added)
	}
	if len(result.Removed) != 1 || result.Removed[0].ID != "drop" {
		t.Errorf("expected removed=[drop], got %+v", result.Removed)
	}
	if len(result.Modified) != 1 {
		t.Fatalf("expected one modified block, got %+v", result.Modified)
	}
	change := result.Modified[0]
	if change.ID != "change" || change.Before.Title != "Old title" || change.After.Title != "New title" {
		t.Errorf("unexpected modification record: %+v", change)
	}
}

func TestDiffGraphsUnchangedIsEmptyNotNil(t *testing.T) {
	g := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{{ID: "a", Type: "text"}}})
	result, err := DiffGraphs(g, g)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(result.Added)+len(result.Removed)+len(result.Modified) != 0 {
		t.Errorf("identical graphs should diff empty: %+v", result)
	}

	// Changelog consumers expect [] not null.
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	for _, key := range []string{"added", "removed", "modified"} {
		if _, ok := m[key].([]any); !ok {
			t.Errorf("expected %s to serialize as an array, got %v", key, m[key])
		}
	}
}

func TestDiffGraphsNilGraphs(t *testing.T) {
	next := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{{ID: "a", Type: "text"}}})

	result, err := DiffGraphs(nil, next)
	if err != nil {
		t.Fatalf("diff from nil: %v", err)
	}
	if len(result.Added) != 1 {
		t.Errorf("everything in next is added when previous is nil: %+v", result)
	}

	result, err = DiffGraphs(next, nil)
	if err != nil {
		t.Fatalf("diff to nil: %v", err)
	}
	if len(result.Removed) != 1 {
		t.Errorf("everything in previous is removed when next is nil: %+v", result)
	}
}

func TestDiffGraphsCrossPageMoveIsUnchanged(t *testing.T) {
	// Block identity is graph-wide; moving between pages with no field
	// change is not a modification.
	previous := graphWith(
		metadata.Page{ID: "p1", Blocks: []metadata.Block{{ID: "a", Type: "text"}}},
		metadata.Page{ID: "p2"},
	)
	next := graphWith(
		metadata.Page{ID: "p1"},
		metadata.Page{ID: "p2", Blocks: []metadata.Block{{ID: "a", Type: "text"}}},
	)
	result, err := DiffGraphs(previous, next)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(result.Added)+len(result.Removed)+len(result.Modified) != 0 {
		t.Errorf("page move alone should not register: %+v", result)
	}
}

func TestDiffGraphsDeterministicOrder(t *testing.T) {
	previous := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{
		{ID: "r1", Type: "text"}, {ID: "r2", Type: "text"},
	}})
	next := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{
		{ID: "a1", Type: "text"}, {ID: "a2", Type: "text"},
	}})

	first, err := DiffGraphs(previous, next)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := DiffGraphs(previous, next)
		if err != nil {
			t.Fatalf("diff: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatal("diff output must be deterministic")
		}
	}
	if first.Added[0].ID != "a1" || first.Added[1].ID != "a2" {
		t.Errorf("added follows next-graph order: %+v", first.Added)
	}
	if first.Removed[0].ID != "r1" || first.Removed[1].ID != "r2" {
		t.Errorf("removed follows previous-graph order: %+v", first.Removed)
	}
}

func TestDiffGraphsRejectsDuplicateIDs(t *testing.T) {
	bad := graphWith(
		metadata.Page{ID: "p1", Blocks: []metadata.Block{{ID: "dup", Type: "text"}}},
		metadata.Page{ID: "p2", Blocks: []metadata.Block{{ID: "dup", Type: "text"}}},
	)
	_, err := DiffGraphs(&metadata.Graph{}, bad)
	if err == nil {
		t.Fatal("expected duplicate id rejection")
	}
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != "INVALID_GRAPH" {
		t.Errorf("expected INVALID_GRAPH error, got %v", err)
	}
}

func TestDiffGraphsRejectsMissingIDs(t *testing.T) {
	bad := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{{Type: "text"}}})
	_, err := DiffGraphs(&metadata.Graph{}, bad)
	if err == nil {
		t.Fatal("expected missing id rejection")
	}

	noPage := graphWith(metadata.Page{Blocks: []metadata.Block{{ID: "a", Type: "text"}}})
	if _, err := DiffGraphs(&metadata.Graph{}, noPage); err == nil {
		t.Fatal("expected missing page id rejection")
	}
}

func TestDiffGraphsExtraFieldChangeIsModification(t *testing.T) {
	previous := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{
		{ID: "a", Type: "text", Extra: map[string]any{"width": float64(6)}},
	}})
	next := graphWith(metadata.Page{ID: "p1", Blocks: []metadata.Block{
		{ID: "a", Type: "text", Extra: map[string]any{"width": float64(12)}},
	}})
	result, err := DiffGraphs(previous, next)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(result.Modified) != 1 {
		t.Errorf("renderer-hint change should register as modified: %+v", result)
	}
}
