package engine

import (
	"testing"

	"formflow-backend/internal/metadata"
)

func testGraph() *metadata.Graph {
	return &metadata.Graph{Pages: []metadata.Page{
		{
			ID: "intro",
			Blocks: []metadata.Block{
				{ID: "name", Type: "text", VariableName: "name", Required: true},
				{ID: "has_pet", Type: "boolean", VariableName: "has_pet"},
			},
		},
		{
			ID:        "pets",
			VisibleIf: tree(cond("has_pet", metadata.OpEquals, true)),
			Blocks: []metadata.Block{
				{ID: "pet_name", Type: "text", VariableName: "pet_name", Required: true},
				{
					ID: "pet_age", Type: "number", VariableName: "pet_age",
					VisibleIf: tree(cond("pet_name", metadata.OpIsNotEmpty, nil)),
				},
			},
		},
	}}
}

func TestVisiblePages(t *testing.T) {
	g := testGraph()

	pages := VisiblePages(g, metadata.DataContext{})
	if len(pages) != 1 || pages[0].ID != "intro" {
		t.Errorf("pets page hidden without has_pet: %+v", pages)
	}

	pages = VisiblePages(g, metadata.DataContext{"has_pet": true})
	if len(pages) != 2 {
		t.Errorf("pets page visible with has_pet=true: %+v", pages)
	}
}

func TestVisibleBlocksHiddenPageHidesBlocks(t *testing.T) {
	g := testGraph()

	blocks := VisibleBlocks(g, metadata.DataContext{"pet_name": "Rex"})
	for _, b := range blocks {
		if b.ID == "pet_name" || b.ID == "pet_age" {
			t.Errorf("block %s should be hidden with its page", b.ID)
		}
	}

	blocks = VisibleBlocks(g, metadata.DataContext{"has_pet": true, "pet_name": "Rex"})
	ids := map[string]bool{}
	for _, b := range blocks {
		ids[b.ID] = true
	}
	if !ids["pet_name"] || !ids["pet_age"] {
		t.Errorf("pet blocks should be visible: %v", ids)
	}
}

func TestMissingRequiredSkipsHidden(t *testing.T) {
	g := testGraph()

	// pet_name is required but its page is hidden: only name blocks
	missing := MissingRequired(g, metadata.DataContext{})
	if len(missing) != 1 || missing[0].ID != "name" {
		t.Errorf("expected only name missing, got %+v", missing)
	}

	// Page shown: pet_name now counts
	missing = MissingRequired(g, metadata.DataContext{"name": "Ada", "has_pet": true})
	if len(missing) != 1 || missing[0].ID != "pet_name" {
		t.Errorf("expected pet_name missing, got %+v", missing)
	}

	missing = MissingRequired(g, metadata.DataContext{"name": "Ada", "has_pet": true, "pet_name": "Rex"})
	if len(missing) != 0 {
		t.Errorf("expected nothing missing, got %+v", missing)
	}

	// Whitespace-only answer is still missing
	missing = MissingRequired(g, metadata.DataContext{"name": "  ", "has_pet": false})
	if len(missing) != 1 || missing[0].ID != "name" {
		t.Errorf("whitespace answer should count as missing, got %+v", missing)
	}
}

func TestEvaluateVisibilityWithWarnings(t *testing.T) {
	g := testGraph()

	state, warnings := EvaluateVisibilityWithWarnings(g, metadata.DataContext{"has_pet": true})
	if len(warnings) != 0 {
		t.Errorf("well-formed conditions produce no warnings: %+v", warnings)
	}
	if len(state.PageIDs) != 2 {
		t.Errorf("both pages visible: %+v", state.PageIDs)
	}
	// pet_age hidden: pet_name unanswered
	for _, id := range state.BlockIDs {
		if id == "pet_age" {
			t.Error("pet_age should be hidden until pet_name is answered")
		}
	}
}

func TestEvaluateVisibilityWarningsSurface(t *testing.T) {
	g := &metadata.Graph{Pages: []metadata.Page{{
		ID:        "p1",
		VisibleIf: tree(cond("x", "bogus", "y")),
		Blocks:    []metadata.Block{{ID: "b1"}},
	}}}

	state, warnings := EvaluateVisibilityWithWarnings(g, metadata.DataContext{})
	if len(state.PageIDs) != 1 {
		t.Errorf("bogus condition fails open, page stays visible: %+v", state)
	}
	if len(warnings) != 1 {
		t.Errorf("expected one warning, got %+v", warnings)
	}
}

func TestEvaluateVisibilityNilGraph(t *testing.T) {
	state, warnings := EvaluateVisibilityWithWarnings(nil, metadata.DataContext{})
	if state == nil || len(state.PageIDs) != 0 || len(state.BlockIDs) != 0 {
		t.Errorf("nil graph yields empty state, got %+v", state)
	}
	if warnings != nil {
		t.Errorf("nil graph yields no warnings, got %+v", warnings)
	}
}
