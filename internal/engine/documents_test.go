package engine

import (
	"testing"

	"formflow-backend/internal/metadata"
)

func TestFillPlaceholders(t *testing.T) {
	answers := metadata.DataContext{
		"name":   "Ada",
		"amount": float64(42),
		"tags":   []any{"a", "b"},
	}

	out := FillPlaceholders("Dear {{name}}, you owe {{amount}}.", answers)
	if out != "Dear Ada, you owe 42." {
		t.Errorf("unexpected render: %q", out)
	}

	// Whitespace inside the markers is tolerated
	out = FillPlaceholders("Hi {{ name }}!", answers)
	if out != "Hi Ada!" {
		t.Errorf("unexpected render: %q", out)
	}

	// Missing variables render as empty string
	out = FillPlaceholders("Ref: {{missing}}.", answers)
	if out != "Ref: ." {
		t.Errorf("unexpected render: %q", out)
	}

	// Arrays join with comma
	out = FillPlaceholders("Tags: {{tags}}", answers)
	if out != "Tags: a, b" {
		t.Errorf("unexpected render: %q", out)
	}
}

func TestRenderDocumentsVisibility(t *testing.T) {
	templates := []*metadata.DocumentTemplate{
		{
			ID: "t1", Name: "Receipt", Active: true,
			Content: "Receipt for {{name}}",
		},
		{
			ID: "t2", Name: "Minor consent", Active: true,
			Content:   "Guardian: {{guardian}}",
			VisibleIf: tree(cond("age", metadata.OpLessThan, float64(18))),
		},
	}

	docs := RenderDocuments(templates, metadata.DataContext{"name": "Ada", "age": float64(30)})
	if len(docs) != 1 {
		t.Fatalf("expected only the receipt, got %+v", docs)
	}
	if docs[0].TemplateID != "t1" || docs[0].Content != "Receipt for Ada" {
		t.Errorf("unexpected document: %+v", docs[0])
	}

	docs = RenderDocuments(templates, metadata.DataContext{"name": "Kid", "age": float64(12), "guardian": "Ada"})
	if len(docs) != 2 {
		t.Fatalf("expected both documents, got %+v", docs)
	}
	if docs[1].Content != "Guardian: Ada" {
		t.Errorf("unexpected consent render: %+v", docs[1])
	}
}

func TestVisibleDocumentsMalformedConditionIncluded(t *testing.T) {
	templates := []*metadata.DocumentTemplate{
		{
			ID: "t1", Name: "Odd", Active: true, Content: "x",
			VisibleIf: tree(cond("x", "bogus_operator", "y")),
		},
	}
	docs := VisibleDocuments(templates, metadata.DataContext{})
	if len(docs) != 1 {
		t.Errorf("malformed condition fails open, template included: %+v", docs)
	}
}
