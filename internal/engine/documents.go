package engine

import (
	"regexp"
	"strings"

	"formflow-backend/internal/metadata"
)

// RenderedDocument is a document template filled with run answers.
type RenderedDocument struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// RenderDocuments fills every visible document template for the given
// answers. Hidden templates are excluded entirely; unanswered placeholders
// render as empty strings.
func RenderDocuments(templates []*metadata.DocumentTemplate, answers metadata.DataContext) []RenderedDocument {
	var out []RenderedDocument
	for _, tpl := range VisibleDocuments(templates, answers) {
		out = append(out, RenderedDocument{
			TemplateID: tpl.ID,
			Name:       tpl.Name,
			Content:    FillPlaceholders(tpl.Content, answers),
		})
	}
	return out
}

// FillPlaceholders substitutes {{variable}} markers with answer values.
func FillPlaceholders(content string, answers metadata.DataContext) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		key := strings.TrimSpace(strings.Trim(match, "{}"))
		val, ok := answers[key]
		if !ok || val == nil {
			return ""
		}
		if items, isSlice := toSlice(val); isSlice {
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = normalizeString(item)
			}
			return strings.Join(parts, ", ")
		}
		return normalizeString(val)
	})
}
