package metadata

import "time"

// DocumentTemplate is a generated-document definition: text content with
// {{variable}} placeholders filled from run answers. VisibleIf decides
// whether the document is included for a given run at all.
type DocumentTemplate struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	VisibleIf  *Tree     `json:"visibleIf,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}
