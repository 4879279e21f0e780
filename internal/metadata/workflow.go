package metadata

import (
	"encoding/json"
	"time"
)

// Workflow statuses.
const (
	WorkflowDraft    = "draft"
	WorkflowActive   = "active"
	WorkflowArchived = "archived"
)

// Workflow is the authoring-time record: the mutable draft graph plus the
// org scoping and lifecycle status. Published snapshots live in Version.
type Workflow struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Draft     *Graph    `json:"draft"`
	Rules     []*Rule   `json:"rules,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Version is an immutable published snapshot of a workflow graph. Changelog
// holds the serialized diff against the previous version, stored verbatim as
// produced by the diff engine.
type Version struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Number      int             `json:"number"`
	Graph       *Graph          `json:"graph"`
	Changelog   json.RawMessage `json:"changelog,omitempty"`
	PublishedBy string          `json:"published_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// Run statuses.
const (
	RunInProgress = "in_progress"
	RunSubmitted  = "submitted"
)

// Run is a single filling of a published workflow version. Answers is the
// flat variable -> value context every condition evaluates against.
type Run struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	VersionID  string      `json:"version_id"`
	OrgID      string      `json:"org_id"`
	Status     string      `json:"status"`
	Answers    DataContext `json:"answers"`
	CreatedBy  string      `json:"created_by,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty"`
}
