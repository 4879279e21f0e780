package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"formflow-backend/internal/metadata"
	"formflow-backend/internal/store"
)

// WorkflowService handles authoring-time workflow persistence: the mutable
// draft graph and the lifecycle status. Published snapshots are handled by
// VersionService.
type WorkflowService struct {
	Store *store.Store
}

func NewWorkflowService(s *store.Store) *WorkflowService {
	return &WorkflowService{Store: s}
}

const workflowColumns = "id, org_id, name, status, draft, created_by, created_at, updated_at"

// Create inserts a new draft workflow with an empty graph.
func (svc *WorkflowService) Create(ctx context.Context, orgID, name, createdBy string) (*metadata.Workflow, error) {
	if name == "" {
		return nil, ValidationError([]ErrorDetail{{Field: "name", Message: "name is required"}})
	}

	wf := &metadata.Workflow{
		ID:        store.GenerateUUID(),
		OrgID:     orgID,
		Name:      name,
		Status:    metadata.WorkflowDraft,
		Draft:     &metadata.Graph{Pages: []metadata.Page{}},
		CreatedBy: createdBy,
	}
	draftJSON, err := json.Marshal(wf.Draft)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf(`INSERT INTO workflows (id, org_id, name, status, draft, created_by)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(wf.ID), pb.Add(wf.OrgID), pb.Add(wf.Name), pb.Add(wf.Status),
			pb.Add(string(draftJSON)), pb.Add(nilIfEmpty(wf.CreatedBy))),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	return wf, nil
}

// Get loads a workflow by id.
func (svc *WorkflowService) Get(ctx context.Context, id string) (*metadata.Workflow, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflows WHERE id = %s", workflowColumns, pb.Add(id)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return ParseWorkflowRow(row)
}

// ListByOrg returns all workflows belonging to an organization.
func (svc *WorkflowService) ListByOrg(ctx context.Context, orgID string) ([]*metadata.Workflow, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflows WHERE org_id = %s ORDER BY created_at DESC", workflowColumns, pb.Add(orgID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	workflows := make([]*metadata.Workflow, 0, len(rows))
	for _, row := range rows {
		wf, err := ParseWorkflowRow(row)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// UpdateDraft replaces the workflow's draft graph. Drafts may be saved in any
// intermediate state; structural validation happens at publish time.
func (svc *WorkflowService) UpdateDraft(ctx context.Context, id string, graph *metadata.Graph) (*metadata.Workflow, error) {
	wf, err := svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		graph = &metadata.Graph{Pages: []metadata.Page{}}
	}

	draftJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE workflows SET draft = %s, updated_at = %s WHERE id = %s",
			pb.Add(string(draftJSON)), svc.Store.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}

	wf.Draft = graph
	return wf, nil
}

// Rename updates the workflow's display name.
func (svc *WorkflowService) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return ValidationError([]ErrorDetail{{Field: "name", Message: "name is required"}})
	}
	pb := svc.Store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE workflows SET name = %s, updated_at = %s WHERE id = %s",
			pb.Add(name), svc.Store.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError("workflow", id)
	}
	return nil
}

// UpdateStatus transitions the workflow lifecycle status.
func (svc *WorkflowService) UpdateStatus(ctx context.Context, id, status string) error {
	wf, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := metadata.CheckStatusTransition(wf.Status, status); err != nil {
		return ValidationError([]ErrorDetail{{Field: "status", Message: err.Error()}})
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE workflows SET status = %s, updated_at = %s WHERE id = %s",
			pb.Add(status), svc.Store.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	return err
}

// Delete removes a workflow and, via cascading foreign keys, its versions,
// runs, rules, templates and webhooks.
func (svc *WorkflowService) Delete(ctx context.Context, id string) error {
	pb := svc.Store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("DELETE FROM workflows WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError("workflow", id)
	}
	return nil
}

// ParseWorkflowRow parses a database row into a Workflow.
func ParseWorkflowRow(row map[string]any) (*metadata.Workflow, error) {
	wf := &metadata.Workflow{
		ID:     fmt.Sprintf("%v", row["id"]),
		OrgID:  fmt.Sprintf("%v", row["org_id"]),
		Name:   fmt.Sprintf("%v", row["name"]),
		Status: fmt.Sprintf("%v", row["status"]),
	}
	if cb, ok := row["created_by"]; ok && cb != nil {
		wf.CreatedBy = fmt.Sprintf("%v", cb)
	}
	wf.CreatedAt = parseRowTime(row["created_at"])
	wf.UpdatedAt = parseRowTime(row["updated_at"])

	graph, err := parseRowGraph(row["draft"])
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s draft: %w", wf.ID, err)
	}
	wf.Draft = graph
	return wf, nil
}

// parseRowGraph decodes a graph column that may come back as a JSON string
// (SQLite, pg text) or as an already-decoded map (jsonb drivers).
func parseRowGraph(v any) (*metadata.Graph, error) {
	if v == nil {
		return &metadata.Graph{Pages: []metadata.Page{}}, nil
	}
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		var err error
		raw, err = json.Marshal(val)
		if err != nil {
			return nil, err
		}
	}
	return metadata.ParseGraph(raw)
}

func parseRowTime(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", val); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
