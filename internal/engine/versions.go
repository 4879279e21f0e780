package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"formflow-backend/internal/instrument"
	"formflow-backend/internal/metadata"
	"formflow-backend/internal/store"
)

// VersionService publishes immutable workflow versions and serves the
// version history. Each publish validates the draft graph, diffs it against
// the previous version and stores the diff as the version changelog.
type VersionService struct {
	Store     *store.Store
	Workflows *WorkflowService
}

func NewVersionService(s *store.Store, workflows *WorkflowService) *VersionService {
	return &VersionService{Store: s, Workflows: workflows}
}

const versionColumns = "id, workflow_id, number, graph, changelog, published_by, created_at"

// Publish snapshots the workflow's current draft as the next version.
// The first publish also moves the workflow from draft to active.
func (svc *VersionService) Publish(ctx context.Context, workflowID, publishedBy string) (*metadata.Version, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "versions", "version.publish")
	defer span.End()
	span.SetEntity("workflow", workflowID)

	wf, err := svc.Workflows.Get(ctx, workflowID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	previous, err := svc.Latest(ctx, workflowID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	var prevGraph *metadata.Graph
	number := 1
	if previous != nil {
		prevGraph = previous.Graph
		number = previous.Number + 1
	}

	// Validates both graphs and computes the changelog in one pass.
	diff, err := DiffGraphs(prevGraph, wf.Draft)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	changelog, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("marshal changelog: %w", err)
	}
	graphJSON, err := json.Marshal(wf.Draft)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}

	version := &metadata.Version{
		ID:          store.GenerateUUID(),
		WorkflowID:  workflowID,
		Number:      number,
		Graph:       wf.Draft,
		Changelog:   changelog,
		PublishedBy: publishedBy,
	}

	tx, err := svc.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, tx,
		fmt.Sprintf(`INSERT INTO workflow_versions (id, workflow_id, number, graph, changelog, published_by)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(version.ID), pb.Add(version.WorkflowID), pb.Add(version.Number),
			pb.Add(string(graphJSON)), pb.Add(string(changelog)), pb.Add(nilIfEmpty(publishedBy))),
		pb.Params()...)
	if err != nil {
		span.SetStatus("error")
		return nil, store.MapError(svc.Store.Dialect, err)
	}

	if wf.Status == metadata.WorkflowDraft {
		pb2 := svc.Store.Dialect.NewParamBuilder()
		_, err = store.Exec(ctx, tx,
			fmt.Sprintf("UPDATE workflows SET status = %s, updated_at = %s WHERE id = %s",
				pb2.Add(metadata.WorkflowActive), svc.Store.Dialect.NowExpr(), pb2.Add(workflowID)),
			pb2.Params()...)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	span.SetMetadata("version", version.Number)
	span.SetMetadata("blocks_added", len(diff.Added))
	span.SetMetadata("blocks_removed", len(diff.Removed))
	span.SetMetadata("blocks_modified", len(diff.Modified))
	return version, nil
}

// List returns all versions for a workflow, newest first.
func (svc *VersionService) List(ctx context.Context, workflowID string) ([]*metadata.Version, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflow_versions WHERE workflow_id = %s ORDER BY number DESC",
			versionColumns, pb.Add(workflowID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	versions := make([]*metadata.Version, 0, len(rows))
	for _, row := range rows {
		v, err := ParseVersionRow(row)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Get returns a single version by workflow id and version number.
func (svc *VersionService) Get(ctx context.Context, workflowID string, number int) (*metadata.Version, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflow_versions WHERE workflow_id = %s AND number = %s",
			versionColumns, pb.Add(workflowID), pb.Add(number)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("version", fmt.Sprintf("%s/%d", workflowID, number))
	}
	if err != nil {
		return nil, err
	}
	return ParseVersionRow(row)
}

// GetByID returns a single version by its id.
func (svc *VersionService) GetByID(ctx context.Context, id string) (*metadata.Version, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflow_versions WHERE id = %s", versionColumns, pb.Add(id)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("version", id)
	}
	if err != nil {
		return nil, err
	}
	return ParseVersionRow(row)
}

// Latest returns the highest-numbered version, or nil if none published yet.
func (svc *VersionService) Latest(ctx context.Context, workflowID string) (*metadata.Version, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflow_versions WHERE workflow_id = %s ORDER BY number DESC LIMIT 1",
			versionColumns, pb.Add(workflowID)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseVersionRow(row)
}

// ParseVersionRow parses a database row into a Version.
func ParseVersionRow(row map[string]any) (*metadata.Version, error) {
	v := &metadata.Version{
		ID:         fmt.Sprintf("%v", row["id"]),
		WorkflowID: fmt.Sprintf("%v", row["workflow_id"]),
		Number:     toInt(row["number"]),
	}
	if p, ok := row["published_by"]; ok && p != nil {
		v.PublishedBy = fmt.Sprintf("%v", p)
	}
	v.CreatedAt = parseRowTime(row["created_at"])

	graph, err := parseRowGraph(row["graph"])
	if err != nil {
		return nil, fmt.Errorf("parse version %s graph: %w", v.ID, err)
	}
	v.Graph = graph

	if c, ok := row["changelog"]; ok && c != nil {
		switch val := c.(type) {
		case string:
			v.Changelog = json.RawMessage(val)
		case []byte:
			v.Changelog = json.RawMessage(val)
		default:
			b, _ := json.Marshal(val)
			v.Changelog = b
		}
	}
	return v, nil
}
