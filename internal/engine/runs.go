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

// RunService manages workflow runs: creation against the latest published
// version, incremental answer saving, and final submission with required
// field and business rule checks.
type RunService struct {
	Store    *store.Store
	Registry *metadata.Registry
	Versions *VersionService
}

func NewRunService(s *store.Store, reg *metadata.Registry, versions *VersionService) *RunService {
	return &RunService{Store: s, Registry: reg, Versions: versions}
}

const runColumns = "id, workflow_id, version_id, org_id, status, answers, created_by, created_at, updated_at"

// Create starts a run against the latest published version of the workflow.
func (svc *RunService) Create(ctx context.Context, workflowID, createdBy string) (*metadata.Run, error) {
	wf, err := svc.Versions.Workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != metadata.WorkflowActive {
		return nil, NewAppError("WORKFLOW_NOT_ACTIVE", 422, fmt.Sprintf("workflow %s is not active", workflowID))
	}

	version, err := svc.Versions.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, NewAppError("NO_PUBLISHED_VERSION", 422, fmt.Sprintf("workflow %s has no published version", workflowID))
	}

	run := &metadata.Run{
		ID:         store.GenerateUUID(),
		WorkflowID: workflowID,
		VersionID:  version.ID,
		OrgID:      wf.OrgID,
		Status:     metadata.RunInProgress,
		Answers:    metadata.DataContext{},
		CreatedBy:  createdBy,
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf(`INSERT INTO workflow_runs (id, workflow_id, version_id, org_id, status, answers, created_by)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(run.ID), pb.Add(run.WorkflowID), pb.Add(run.VersionID), pb.Add(run.OrgID),
			pb.Add(run.Status), pb.Add("{}"), pb.Add(nilIfEmpty(createdBy))),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Get loads a run by id.
func (svc *RunService) Get(ctx context.Context, id string) (*metadata.Run, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflow_runs WHERE id = %s", runColumns, pb.Add(id)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("run", id)
	}
	if err != nil {
		return nil, err
	}
	return ParseRunRow(row)
}

// ListByWorkflow returns all runs for a workflow, newest first.
func (svc *RunService) ListByWorkflow(ctx context.Context, workflowID string) ([]*metadata.Run, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT %s FROM workflow_runs WHERE workflow_id = %s ORDER BY created_at DESC",
			runColumns, pb.Add(workflowID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	runs := make([]*metadata.Run, 0, len(rows))
	for _, row := range rows {
		run, err := ParseRunRow(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PatchAnswers merges partial answers into the run. A key set to nil clears
// that answer. Only in-progress runs can be updated.
func (svc *RunService) PatchAnswers(ctx context.Context, id string, partial metadata.DataContext) (*metadata.Run, error) {
	run, err := svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != metadata.RunInProgress {
		return nil, NewAppError("RUN_ALREADY_SUBMITTED", 409, fmt.Sprintf("run %s is already submitted", id))
	}

	if run.Answers == nil {
		run.Answers = metadata.DataContext{}
	}
	for k, v := range partial {
		if v == nil {
			delete(run.Answers, k)
			continue
		}
		run.Answers[k] = v
	}

	if err := svc.persistAnswers(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (svc *RunService) persistAnswers(ctx context.Context, run *metadata.Run) error {
	answersJSON, err := json.Marshal(run.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE workflow_runs SET answers = %s, updated_at = %s WHERE id = %s",
			pb.Add(string(answersJSON)), svc.Store.Dialect.NowExpr(), pb.Add(run.ID)),
		pb.Params()...)
	return err
}

// SubmitResult is returned when a submission is rejected so the client can
// show what is missing or violated.
type SubmitResult struct {
	Run      *metadata.Run      `json:"run"`
	Warnings []ConditionWarning `json:"warnings,omitempty"`
}

// Submit finalizes a run. Required fields are checked against the version's
// graph with visibility applied (a hidden required field never blocks), then
// active business rules run against the answers. On success the run status
// flips to submitted and the workflow's webhooks fire asynchronously.
func (svc *RunService) Submit(ctx context.Context, id string, user *metadata.UserContext) (*SubmitResult, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "runs", "run.submit")
	defer span.End()
	span.SetEntity("run", id)

	run, err := svc.Get(ctx, id)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if run.Status != metadata.RunInProgress {
		return nil, NewAppError("RUN_ALREADY_SUBMITTED", 409, fmt.Sprintf("run %s is already submitted", id))
	}

	version, err := svc.Versions.GetByID(ctx, run.VersionID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	var details []ErrorDetail
	for _, block := range MissingRequired(version.Graph, run.Answers) {
		details = append(details, ErrorDetail{
			Field:   block.VariableName,
			Rule:    "required",
			Message: fmt.Sprintf("%s is required", blockLabel(block)),
		})
	}
	details = append(details, EvaluateRules(ctx, svc.Registry, run.WorkflowID, run.Answers)...)
	if len(details) > 0 {
		span.SetStatus("error")
		span.SetMetadata("violations", len(details))
		return nil, ValidationError(details)
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE workflow_runs SET status = %s, updated_at = %s WHERE id = %s",
			pb.Add(metadata.RunSubmitted), svc.Store.Dialect.NowExpr(), pb.Add(run.ID)),
		pb.Params()...)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	run.Status = metadata.RunSubmitted

	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "run.submitted", "run", run.ID, map[string]any{
		"workflow_id": run.WorkflowID,
		"version_id":  run.VersionID,
	})
	FireSubmissionWebhooks(ctx, svc.Store, svc.Registry, run, user)

	_, warnings := EvaluateVisibilityWithWarnings(version.Graph, run.Answers)
	for _, w := range warnings {
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "condition.warning", "run", run.ID, map[string]any{
			"workflow_id": run.WorkflowID,
			"variable":    w.Variable,
			"operator":    w.Operator,
			"reason":      w.Reason,
		})
	}
	return &SubmitResult{Run: run, Warnings: warnings}, nil
}

func blockLabel(b metadata.Block) string {
	if b.Title != "" {
		return b.Title
	}
	if b.VariableName != "" {
		return b.VariableName
	}
	return b.ID
}

// ParseRunRow parses a database row into a Run.
func ParseRunRow(row map[string]any) (*metadata.Run, error) {
	run := &metadata.Run{
		ID:         fmt.Sprintf("%v", row["id"]),
		WorkflowID: fmt.Sprintf("%v", row["workflow_id"]),
		VersionID:  fmt.Sprintf("%v", row["version_id"]),
		OrgID:      fmt.Sprintf("%v", row["org_id"]),
		Status:     fmt.Sprintf("%v", row["status"]),
		Answers:    metadata.DataContext{},
	}
	if cb, ok := row["created_by"]; ok && cb != nil {
		run.CreatedBy = fmt.Sprintf("%v", cb)
	}
	run.CreatedAt = parseRowTime(row["created_at"])
	run.UpdatedAt = parseRowTime(row["updated_at"])

	if a, ok := row["answers"]; ok && a != nil {
		switch v := a.(type) {
		case string:
			json.Unmarshal([]byte(v), &run.Answers)
		case []byte:
			json.Unmarshal(v, &run.Answers)
		case map[string]any:
			run.Answers = metadata.DataContext(v)
		}
	}
	return run, nil
}
