package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/metadata"
	"formflow-backend/internal/store"
)

// RoleResolver resolves a user's membership role inside an organization.
// Implemented by the org package.
type RoleResolver interface {
	RoleInOrg(ctx context.Context, orgID, userID string) (string, error)
}

type Handler struct {
	store     *store.Store
	registry  *metadata.Registry
	workflows *WorkflowService
	versions  *VersionService
	runs      *RunService
	roles     RoleResolver
}

func NewHandler(s *store.Store, reg *metadata.Registry, workflows *WorkflowService, versions *VersionService, runs *RunService, roles RoleResolver) *Handler {
	return &Handler{
		store:     s,
		registry:  reg,
		workflows: workflows,
		versions:  versions,
		runs:      runs,
		roles:     roles,
	}
}

// CreateWorkflow handles POST /api/orgs/:orgId/workflows
func (h *Handler) CreateWorkflow(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	user := getUser(c)
	if err := h.requireOrgRole(c, orgID, metadata.RoleCanEdit); err != nil {
		return respondAppError(c, err)
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	wf, err := h.workflows.Create(c.UserContext(), orgID, body.Name, userID(user))
	if err != nil {
		return respondAppError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": wf})
}

// ListWorkflows handles GET /api/orgs/:orgId/workflows
func (h *Handler) ListWorkflows(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireOrgRole(c, orgID, metadata.RoleCanView); err != nil {
		return respondAppError(c, err)
	}

	workflows, err := h.workflows.ListByOrg(c.UserContext(), orgID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": workflows})
}

// GetWorkflow handles GET /api/workflows/:id
func (h *Handler) GetWorkflow(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": wf})
}

// SaveDraft handles PUT /api/workflows/:id/draft
func (h *Handler) SaveDraft(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	graph, err := metadata.ParseGraph(c.Body())
	if err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid graph JSON"))
	}

	updated, err := h.workflows.UpdateDraft(c.UserContext(), wf.ID, graph)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": updated})
}

// UpdateWorkflow handles PATCH /api/workflows/:id (rename and/or status change)
func (h *Handler) UpdateWorkflow(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanPublish)
	if err != nil {
		return respondAppError(c, err)
	}

	var body struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	if body.Name != "" && body.Name != wf.Name {
		if err := h.workflows.Rename(c.UserContext(), wf.ID, body.Name); err != nil {
			return respondAppError(c, err)
		}
	}
	if body.Status != "" && body.Status != wf.Status {
		if err := h.workflows.UpdateStatus(c.UserContext(), wf.ID, body.Status); err != nil {
			return respondAppError(c, err)
		}
	}

	updated, err := h.workflows.Get(c.UserContext(), wf.ID)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": updated})
}

// DeleteWorkflow handles DELETE /api/workflows/:id
func (h *Handler) DeleteWorkflow(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanPublish)
	if err != nil {
		return respondAppError(c, err)
	}
	if err := h.workflows.Delete(c.UserContext(), wf.ID); err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": wf.ID}})
}

// PreviewDiff handles GET /api/workflows/:id/diff. It diffs the current
// draft against the latest published version without publishing.
func (h *Handler) PreviewDiff(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	latest, err := h.versions.Latest(c.UserContext(), wf.ID)
	if err != nil {
		return respondAppError(c, err)
	}
	var prevGraph *metadata.Graph
	if latest != nil {
		prevGraph = latest.Graph
	}

	diff, err := DiffGraphs(prevGraph, wf.Draft)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": diff})
}

// PublishVersion handles POST /api/workflows/:id/versions
func (h *Handler) PublishVersion(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanPublish)
	if err != nil {
		return respondAppError(c, err)
	}

	version, err := h.versions.Publish(c.UserContext(), wf.ID, userID(getUser(c)))
	if err != nil {
		return respondAppError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": version})
}

// ListVersions handles GET /api/workflows/:id/versions
func (h *Handler) ListVersions(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	versions, err := h.versions.List(c.UserContext(), wf.ID)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": versions})
}

// GetVersion handles GET /api/workflows/:id/versions/:number
func (h *Handler) GetVersion(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	number, err := c.ParamsInt("number")
	if err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "version number must be an integer"))
	}

	version, err := h.versions.Get(c.UserContext(), wf.ID, number)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": version})
}

// CreateRun handles POST /api/workflows/:id/runs
func (h *Handler) CreateRun(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	run, err := h.runs.Create(c.UserContext(), wf.ID, userID(getUser(c)))
	if err != nil {
		return respondAppError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": run})
}

// ListRuns handles GET /api/workflows/:id/runs
func (h *Handler) ListRuns(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	runs, err := h.runs.ListByWorkflow(c.UserContext(), wf.ID)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": runs})
}

// GetRun handles GET /api/runs/:id
func (h *Handler) GetRun(c *fiber.Ctx) error {
	run, err := h.loadRun(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": run})
}

// PatchAnswers handles PATCH /api/runs/:id/answers
func (h *Handler) PatchAnswers(c *fiber.Ctx) error {
	run, err := h.loadRun(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	var partial metadata.DataContext
	if err := json.Unmarshal(c.Body(), &partial); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	updated, err := h.runs.PatchAnswers(c.UserContext(), run.ID, partial)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": updated})
}

// SubmitRun handles POST /api/runs/:id/submit
func (h *Handler) SubmitRun(c *fiber.Ctx) error {
	run, err := h.loadRun(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	result, err := h.runs.Submit(c.UserContext(), run.ID, getUser(c))
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": result})
}

// RunVisibility handles GET /api/runs/:id/visibility. It returns the ids of
// pages and blocks currently visible for the run's answers, plus condition
// warnings.
func (h *Handler) RunVisibility(c *fiber.Ctx) error {
	run, err := h.loadRun(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	version, err := h.versions.GetByID(c.UserContext(), run.VersionID)
	if err != nil {
		return respondAppError(c, err)
	}

	state, warnings := EvaluateVisibilityWithWarnings(version.Graph, run.Answers)
	return c.JSON(fiber.Map{
		"data":     state,
		"warnings": warnings,
	})
}

// RunDocuments handles GET /api/runs/:id/documents. It renders the
// workflow's visible document templates against the run's answers.
func (h *Handler) RunDocuments(c *fiber.Ctx) error {
	run, err := h.loadRun(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}

	templates := h.registry.GetTemplatesForWorkflow(run.WorkflowID)
	docs := RenderDocuments(VisibleDocuments(templates, run.Answers), run.Answers)
	return c.JSON(fiber.Map{"data": docs})
}

// EvaluateCondition handles POST /api/evaluate, ad-hoc evaluation of a
// condition tree against a data context for authoring-time previews.
func (h *Handler) EvaluateCondition(c *fiber.Ctx) error {
	var body struct {
		Condition json.RawMessage      `json:"condition"`
		Data      metadata.DataContext `json:"data"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	var tree *metadata.Tree
	if len(body.Condition) > 0 {
		parsed, err := metadata.ParseTree(body.Condition)
		if err != nil {
			// Malformed trees evaluate to true but get reported.
			return c.JSON(fiber.Map{
				"data": fiber.Map{"result": true},
				"warnings": []ConditionWarning{
					{Reason: "malformed condition: " + err.Error()},
				},
			})
		}
		tree = parsed
	}

	result, warnings := EvaluateConditionsWithWarnings(tree, body.Data)
	if warnings == nil {
		warnings = []ConditionWarning{}
	}
	return c.JSON(fiber.Map{
		"data":     fiber.Map{"result": result},
		"warnings": warnings,
	})
}

// loadWorkflow fetches the workflow from the path id and checks the caller's
// org role against the given permission. Errors are AppErrors suitable for
// respondAppError.
func (h *Handler) loadWorkflow(c *fiber.Ctx, allowed func(string) bool) (*metadata.Workflow, error) {
	wf, err := h.workflows.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if err := h.requireOrgRole(c, wf.OrgID, allowed); err != nil {
		return nil, err
	}
	return wf, nil
}

// loadRun fetches the run from the path id and checks the caller's org role.
func (h *Handler) loadRun(c *fiber.Ctx, allowed func(string) bool) (*metadata.Run, error) {
	run, err := h.runs.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if err := h.requireOrgRole(c, run.OrgID, allowed); err != nil {
		return nil, err
	}
	return run, nil
}

// requireOrgRole enforces org membership. Platform admins bypass the check.
func (h *Handler) requireOrgRole(c *fiber.Ctx, orgID string, allowed func(string) bool) error {
	user := getUser(c)
	if user == nil {
		return UnauthorizedError("Authentication required")
	}
	if user.IsAdmin() {
		return nil
	}

	role, err := h.roles.RoleInOrg(c.UserContext(), orgID, user.ID)
	if err != nil {
		return err
	}
	if role == "" || !allowed(role) {
		return ForbiddenError("Insufficient permissions for this organization")
	}
	return nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func userID(u *metadata.UserContext) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// respondAppError renders AppErrors with their status; anything else
// bubbles up to the fiber error handler as a 500.
func respondAppError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}
	if errors.Is(err, store.ErrNotFound) {
		return respondError(c, NewAppError("NOT_FOUND", 404, "Record not found"))
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		return respondError(c, NewAppError("CONFLICT", 409, "A record with this value already exists"))
	}
	return err
}
