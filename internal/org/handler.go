package org

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/engine"
	"formflow-backend/internal/metadata"
)

// Handler exposes organization and membership REST endpoints.
type Handler struct {
	service *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes mounts the org API under /api/orgs.
func RegisterRoutes(app *fiber.App, h *Handler) {
	api := app.Group("/api/orgs")

	api.Post("/", h.Create)
	api.Get("/", h.List)
	api.Get("/:orgId", h.Get)
	api.Patch("/:orgId", h.Update)
	api.Delete("/:orgId", h.Delete)

	api.Get("/:orgId/members", h.ListMembers)
	api.Post("/:orgId/members", h.AddMember)
	api.Put("/:orgId/members/:memberId", h.UpdateMemberRole)
	api.Delete("/:orgId/members/:memberId", h.RemoveMember)
}

// Create handles POST /api/orgs
func (h *Handler) Create(c *fiber.Ctx) error {
	user := getUser(c)
	if user == nil {
		return respondAppError(c, engine.UnauthorizedError("Authentication required"))
	}

	var body struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondAppError(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	org, err := h.service.Create(c.UserContext(), body.Name, body.Slug, user.ID)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": org})
}

// List handles GET /api/orgs. It returns the caller's organizations, or all
// of them for platform admins.
func (h *Handler) List(c *fiber.Ctx) error {
	user := getUser(c)
	if user == nil {
		return respondAppError(c, engine.UnauthorizedError("Authentication required"))
	}

	var (
		orgs []*Organization
		err  error
	)
	if user.IsAdmin() {
		orgs, err = h.service.ListAll(c.UserContext())
	} else {
		orgs, err = h.service.ListForUser(c.UserContext(), user.ID)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": orgs})
}

// Get handles GET /api/orgs/:orgId
func (h *Handler) Get(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, metadata.RoleCanView); err != nil {
		return respondAppError(c, err)
	}

	org, err := h.service.Get(c.UserContext(), orgID)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": org})
}

// Update handles PATCH /api/orgs/:orgId
func (h *Handler) Update(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, metadata.RoleCanManageMembers); err != nil {
		return respondAppError(c, err)
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondAppError(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	if err := h.service.Rename(c.UserContext(), orgID, body.Name); err != nil {
		return respondAppError(c, err)
	}
	org, err := h.service.Get(c.UserContext(), orgID)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": org})
}

// Delete handles DELETE /api/orgs/:orgId. Owner only.
func (h *Handler) Delete(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, func(role string) bool { return role == metadata.RoleOwner }); err != nil {
		return respondAppError(c, err)
	}

	if err := h.service.Delete(c.UserContext(), orgID); err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": orgID}})
}

// ListMembers handles GET /api/orgs/:orgId/members
func (h *Handler) ListMembers(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, metadata.RoleCanView); err != nil {
		return respondAppError(c, err)
	}

	members, err := h.service.ListMembers(c.UserContext(), orgID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": members})
}

// AddMember handles POST /api/orgs/:orgId/members
func (h *Handler) AddMember(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, metadata.RoleCanManageMembers); err != nil {
		return respondAppError(c, err)
	}

	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondAppError(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if body.Email == "" {
		return respondAppError(c, engine.ValidationError([]engine.ErrorDetail{{Field: "email", Message: "email is required"}}))
	}
	if body.Role == "" {
		body.Role = metadata.RoleViewer
	}
	if !metadata.ValidRole(body.Role) {
		return respondAppError(c, engine.ValidationError([]engine.ErrorDetail{{Field: "role", Message: "unknown role"}}))
	}

	member, err := h.service.AddMember(c.UserContext(), orgID, body.Email, body.Role)
	if err != nil {
		return respondAppError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": member})
}

// UpdateMemberRole handles PUT /api/orgs/:orgId/members/:memberId
func (h *Handler) UpdateMemberRole(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, metadata.RoleCanManageMembers); err != nil {
		return respondAppError(c, err)
	}

	var body struct {
		Role string `json:"role"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondAppError(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if !metadata.ValidRole(body.Role) {
		return respondAppError(c, engine.ValidationError([]engine.ErrorDetail{{Field: "role", Message: "unknown role"}}))
	}

	if err := h.service.UpdateMemberRole(c.UserContext(), orgID, c.Params("memberId"), body.Role); err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("memberId"), "role": body.Role}})
}

// RemoveMember handles DELETE /api/orgs/:orgId/members/:memberId
func (h *Handler) RemoveMember(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if err := h.requireRole(c, orgID, metadata.RoleCanManageMembers); err != nil {
		return respondAppError(c, err)
	}

	if err := h.service.RemoveMember(c.UserContext(), orgID, c.Params("memberId")); err != nil {
		return respondAppError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("memberId")}})
}

func (h *Handler) requireRole(c *fiber.Ctx, orgID string, allowed func(string) bool) error {
	user := getUser(c)
	if user == nil {
		return engine.UnauthorizedError("Authentication required")
	}
	if user.IsAdmin() {
		return nil
	}

	role, err := h.service.RoleInOrg(c.UserContext(), orgID, user.ID)
	if err != nil {
		return err
	}
	if role == "" || !allowed(role) {
		return engine.ForbiddenError("Insufficient permissions for this organization")
	}
	return nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func respondAppError(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}
	return err
}
