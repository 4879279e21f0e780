package engine

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the workflow engine API. All routes assume the auth
// middleware has populated the user context.
func RegisterRoutes(app *fiber.App, h *Handler, ch *ConfigHandler) {
	api := app.Group("/api")

	// Authoring
	api.Post("/orgs/:orgId/workflows", h.CreateWorkflow)
	api.Get("/orgs/:orgId/workflows", h.ListWorkflows)
	api.Get("/workflows/:id", h.GetWorkflow)
	api.Put("/workflows/:id/draft", h.SaveDraft)
	api.Patch("/workflows/:id", h.UpdateWorkflow)
	api.Delete("/workflows/:id", h.DeleteWorkflow)
	api.Get("/workflows/:id/diff", h.PreviewDiff)

	// Versions
	api.Post("/workflows/:id/versions", h.PublishVersion)
	api.Get("/workflows/:id/versions", h.ListVersions)
	api.Get("/workflows/:id/versions/:number", h.GetVersion)

	// Runs
	api.Post("/workflows/:id/runs", h.CreateRun)
	api.Get("/workflows/:id/runs", h.ListRuns)
	api.Get("/runs/:id", h.GetRun)
	api.Patch("/runs/:id/answers", h.PatchAnswers)
	api.Post("/runs/:id/submit", h.SubmitRun)
	api.Get("/runs/:id/visibility", h.RunVisibility)
	api.Get("/runs/:id/documents", h.RunDocuments)

	// Authoring-time condition preview
	api.Post("/evaluate", h.EvaluateCondition)

	// Workflow configuration
	api.Get("/workflows/:id/rules", ch.ListRules)
	api.Post("/workflows/:id/rules", ch.CreateRule)
	api.Put("/workflows/:id/rules/:ruleId", ch.UpdateRule)
	api.Delete("/workflows/:id/rules/:ruleId", ch.DeleteRule)

	api.Get("/workflows/:id/templates", ch.ListTemplates)
	api.Post("/workflows/:id/templates", ch.CreateTemplate)
	api.Put("/workflows/:id/templates/:templateId", ch.UpdateTemplate)
	api.Delete("/workflows/:id/templates/:templateId", ch.DeleteTemplate)

	api.Get("/workflows/:id/webhooks", ch.ListWebhooks)
	api.Post("/workflows/:id/webhooks", ch.CreateWebhook)
	api.Put("/workflows/:id/webhooks/:webhookId", ch.UpdateWebhook)
	api.Delete("/workflows/:id/webhooks/:webhookId", ch.DeleteWebhook)
}
