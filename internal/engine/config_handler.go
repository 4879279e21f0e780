package engine

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/metadata"
	"formflow-backend/internal/store"
)

// ConfigHandler manages per-workflow authoring configuration: validation
// rules, document templates and webhooks. Every successful write reloads
// the metadata registry.
type ConfigHandler struct {
	store    *store.Store
	registry *metadata.Registry
	handler  *Handler
}

func NewConfigHandler(s *store.Store, reg *metadata.Registry, h *Handler) *ConfigHandler {
	return &ConfigHandler{store: s, registry: reg, handler: h}
}

// --- Rules ---

// ListRules handles GET /api/workflows/:id/rules
func (ch *ConfigHandler) ListRules(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}
	rules := ch.registry.GetRulesForWorkflow(wf.ID)
	if rules == nil {
		rules = []*metadata.Rule{}
	}
	return c.JSON(fiber.Map{"data": rules})
}

// CreateRule handles POST /api/workflows/:id/rules
func (ch *ConfigHandler) CreateRule(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	var rule metadata.Rule
	if err := c.BodyParser(&rule); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if details := validateRule(&rule); len(details) > 0 {
		return respondError(c, ValidationError(details))
	}

	rule.ID = store.GenerateUUID()
	rule.WorkflowID = wf.ID
	defJSON, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}

	pb := ch.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf(`INSERT INTO workflow_rules (id, workflow_id, type, definition, active)
		 VALUES (%s, %s, %s, %s, %s)`,
			pb.Add(rule.ID), pb.Add(rule.WorkflowID), pb.Add(rule.Type),
			pb.Add(string(defJSON)), pb.Add(rule.Active)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	if err := ch.reload(c); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": rule})
}

// UpdateRule handles PUT /api/workflows/:id/rules/:ruleId
func (ch *ConfigHandler) UpdateRule(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	ruleID := c.Params("ruleId")

	var rule metadata.Rule
	if err := c.BodyParser(&rule); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if details := validateRule(&rule); len(details) > 0 {
		return respondError(c, ValidationError(details))
	}

	defJSON, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}

	pb := ch.store.Dialect.NewParamBuilder()
	n, err := store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf(`UPDATE workflow_rules SET type = %s, definition = %s, active = %s, updated_at = %s
		 WHERE id = %s AND workflow_id = %s`,
			pb.Add(rule.Type), pb.Add(string(defJSON)), pb.Add(rule.Active),
			ch.store.Dialect.NowExpr(), pb.Add(ruleID), pb.Add(wf.ID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n == 0 {
		return respondError(c, NotFoundError("rule", ruleID))
	}

	if err := ch.reload(c); err != nil {
		return err
	}
	rule.ID = ruleID
	rule.WorkflowID = wf.ID
	return c.JSON(fiber.Map{"data": rule})
}

// DeleteRule handles DELETE /api/workflows/:id/rules/:ruleId
func (ch *ConfigHandler) DeleteRule(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	return ch.deleteConfigRow(c, "workflow_rules", "rule", wf.ID, c.Params("ruleId"))
}

func validateRule(rule *metadata.Rule) []ErrorDetail {
	var details []ErrorDetail
	switch rule.Type {
	case metadata.RuleField:
		if rule.Definition.Variable == "" {
			details = append(details, ErrorDetail{Field: "definition.variable", Message: "variable is required for field rules"})
		}
		if rule.Definition.Operator == "" {
			details = append(details, ErrorDetail{Field: "definition.operator", Message: "operator is required for field rules"})
		}
	case metadata.RuleExpression:
		if rule.Definition.Expression == "" {
			details = append(details, ErrorDetail{Field: "definition.expression", Message: "expression is required for expression rules"})
		} else if _, err := CompileExpression(rule.Definition.Expression); err != nil {
			details = append(details, ErrorDetail{Field: "definition.expression", Message: err.Error()})
		}
	default:
		details = append(details, ErrorDetail{Field: "type", Message: "type must be field or expression"})
	}
	return details
}

// --- Document templates ---

// ListTemplates handles GET /api/workflows/:id/templates
func (ch *ConfigHandler) ListTemplates(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}
	templates := ch.registry.GetTemplatesForWorkflow(wf.ID)
	if templates == nil {
		templates = []*metadata.DocumentTemplate{}
	}
	return c.JSON(fiber.Map{"data": templates})
}

// CreateTemplate handles POST /api/workflows/:id/templates
func (ch *ConfigHandler) CreateTemplate(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	var tpl metadata.DocumentTemplate
	if err := c.BodyParser(&tpl); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if tpl.Name == "" {
		return respondError(c, ValidationError([]ErrorDetail{{Field: "name", Message: "name is required"}}))
	}

	tpl.ID = store.GenerateUUID()
	tpl.WorkflowID = wf.ID
	visibleIf, err := marshalTree(tpl.VisibleIf)
	if err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid visibleIf condition"))
	}

	pb := ch.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf(`INSERT INTO document_templates (id, workflow_id, name, content, visible_if, active)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(tpl.ID), pb.Add(tpl.WorkflowID), pb.Add(tpl.Name), pb.Add(tpl.Content),
			pb.Add(visibleIf), pb.Add(tpl.Active)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	if err := ch.reload(c); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": tpl})
}

// UpdateTemplate handles PUT /api/workflows/:id/templates/:templateId
func (ch *ConfigHandler) UpdateTemplate(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	templateID := c.Params("templateId")

	var tpl metadata.DocumentTemplate
	if err := c.BodyParser(&tpl); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if tpl.Name == "" {
		return respondError(c, ValidationError([]ErrorDetail{{Field: "name", Message: "name is required"}}))
	}
	visibleIf, err := marshalTree(tpl.VisibleIf)
	if err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid visibleIf condition"))
	}

	pb := ch.store.Dialect.NewParamBuilder()
	n, err := store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf(`UPDATE document_templates SET name = %s, content = %s, visible_if = %s, active = %s, updated_at = %s
		 WHERE id = %s AND workflow_id = %s`,
			pb.Add(tpl.Name), pb.Add(tpl.Content), pb.Add(visibleIf), pb.Add(tpl.Active),
			ch.store.Dialect.NowExpr(), pb.Add(templateID), pb.Add(wf.ID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n == 0 {
		return respondError(c, NotFoundError("template", templateID))
	}

	if err := ch.reload(c); err != nil {
		return err
	}
	tpl.ID = templateID
	tpl.WorkflowID = wf.ID
	return c.JSON(fiber.Map{"data": tpl})
}

// DeleteTemplate handles DELETE /api/workflows/:id/templates/:templateId
func (ch *ConfigHandler) DeleteTemplate(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	return ch.deleteConfigRow(c, "document_templates", "template", wf.ID, c.Params("templateId"))
}

// --- Webhooks ---

// ListWebhooks handles GET /api/workflows/:id/webhooks
func (ch *ConfigHandler) ListWebhooks(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanView)
	if err != nil {
		return respondAppError(c, err)
	}
	webhooks := ch.registry.GetWebhooksForWorkflow(wf.ID)
	if webhooks == nil {
		webhooks = []*metadata.Webhook{}
	}
	return c.JSON(fiber.Map{"data": webhooks})
}

// CreateWebhook handles POST /api/workflows/:id/webhooks
func (ch *ConfigHandler) CreateWebhook(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}

	var wh metadata.Webhook
	if err := c.BodyParser(&wh); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if details := validateWebhook(&wh); len(details) > 0 {
		return respondError(c, ValidationError(details))
	}

	wh.ID = store.GenerateUUID()
	wh.WorkflowID = wf.ID
	defJSON, err := json.Marshal(wh)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	pb := ch.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf(`INSERT INTO webhooks (id, workflow_id, definition) VALUES (%s, %s, %s)`,
			pb.Add(wh.ID), pb.Add(wh.WorkflowID), pb.Add(string(defJSON))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}

	if err := ch.reload(c); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": wh})
}

// UpdateWebhook handles PUT /api/workflows/:id/webhooks/:webhookId
func (ch *ConfigHandler) UpdateWebhook(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	webhookID := c.Params("webhookId")

	var wh metadata.Webhook
	if err := c.BodyParser(&wh); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if details := validateWebhook(&wh); len(details) > 0 {
		return respondError(c, ValidationError(details))
	}

	wh.ID = webhookID
	wh.WorkflowID = wf.ID
	defJSON, err := json.Marshal(wh)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	pb := ch.store.Dialect.NewParamBuilder()
	n, err := store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf(`UPDATE webhooks SET definition = %s, updated_at = %s WHERE id = %s AND workflow_id = %s`,
			pb.Add(string(defJSON)), ch.store.Dialect.NowExpr(), pb.Add(webhookID), pb.Add(wf.ID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n == 0 {
		return respondError(c, NotFoundError("webhook", webhookID))
	}

	if err := ch.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": wh})
}

// DeleteWebhook handles DELETE /api/workflows/:id/webhooks/:webhookId
func (ch *ConfigHandler) DeleteWebhook(c *fiber.Ctx) error {
	wf, err := ch.handler.loadWorkflow(c, metadata.RoleCanEdit)
	if err != nil {
		return respondAppError(c, err)
	}
	return ch.deleteConfigRow(c, "webhooks", "webhook", wf.ID, c.Params("webhookId"))
}

func validateWebhook(wh *metadata.Webhook) []ErrorDetail {
	var details []ErrorDetail
	if wh.URL == "" {
		details = append(details, ErrorDetail{Field: "url", Message: "url is required"})
	}
	switch wh.Method {
	case "POST", "PUT", "PATCH":
	case "":
		wh.Method = "POST"
	default:
		details = append(details, ErrorDetail{Field: "method", Message: "method must be POST, PUT or PATCH"})
	}
	if wh.Condition != "" {
		if _, err := CompileExpression(wh.Condition); err != nil {
			details = append(details, ErrorDetail{Field: "condition", Message: err.Error()})
		}
	}
	if wh.Retry.MaxAttempts < 1 {
		wh.Retry.MaxAttempts = 1
	}
	return details
}

func (ch *ConfigHandler) deleteConfigRow(c *fiber.Ctx, table, resource, workflowID, id string) error {
	pb := ch.store.Dialect.NewParamBuilder()
	n, err := store.Exec(c.UserContext(), ch.store.DB,
		fmt.Sprintf("DELETE FROM %s WHERE id = %s AND workflow_id = %s", table, pb.Add(id), pb.Add(workflowID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", resource, err)
	}
	if n == 0 {
		return respondError(c, NotFoundError(resource, id))
	}
	if err := ch.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

func (ch *ConfigHandler) reload(c *fiber.Ctx) error {
	if err := metadata.Reload(c.UserContext(), ch.store.DB, ch.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	return nil
}

func marshalTree(t *metadata.Tree) (any, error) {
	if t == nil || t.Root == nil {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
