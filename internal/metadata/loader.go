package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// LoadAll reads webhooks, document templates, and rules from the database
// and populates the registry.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	webhooks, err := loadWebhooks(ctx, db)
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}
	reg.LoadWebhooks(webhooks)

	templates, err := loadTemplates(ctx, db)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	reg.LoadTemplates(templates)

	rules, err := loadRules(ctx, db)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	reg.LoadRules(rules)

	log.Printf("Loaded %d webhooks, %d templates, %d rules into registry",
		len(webhooks), len(templates), len(rules))
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, db *sql.DB, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadWebhooks(ctx context.Context, db *sql.DB) ([]*Webhook, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, workflow_id, definition FROM webhooks ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		var id, workflowID string
		var defJSON []byte
		if err := rows.Scan(&id, &workflowID, &defJSON); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}

		var wh Webhook
		if err := json.Unmarshal(defJSON, &wh); err != nil {
			log.Printf("WARN: skipping webhook %s (invalid JSON): %v", id, err)
			continue
		}
		wh.ID = id
		wh.WorkflowID = workflowID
		webhooks = append(webhooks, &wh)
	}
	return webhooks, rows.Err()
}

func loadTemplates(ctx context.Context, db *sql.DB) ([]*DocumentTemplate, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, workflow_id, name, content, visible_if, active
		 FROM document_templates ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*DocumentTemplate
	for rows.Next() {
		var tpl DocumentTemplate
		var visibleIf sql.NullString
		var active any
		if err := rows.Scan(&tpl.ID, &tpl.WorkflowID, &tpl.Name, &tpl.Content, &visibleIf, &active); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		if visibleIf.Valid {
			tree, err := ParseTree([]byte(visibleIf.String))
			if err != nil {
				log.Printf("WARN: template %s has invalid visibility condition: %v", tpl.ID, err)
			} else {
				tpl.VisibleIf = tree
			}
		}
		tpl.Active = truthyColumn(active)
		templates = append(templates, &tpl)
	}
	return templates, rows.Err()
}

func loadRules(ctx context.Context, db *sql.DB) ([]*Rule, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, workflow_id, type, definition, active FROM workflow_rules ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var rule Rule
		var defJSON []byte
		var active any
		if err := rows.Scan(&rule.ID, &rule.WorkflowID, &rule.Type, &defJSON, &active); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &rule.Definition); err != nil {
			log.Printf("WARN: skipping rule %s (invalid JSON): %v", rule.ID, err)
			continue
		}
		rule.Active = truthyColumn(active)
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// truthyColumn handles BOOLEAN columns coming back as bool (PostgreSQL)
// or int64 0/1 (SQLite).
func truthyColumn(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}
