package metadata

import "sync"

// Registry caches the runtime configuration attached to workflows: webhooks,
// document templates, and validation rules. It is loaded at startup and
// reloaded after admin mutations. Reads vastly outnumber writes.
type Registry struct {
	mu                  sync.RWMutex
	webhooksByWorkflow  map[string][]*Webhook
	templatesByWorkflow map[string][]*DocumentTemplate
	rulesByWorkflow     map[string][]*Rule
}

func NewRegistry() *Registry {
	return &Registry{
		webhooksByWorkflow:  make(map[string][]*Webhook),
		templatesByWorkflow: make(map[string][]*DocumentTemplate),
		rulesByWorkflow:     make(map[string][]*Rule),
	}
}

// GetWebhooksForWorkflow returns the active webhooks for a workflow.
func (r *Registry) GetWebhooksForWorkflow(workflowID string) []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*Webhook
	for _, wh := range r.webhooksByWorkflow[workflowID] {
		if wh.Active {
			active = append(active, wh)
		}
	}
	return active
}

// GetTemplatesForWorkflow returns the active document templates for a workflow.
func (r *Registry) GetTemplatesForWorkflow(workflowID string) []*DocumentTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*DocumentTemplate
	for _, tpl := range r.templatesByWorkflow[workflowID] {
		if tpl.Active {
			active = append(active, tpl)
		}
	}
	return active
}

// GetRulesForWorkflow returns the active validation rules for a workflow.
func (r *Registry) GetRulesForWorkflow(workflowID string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*Rule
	for _, rule := range r.rulesByWorkflow[workflowID] {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active
}

// LoadWebhooks replaces all webhooks in the registry.
func (r *Registry) LoadWebhooks(webhooks []*Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooksByWorkflow = make(map[string][]*Webhook)
	for _, wh := range webhooks {
		r.webhooksByWorkflow[wh.WorkflowID] = append(r.webhooksByWorkflow[wh.WorkflowID], wh)
	}
}

// LoadTemplates replaces all document templates in the registry.
func (r *Registry) LoadTemplates(templates []*DocumentTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templatesByWorkflow = make(map[string][]*DocumentTemplate)
	for _, tpl := range templates {
		r.templatesByWorkflow[tpl.WorkflowID] = append(r.templatesByWorkflow[tpl.WorkflowID], tpl)
	}
}

// LoadRules replaces all rules in the registry.
func (r *Registry) LoadRules(rules []*Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rulesByWorkflow = make(map[string][]*Rule)
	for _, rule := range rules {
		r.rulesByWorkflow[rule.WorkflowID] = append(r.rulesByWorkflow[rule.WorkflowID], rule)
	}
}
