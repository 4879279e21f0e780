package engine

import "formflow-backend/internal/metadata"

// VisiblePages returns the pages currently visible for the given answers.
// A block on a hidden page is hidden regardless of its own condition.
func VisiblePages(g *metadata.Graph, data metadata.DataContext) []metadata.Page {
	var out []metadata.Page
	for _, page := range g.Pages {
		if EvaluateConditions(page.VisibleIf, data) {
			out = append(out, page)
		}
	}
	return out
}

// VisibleBlocks returns every block currently visible for the given
// answers, in page then block order.
func VisibleBlocks(g *metadata.Graph, data metadata.DataContext) []metadata.Block {
	var out []metadata.Block
	for _, page := range g.Pages {
		if !EvaluateConditions(page.VisibleIf, data) {
			continue
		}
		for _, block := range page.Blocks {
			if EvaluateConditions(block.VisibleIf, data) {
				out = append(out, block)
			}
		}
	}
	return out
}

// MissingRequired returns the required blocks that are visible and have no
// answer. Hidden required blocks never block submission: required-ness only
// "counts" while the block is shown to the user.
func MissingRequired(g *metadata.Graph, data metadata.DataContext) []metadata.Block {
	var missing []metadata.Block
	for _, block := range VisibleBlocks(g, data) {
		if !block.Required || block.VariableName == "" {
			continue
		}
		if isEmptyValue(data[block.VariableName]) {
			missing = append(missing, block)
		}
	}
	return missing
}

// VisibilityState is the full visibility picture for one graph and one set
// of answers: which pages and blocks show, plus every warning the condition
// evaluator raised while deciding.
type VisibilityState struct {
	PageIDs  []string `json:"page_ids"`
	BlockIDs []string `json:"block_ids"`
}

// EvaluateVisibilityWithWarnings computes the visible page and block ids and
// collects condition warnings. Malformed conditions leave their target
// visible, so warnings are the only trace that something was off.
func EvaluateVisibilityWithWarnings(g *metadata.Graph, data metadata.DataContext) (*VisibilityState, []ConditionWarning) {
	state := &VisibilityState{PageIDs: []string{}, BlockIDs: []string{}}
	var warnings []ConditionWarning
	if g == nil {
		return state, warnings
	}
	for _, page := range g.Pages {
		visible, w := EvaluateConditionsWithWarnings(page.VisibleIf, data)
		warnings = append(warnings, w...)
		if !visible {
			continue
		}
		state.PageIDs = append(state.PageIDs, page.ID)
		for _, block := range page.Blocks {
			visible, w := EvaluateConditionsWithWarnings(block.VisibleIf, data)
			warnings = append(warnings, w...)
			if visible {
				state.BlockIDs = append(state.BlockIDs, block.ID)
			}
		}
	}
	return state, warnings
}

// VisibleDocuments filters document templates down to those whose
// visibility condition passes for the given answers.
func VisibleDocuments(templates []*metadata.DocumentTemplate, data metadata.DataContext) []*metadata.DocumentTemplate {
	var out []*metadata.DocumentTemplate
	for _, tpl := range templates {
		if EvaluateConditions(tpl.VisibleIf, data) {
			out = append(out, tpl)
		}
	}
	return out
}
