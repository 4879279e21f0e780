package metadata

import "fmt"

// statusTransitions lists the allowed workflow lifecycle changes. A workflow
// becomes active on first publish and can move between active and archived;
// drafts that were never published can only activate via publish.
var statusTransitions = map[string][]string{
	WorkflowDraft:    {WorkflowActive, WorkflowArchived},
	WorkflowActive:   {WorkflowArchived},
	WorkflowArchived: {WorkflowActive},
}

// ValidStatus reports whether s is a known workflow status.
func ValidStatus(s string) bool {
	_, ok := statusTransitions[s]
	return ok
}

// CheckStatusTransition returns an error when moving a workflow from one
// status to another is not allowed.
func CheckStatusTransition(from, to string) error {
	if from == to {
		return nil
	}
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition: %s -> %s", from, to)
}
