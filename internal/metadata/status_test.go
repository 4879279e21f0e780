package metadata

import "testing"

func TestCheckStatusTransition(t *testing.T) {
	allowed := [][2]string{
		{WorkflowDraft, WorkflowActive},
		{WorkflowDraft, WorkflowArchived},
		{WorkflowActive, WorkflowArchived},
		{WorkflowArchived, WorkflowActive},
		{WorkflowActive, WorkflowActive},
	}
	for _, tc := range allowed {
		if err := CheckStatusTransition(tc[0], tc[1]); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tc[0], tc[1], err)
		}
	}

	denied := [][2]string{
		{WorkflowActive, WorkflowDraft},
		{WorkflowArchived, WorkflowDraft},
	}
	for _, tc := range denied {
		if err := CheckStatusTransition(tc[0], tc[1]); err == nil {
			t.Errorf("%s -> %s should be rejected", tc[0], tc[1])
		}
	}
}

func TestRolePredicates(t *testing.T) {
	if !RoleCanView(RoleViewer) || !RoleCanView(RoleOwner) {
		t.Error("all roles can view")
	}
	if RoleCanEdit(RoleViewer) {
		t.Error("viewer cannot edit")
	}
	if !RoleCanEdit(RoleEditor) {
		t.Error("editor can edit")
	}
	if RoleCanPublish(RoleEditor) {
		t.Error("editor cannot publish")
	}
	if !RoleCanPublish(RoleAdmin) || !RoleCanPublish(RoleOwner) {
		t.Error("admin and owner can publish")
	}
	if RoleCanManageMembers("") {
		t.Error("empty role has no permissions")
	}
	if !ValidRole(RoleViewer) || ValidRole("superuser") {
		t.Error("ValidRole mismatch")
	}
}
