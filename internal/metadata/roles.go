package metadata

// Organization membership roles, strongest first.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

var roleRank = map[string]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleEditor: 2,
	RoleViewer: 1,
}

// ValidRole reports whether s is a known membership role.
func ValidRole(s string) bool {
	_, ok := roleRank[s]
	return ok
}

// RoleCanView reports whether the role can read workflows, versions and runs.
func RoleCanView(role string) bool {
	return roleRank[role] >= roleRank[RoleViewer]
}

// RoleCanEdit reports whether the role can modify drafts, rules, templates
// and webhooks, and create or submit runs.
func RoleCanEdit(role string) bool {
	return roleRank[role] >= roleRank[RoleEditor]
}

// RoleCanPublish reports whether the role can publish versions and change
// workflow status.
func RoleCanPublish(role string) bool {
	return roleRank[role] >= roleRank[RoleAdmin]
}

// RoleCanManageMembers reports whether the role can add, change or remove
// org members.
func RoleCanManageMembers(role string) bool {
	return roleRank[role] >= roleRank[RoleAdmin]
}
