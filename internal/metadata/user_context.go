package metadata

// UserContext represents the authenticated user, set by auth middleware.
// Roles are platform-level ("admin"); per-organization roles come from the
// membership table and are resolved by the org package.
type UserContext struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles"`
}

// HasRole checks whether the user has a specific platform role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the user has the platform admin role.
func (u *UserContext) IsAdmin() bool {
	return u.HasRole("admin")
}
