package org

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"formflow-backend/internal/engine"
	"formflow-backend/internal/store"
)

var validSlugRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Organization is a tenant: the owner of workflows and the scope for
// membership roles.
type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CreatedBy string `json:"created_by,omitempty"`
}

// Member is a user's membership in an organization.
type Member struct {
	ID     string `json:"id"`
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
}

// Service handles organization and membership persistence. It also
// implements engine.RoleResolver.
type Service struct {
	Store *store.Store
}

func NewService(s *store.Store) *Service {
	return &Service{Store: s}
}

// Create inserts an organization and makes the creator its owner.
func (svc *Service) Create(ctx context.Context, name, slug, createdBy string) (*Organization, error) {
	if name == "" {
		return nil, engine.ValidationError([]engine.ErrorDetail{{Field: "name", Message: "name is required"}})
	}
	if slug == "" {
		slug = slugify(name)
	}
	if !validSlugRe.MatchString(slug) {
		return nil, engine.ValidationError([]engine.ErrorDetail{{Field: "slug", Message: "slug must be lowercase letters, digits and hyphens"}})
	}

	org := &Organization{
		ID:        store.GenerateUUID(),
		Name:      name,
		Slug:      slug,
		CreatedBy: createdBy,
	}

	tx, err := svc.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, tx,
		fmt.Sprintf(`INSERT INTO organizations (id, name, slug, created_by) VALUES (%s, %s, %s, %s)`,
			pb.Add(org.ID), pb.Add(org.Name), pb.Add(org.Slug), pb.Add(nilIfEmpty(createdBy))),
		pb.Params()...)
	if err != nil {
		if errors.Is(store.MapError(svc.Store.Dialect, err), store.ErrUniqueViolation) {
			return nil, engine.NewAppError("CONFLICT", 409, fmt.Sprintf("organization slug %q is taken", slug))
		}
		return nil, fmt.Errorf("insert organization: %w", err)
	}

	if createdBy != "" {
		pb2 := svc.Store.Dialect.NewParamBuilder()
		_, err = store.Exec(ctx, tx,
			fmt.Sprintf(`INSERT INTO org_members (id, org_id, user_id, role) VALUES (%s, %s, %s, %s)`,
				pb2.Add(store.GenerateUUID()), pb2.Add(org.ID), pb2.Add(createdBy), pb2.Add("owner")),
			pb2.Params()...)
		if err != nil {
			return nil, fmt.Errorf("insert owner membership: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return org, nil
}

// Get loads an organization by id.
func (svc *Service) Get(ctx context.Context, id string) (*Organization, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT id, name, slug, created_by FROM organizations WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.NotFoundError("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return parseOrgRow(row), nil
}

// ListForUser returns the organizations the user is a member of. Platform
// admins should call ListAll instead.
func (svc *Service) ListForUser(ctx context.Context, userID string) ([]*Organization, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, svc.Store.DB,
		fmt.Sprintf(`SELECT o.id, o.name, o.slug, o.created_by
		 FROM organizations o
		 JOIN org_members m ON m.org_id = o.id
		 WHERE m.user_id = %s
		 ORDER BY o.name`, pb.Add(userID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return parseOrgRows(rows), nil
}

// ListAll returns every organization.
func (svc *Service) ListAll(ctx context.Context) ([]*Organization, error) {
	rows, err := store.QueryRows(ctx, svc.Store.DB,
		"SELECT id, name, slug, created_by FROM organizations ORDER BY name")
	if err != nil {
		return nil, err
	}
	return parseOrgRows(rows), nil
}

// Rename updates the organization's display name.
func (svc *Service) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "name", Message: "name is required"}})
	}
	pb := svc.Store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE organizations SET name = %s, updated_at = %s WHERE id = %s",
			pb.Add(name), svc.Store.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NotFoundError("organization", id)
	}
	return nil
}

// Delete removes an organization and, via cascades, its workflows and members.
func (svc *Service) Delete(ctx context.Context, id string) error {
	pb := svc.Store.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("DELETE FROM organizations WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NotFoundError("organization", id)
	}
	return nil
}

// RoleInOrg returns the user's membership role, or "" if not a member.
// Implements engine.RoleResolver.
func (svc *Service) RoleInOrg(ctx context.Context, orgID, userID string) (string, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT role FROM org_members WHERE org_id = %s AND user_id = %s",
			pb.Add(orgID), pb.Add(userID)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", row["role"]), nil
}

// ListMembers returns all members of an organization with their emails.
func (svc *Service) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, svc.Store.DB,
		fmt.Sprintf(`SELECT m.id, m.org_id, m.user_id, m.role, u.email
		 FROM org_members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.org_id = %s
		 ORDER BY u.email`, pb.Add(orgID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	members := make([]*Member, 0, len(rows))
	for _, row := range rows {
		members = append(members, parseMemberRow(row))
	}
	return members, nil
}

// AddMember adds a user to the organization by email.
func (svc *Service) AddMember(ctx context.Context, orgID, email, role string) (*Member, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	userRow, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT id FROM users WHERE email = %s", pb.Add(email)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.NotFoundError("user", email)
	}
	if err != nil {
		return nil, err
	}
	userID := fmt.Sprintf("%v", userRow["id"])

	member := &Member{
		ID:     store.GenerateUUID(),
		OrgID:  orgID,
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	pb2 := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf(`INSERT INTO org_members (id, org_id, user_id, role) VALUES (%s, %s, %s, %s)`,
			pb2.Add(member.ID), pb2.Add(orgID), pb2.Add(userID), pb2.Add(role)),
		pb2.Params()...)
	if err != nil {
		if errors.Is(store.MapError(svc.Store.Dialect, err), store.ErrUniqueViolation) {
			return nil, engine.NewAppError("CONFLICT", 409, fmt.Sprintf("%s is already a member", email))
		}
		return nil, fmt.Errorf("insert member: %w", err)
	}
	return member, nil
}

// UpdateMemberRole changes a member's role. The last owner cannot be demoted.
func (svc *Service) UpdateMemberRole(ctx context.Context, orgID, memberID, role string) error {
	current, err := svc.memberByID(ctx, orgID, memberID)
	if err != nil {
		return err
	}
	if current.Role == "owner" && role != "owner" {
		owners, err := svc.countOwners(ctx, orgID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return engine.NewAppError("LAST_OWNER", 422, "an organization must keep at least one owner")
		}
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("UPDATE org_members SET role = %s WHERE id = %s AND org_id = %s",
			pb.Add(role), pb.Add(memberID), pb.Add(orgID)),
		pb.Params()...)
	return err
}

// RemoveMember deletes a membership. The last owner cannot be removed.
func (svc *Service) RemoveMember(ctx context.Context, orgID, memberID string) error {
	current, err := svc.memberByID(ctx, orgID, memberID)
	if err != nil {
		return err
	}
	if current.Role == "owner" {
		owners, err := svc.countOwners(ctx, orgID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return engine.NewAppError("LAST_OWNER", 422, "an organization must keep at least one owner")
		}
	}

	pb := svc.Store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, svc.Store.DB,
		fmt.Sprintf("DELETE FROM org_members WHERE id = %s AND org_id = %s",
			pb.Add(memberID), pb.Add(orgID)),
		pb.Params()...)
	return err
}

func (svc *Service) memberByID(ctx context.Context, orgID, memberID string) (*Member, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT id, org_id, user_id, role FROM org_members WHERE id = %s AND org_id = %s",
			pb.Add(memberID), pb.Add(orgID)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.NotFoundError("member", memberID)
	}
	if err != nil {
		return nil, err
	}
	return parseMemberRow(row), nil
}

func (svc *Service) countOwners(ctx context.Context, orgID string) (int, error) {
	pb := svc.Store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, svc.Store.DB,
		fmt.Sprintf("SELECT COUNT(*) as count FROM org_members WHERE org_id = %s AND role = 'owner'",
			pb.Add(orgID)),
		pb.Params()...)
	if err != nil {
		return 0, err
	}
	switch v := row["count"].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case float64:
		return int(v), nil
	}
	return 0, nil
}

func parseOrgRow(row map[string]any) *Organization {
	org := &Organization{
		ID:   fmt.Sprintf("%v", row["id"]),
		Name: fmt.Sprintf("%v", row["name"]),
		Slug: fmt.Sprintf("%v", row["slug"]),
	}
	if cb, ok := row["created_by"]; ok && cb != nil {
		org.CreatedBy = fmt.Sprintf("%v", cb)
	}
	return org
}

func parseOrgRows(rows []map[string]any) []*Organization {
	orgs := make([]*Organization, 0, len(rows))
	for _, row := range rows {
		orgs = append(orgs, parseOrgRow(row))
	}
	return orgs
}

func parseMemberRow(row map[string]any) *Member {
	m := &Member{
		ID:     fmt.Sprintf("%v", row["id"]),
		OrgID:  fmt.Sprintf("%v", row["org_id"]),
		UserID: fmt.Sprintf("%v", row["user_id"]),
		Role:   fmt.Sprintf("%v", row["role"]),
	}
	if e, ok := row["email"]; ok && e != nil {
		m.Email = fmt.Sprintf("%v", e)
	}
	return m
}

func slugify(name string) string {
	s := strings.ToLower(name)
	var b strings.Builder
	lastHyphen := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
