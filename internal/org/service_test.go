package org

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"formflow-backend/internal/engine"
	"formflow-backend/internal/metadata"
	"formflow-backend/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewInMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func seedUser(t *testing.T, s *store.Store, email string) string {
	t.Helper()
	id := store.GenerateUUID()
	pb := s.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf("INSERT INTO users (id, email, password_hash) VALUES (%s, %s, %s)",
			pb.Add(id), pb.Add(email), pb.Add("x")),
		pb.Params()...)
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return id
}

func TestCreateOrgMakesCreatorOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s)
	userID := seedUser(t, s, "alice@create.test")

	org, err := svc.Create(ctx, "Acme Corp", "", userID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if org.Slug != "acme-corp" {
		t.Errorf("expected slugified name, got %s", org.Slug)
	}

	role, err := svc.RoleInOrg(ctx, org.ID, userID)
	if err != nil {
		t.Fatalf("role: %v", err)
	}
	if role != metadata.RoleOwner {
		t.Errorf("creator should be owner, got %q", role)
	}

	// Non-member resolves to empty role without error
	role, err = svc.RoleInOrg(ctx, org.ID, "stranger")
	if err != nil || role != "" {
		t.Errorf("expected empty role for non-member, got %q err=%v", role, err)
	}
}

func TestCreateOrgSlugConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s)
	userID := seedUser(t, s, "bob@conflict.test")

	if _, err := svc.Create(ctx, "Slug Test", "slug-conflict", userID); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.Create(ctx, "Other", "slug-conflict", userID)
	var appErr *engine.AppError
	if !errors.As(err, &appErr) || appErr.Status != 409 {
		t.Errorf("expected 409 on duplicate slug, got %v", err)
	}

	// Invalid slugs rejected up front
	_, err = svc.Create(ctx, "Bad", "Has Spaces", userID)
	if !errors.As(err, &appErr) || appErr.Code != "VALIDATION_FAILED" {
		t.Errorf("expected validation error for bad slug, got %v", err)
	}
}

func TestMembershipLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s)
	ownerID := seedUser(t, s, "owner@members.test")
	seedUser(t, s, "editor@members.test")

	org, err := svc.Create(ctx, "Members Test", "members-test", ownerID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	member, err := svc.AddMember(ctx, org.ID, "editor@members.test", metadata.RoleEditor)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if member.Role != metadata.RoleEditor {
		t.Errorf("unexpected role: %+v", member)
	}

	// Duplicate membership rejected
	_, err = svc.AddMember(ctx, org.ID, "editor@members.test", metadata.RoleViewer)
	var appErr *engine.AppError
	if !errors.As(err, &appErr) || appErr.Status != 409 {
		t.Errorf("expected 409 for duplicate member, got %v", err)
	}

	// Unknown email is a 404
	_, err = svc.AddMember(ctx, org.ID, "ghost@members.test", metadata.RoleViewer)
	if !errors.As(err, &appErr) || appErr.Status != 404 {
		t.Errorf("expected 404 for unknown user, got %v", err)
	}

	members, err := svc.ListMembers(ctx, org.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	if err := svc.UpdateMemberRole(ctx, org.ID, member.ID, metadata.RoleAdmin); err != nil {
		t.Fatalf("update role: %v", err)
	}
	role, _ := svc.RoleInOrg(ctx, org.ID, member.UserID)
	if role != metadata.RoleAdmin {
		t.Errorf("expected admin after update, got %s", role)
	}

	if err := svc.RemoveMember(ctx, org.ID, member.ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	role, _ = svc.RoleInOrg(ctx, org.ID, member.UserID)
	if role != "" {
		t.Errorf("expected no role after removal, got %s", role)
	}
}

func TestLastOwnerGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s)
	ownerID := seedUser(t, s, "solo@lastowner.test")
	seedUser(t, s, "second@lastowner.test")

	org, err := svc.Create(ctx, "Last Owner", "last-owner", ownerID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	members, _ := svc.ListMembers(ctx, org.ID)
	ownerMemberID := members[0].ID

	// Sole owner cannot be demoted or removed
	err = svc.UpdateMemberRole(ctx, org.ID, ownerMemberID, metadata.RoleViewer)
	var appErr *engine.AppError
	if !errors.As(err, &appErr) || appErr.Code != "LAST_OWNER" {
		t.Errorf("expected LAST_OWNER on demote, got %v", err)
	}
	err = svc.RemoveMember(ctx, org.ID, ownerMemberID)
	if !errors.As(err, &appErr) || appErr.Code != "LAST_OWNER" {
		t.Errorf("expected LAST_OWNER on remove, got %v", err)
	}

	// With a second owner the original may step down
	second, err := svc.AddMember(ctx, org.ID, "second@lastowner.test", metadata.RoleOwner)
	if err != nil {
		t.Fatalf("add second owner: %v", err)
	}
	if err := svc.UpdateMemberRole(ctx, org.ID, ownerMemberID, metadata.RoleViewer); err != nil {
		t.Fatalf("demote with backup owner: %v", err)
	}

	// Now the second owner is the last one
	err = svc.RemoveMember(ctx, org.ID, second.ID)
	if !errors.As(err, &appErr) || appErr.Code != "LAST_OWNER" {
		t.Errorf("expected LAST_OWNER for remaining owner, got %v", err)
	}
}

func TestListForUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s)
	aliceID := seedUser(t, s, "alice@listing.test")
	bobID := seedUser(t, s, "bob@listing.test")

	if _, err := svc.Create(ctx, "Alpha Listing", "alpha-listing", aliceID); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if _, err := svc.Create(ctx, "Beta Listing", "beta-listing", bobID); err != nil {
		t.Fatalf("create beta: %v", err)
	}

	orgs, err := svc.ListForUser(ctx, aliceID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orgs) != 1 || orgs[0].Name != "Alpha Listing" {
		t.Errorf("expected only alice's org, got %+v", orgs)
	}
}

func TestRenameAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s)
	userID := seedUser(t, s, "owner@rename.test")

	org, err := svc.Create(ctx, "Rename Me", "rename-me", userID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Rename(ctx, org.ID, "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _ := svc.Get(ctx, org.ID)
	if got.Name != "Renamed" {
		t.Errorf("rename not persisted: %+v", got)
	}

	if err := svc.Delete(ctx, org.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, org.ID); err == nil {
		t.Error("expected not found after delete")
	}

	// Deleting again is a 404
	var appErr *engine.AppError
	err = svc.Delete(ctx, org.ID)
	if !errors.As(err, &appErr) || appErr.Status != 404 {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":        "acme-corp",
		"  Spaced  Out  ":  "spaced-out",
		"Already-Good":     "already-good",
		"Symbols & Co.":    "symbols-co",
		"Ünïcode Dropped!": "n-code-dropped",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
