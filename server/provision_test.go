package server

import (
	"context"
	"errors"
	"testing"

	"cognitogate/cognito"
)

func newTestProvisioner(t *testing.T, users UserStore, mutate func(*ProvisionOptions)) *Provisioner {
	t.Helper()
	names, err := NewNamePolicy(DefaultNamePolicy())
	if err != nil {
		t.Fatalf("NewNamePolicy: %v", err)
	}
	opts := ProvisionOptions{
		AutoCreate:   true,
		DefaultRole:  DefaultRole,
		SyncedGroups: []string{"editor", "author"},
		GroupPrefix:  DefaultGroupPrefix,
		AttributeMap: map[string]string{"custom:wp_memberrank": "wpuef_cid_c6"},
		Names:        names,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewProvisioner(users, opts, quietLogger())
}

func testClaims(sub, email string, groups ...string) cognito.Claims {
	raw := map[string]any{"sub": sub, "email": email}
	if groups != nil {
		list := make([]any, len(groups))
		for i, g := range groups {
			list[i] = g
		}
		raw["cognito:groups"] = list
	}
	return cognito.Claims{Subject: sub, Email: email, Groups: groups, Raw: raw}
}

func TestProvisionCreatesUser(t *testing.T) {
	users := NewMemoryUserStore()
	p := newTestProvisioner(t, users, nil)

	claims := testClaims("sub-1", "jane.doe@example.com", "WP_editor")
	claims.Raw["given_name"] = "Jane"
	claims.Raw["family_name"] = "Doe"
	claims.Custom = map[string]string{"custom:wp_memberrank": "gold", "custom:team": "blue"}

	u, err := p.Provision(context.Background(), claims)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if u.Username != "jane.doe" {
		t.Errorf("username from email local part, got %q", u.Username)
	}
	if u.CognitoID != "sub-1" || u.PasswordHash == "" {
		t.Errorf("expected linked user with random password: %+v", u)
	}
	if !u.HasRole(DefaultRole) || !u.HasRole("editor") || u.HasRole("author") {
		t.Errorf("unexpected roles %v", u.Roles)
	}
	if u.DisplayName != "Jane Doe" {
		t.Errorf("display name %q", u.DisplayName)
	}
	if u.Attributes["wpuef_cid_c6"] != "gold" || u.Attributes["custom:team"] != "blue" {
		t.Errorf("attributes %v", u.Attributes)
	}
	if u.Attributes[attrCognitoGroups] != "WP_editor" {
		t.Errorf("groups attribute %q", u.Attributes[attrCognitoGroups])
	}

	stored, err := users.FindByCognitoID(context.Background(), "sub-1")
	if err != nil || !stored.HasRole("editor") {
		t.Fatalf("provisioned user not persisted: %+v, %v", stored, err)
	}
}

func TestProvisionUsernameCollisions(t *testing.T) {
	users := NewMemoryUserStore()
	ctx := context.Background()
	for _, name := range []string{"jdoe", "jdoe1"} {
		if _, err := users.Create(ctx, User{Username: name, Roles: []string{DefaultRole}}); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	p := newTestProvisioner(t, users, nil)

	claims := testClaims("sub-2", "someone@example.com")
	claims.PreferredUsername = "jdoe"
	u, err := p.Provision(ctx, claims)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if u.Username != "jdoe2" {
		t.Fatalf("expected jdoe2, got %q", u.Username)
	}

	u, err = p.Provision(ctx, testClaims("abcdef12-3456-7890", ""))
	if err != nil {
		t.Fatalf("Provision without email: %v", err)
	}
	if u.Username != "cognito_abcdef12" {
		t.Fatalf("expected subject based username, got %q", u.Username)
	}
}

func TestProvisionLinksByEmail(t *testing.T) {
	users := NewMemoryUserStore()
	ctx := context.Background()
	existing, err := users.Create(ctx, User{Username: "legacy", Email: "Legacy@Example.com", Roles: []string{"administrator"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	p := newTestProvisioner(t, users, func(o *ProvisionOptions) { o.AutoCreate = false })

	u, err := p.Provision(ctx, testClaims("sub-legacy", "legacy@example.com"))
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if u.ID != existing.ID || u.CognitoID != "sub-legacy" {
		t.Fatalf("expected link to existing user, got %+v", u)
	}
	if !u.HasRole("administrator") {
		t.Fatalf("roles outside the synced list must survive, got %v", u.Roles)
	}
}

func TestProvisionSyncsRolesBothWays(t *testing.T) {
	users := NewMemoryUserStore()
	p := newTestProvisioner(t, users, nil)
	ctx := context.Background()

	u, err := p.Provision(ctx, testClaims("sub-3", "r@example.com", "WP_editor", "WP_author"))
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !u.HasRole("editor") || !u.HasRole("author") {
		t.Fatalf("expected both roles, got %v", u.Roles)
	}

	u, err = p.Provision(ctx, testClaims("sub-3", "r@example.com", "WP_author", "editor"))
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if u.HasRole("editor") || !u.HasRole("author") {
		t.Fatalf("editor should be revoked, got %v", u.Roles)
	}

	// A token without the groups claim revokes every synced role but keeps
	// the stored groups attribute.
	u, err = p.Provision(ctx, testClaims("sub-3", "r@example.com"))
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if u.HasRole("author") || !u.HasRole(DefaultRole) {
		t.Fatalf("unexpected roles %v", u.Roles)
	}
	if u.Attributes[attrCognitoGroups] != "WP_author,editor" {
		t.Fatalf("groups attribute should be untouched, got %q", u.Attributes[attrCognitoGroups])
	}
}

func TestProvisionFailures(t *testing.T) {
	p := newTestProvisioner(t, NewMemoryUserStore(), func(o *ProvisionOptions) { o.AutoCreate = false })

	if _, err := p.Provision(context.Background(), cognito.Claims{}); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("missing subject should fail with ErrProvisioning, got %v", err)
	}
	if _, err := p.Provision(context.Background(), testClaims("sub-new", "new@example.com")); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("unknown user without auto creation should fail, got %v", err)
	}
}
