// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeRoster(t *testing.T, dir, tenant, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, tenant+".json"), []byte(content), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
}

func TestFileUserSource_TenantsExcludesDefault(t *testing.T) {
	dir := t.TempDir()
	writeRoster(t, dir, "acme", `[]`)
	writeRoster(t, dir, "globex", `[]`)
	writeRoster(t, dir, "default", `[]`)

	source := NewFileUserSource(dir)
	tenants, err := source.Tenants(context.Background())
	if err != nil {
		t.Fatalf("Tenants: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("got %d tenants, want 2: %v", len(tenants), tenants)
	}
	if tenants[0] != "acme" || tenants[1] != "globex" {
		t.Errorf("unexpected tenants %v", tenants)
	}
}

func TestFileUserSource_UsersCarryTenant(t *testing.T) {
	dir := t.TempDir()
	writeRoster(t, dir, "acme", `[{"username":"alice","email":"alice@acme.example"},{"username":"bob"}]`)

	users, err := NewFileUserSource(dir).Users(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	for _, u := range users {
		if u.Tenant != "acme" {
			t.Errorf("user %q tenant = %q, want acme", u.Username, u.Tenant)
		}
	}
}

func TestFileUserSource_MissingRosterIsEmpty(t *testing.T) {
	users, err := NewFileUserSource(t.TempDir()).Users(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("got %d users, want 0", len(users))
	}
}

func TestFileUserSource_EmptyDir(t *testing.T) {
	source := NewFileUserSource("")
	tenants, err := source.Tenants(context.Background())
	if err != nil || len(tenants) != 0 {
		t.Errorf("Tenants = %v, %v; want empty", tenants, err)
	}
	users, err := source.Users(context.Background(), "acme")
	if err != nil || len(users) != 0 {
		t.Errorf("Users = %v, %v; want empty", users, err)
	}
}

func TestFileUserSource_MalformedRoster(t *testing.T) {
	dir := t.TempDir()
	writeRoster(t, dir, "acme", "not json")
	if _, err := NewFileUserSource(dir).Users(context.Background(), "acme"); err == nil {
		t.Error("expected parse error")
	}
}
