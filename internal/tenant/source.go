// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// FileUserSource reads tenant rosters from a directory holding one
// JSON file per tenant, named <tenant>.json. The provisioning pipeline
// drops roster files there when tenants are onboarded.
type FileUserSource struct {
	dir string
}

// NewFileUserSource creates a source rooted at dir. An empty dir means
// no tenants beyond the default scope.
func NewFileUserSource(dir string) *FileUserSource {
	return &FileUserSource{dir: dir}
}

// Tenants implements UserSource. The default scope is excluded; the
// sync service always adds it itself.
func (s *FileUserSource) Tenants(_ context.Context) ([]TenantID, error) {
	if s.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tenant rosters: %w", err)
	}

	var tenants []TenantID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := TenantID(strings.TrimSuffix(name, ".json"))
		if id == "" || id == DefaultTenant {
			continue
		}
		tenants = append(tenants, id)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i] < tenants[j] })
	return tenants, nil
}

// Users implements UserSource. A missing roster file yields an empty
// tenant, not an error, so the default scope works without one.
func (s *FileUserSource) Users(_ context.Context, id TenantID) ([]User, error) {
	if s.dir == "" {
		return nil, nil
	}

	path := filepath.Join(s.dir, string(id)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tenant roster %s: %w", path, err)
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse tenant roster %s: %w", path, err)
	}
	for i := range users {
		users[i].Tenant = id
	}
	return users, nil
}
