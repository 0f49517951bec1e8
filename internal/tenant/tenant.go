// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package tenant provides multi-tenant scoping: an explicit TenantID
// passed to every operation that needs one, a scoped Switcher for
// collaborators that require an ambient tenant slot, a badger-backed
// global user directory, and the periodic sync that fills it.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TenantID identifies one isolated customer scope.
type TenantID string

// DefaultTenant is the master scope, synced alongside real tenants.
const DefaultTenant TenantID = "default"

// User is one directory entry. Username is globally unique across
// tenants.
type User struct {
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Tenant    TenantID  `json:"tenant"`
	CreatedAt time.Time `json:"created_at"`
}

// Switcher holds the ambient tenant slot for collaborators that cannot
// take an explicit TenantID. Acquisition is serialized and the slot is
// always cleared afterward, on success, error, and panic alike, so a
// failing job can never leak its tenant into the next one.
type Switcher struct {
	mu      sync.Mutex
	current TenantID
}

// NewSwitcher creates a Switcher with an empty slot.
func NewSwitcher() *Switcher {
	return &Switcher{}
}

// Current returns the tenant currently occupying the slot, or "" when
// the slot is clear. Only meaningful to the goroutine inside Do.
func (s *Switcher) Current() TenantID {
	return s.current
}

// Do runs fn with the ambient slot set to tenantID. A panic inside fn
// is recovered into the returned error; the slot is cleared on every
// exit path.
func (s *Switcher) Do(ctx context.Context, tenantID TenantID, fn func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = tenantID
	defer func() {
		s.current = ""
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tenant %s: panic: %v", tenantID, rec)
		}
	}()

	return fn(ctx)
}
