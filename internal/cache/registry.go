// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package cache

import (
	"context"
	"sync"

	"github.com/xammer/xamops/internal/logging"
)

// Registration binds a report namespace to its eviction hooks. Each
// report type registers itself at startup, so adding a new cached report
// never requires editing a central list.
type Registration struct {
	// Namespace identifies the report family ("dashboard", "finopsReport", ...).
	Namespace string

	// EvictAccount removes the namespace's entries for one account.
	EvictAccount func(ctx context.Context, accountID string) error

	// EvictEverything removes all of the namespace's entries.
	EvictEverything func(ctx context.Context) error
}

// Registry is the eviction registry used for global sweeps and scoped
// account eviction. Hook failures are isolated: one broken namespace
// never stops the rest of a sweep.
type Registry struct {
	mu            sync.RWMutex
	registrations []Registration
}

// NewRegistry creates an empty eviction registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a namespace. Called once per report type at startup.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, reg)
}

// Namespaces returns the registered namespace names in registration order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg.Namespace)
	}
	return out
}

// EvictAccount clears every registered namespace for one account.
// Returns the number of namespaces whose hook failed.
func (r *Registry) EvictAccount(ctx context.Context, accountID string) int {
	r.mu.RLock()
	regs := make([]Registration, len(r.registrations))
	copy(regs, r.registrations)
	r.mu.RUnlock()

	failed := 0
	for _, reg := range regs {
		if reg.EvictAccount == nil {
			continue
		}
		if err := reg.EvictAccount(ctx, accountID); err != nil {
			failed++
			logging.Ctx(ctx).Warn().
				Str("namespace", reg.Namespace).
				Str("account_id", accountID).
				Err(err).
				Msg("namespace eviction failed, continuing sweep")
		}
	}
	return failed
}

// EvictEverything clears every registered namespace entirely. Returns
// the number of namespaces whose hook failed.
func (r *Registry) EvictEverything(ctx context.Context) int {
	r.mu.RLock()
	regs := make([]Registration, len(r.registrations))
	copy(regs, r.registrations)
	r.mu.RUnlock()

	logging.Ctx(ctx).Info().Int("namespaces", len(regs)).Msg("starting global cache eviction")
	failed := 0
	for _, reg := range regs {
		if reg.EvictEverything == nil {
			continue
		}
		if err := reg.EvictEverything(ctx); err != nil {
			failed++
			logging.Ctx(ctx).Warn().
				Str("namespace", reg.Namespace).
				Err(err).
				Msg("namespace eviction failed, continuing sweep")
		}
	}
	logging.Ctx(ctx).Info().Int("failed", failed).Msg("completed global cache eviction")
	return failed
}
