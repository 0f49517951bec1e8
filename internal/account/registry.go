// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xammer/xamops/internal/logging"
)

// Registry is an in-memory account store implementing Resolver.
// Accounts are registered at startup from configuration and mutated by
// verification results.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*Account)}
}

// Resolve implements Resolver.
func (r *Registry) Resolve(_ context.Context, id string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return nil, NotFoundError(id)
	}
	cp := *acct
	return &cp, nil
}

// Upsert adds or replaces an account. New accounts start PENDING
// unless a status is already set.
func (r *Registry) Upsert(acct *Account) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *acct
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	r.accounts[cp.ID] = &cp
	logging.Debug().Str("account_id", cp.ID).Str("status", string(cp.Status)).Msg("account registered")
}

// List returns all accounts sorted by ID.
func (r *Registry) List() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkConnected records a successful verification.
func (r *Registry) MarkConnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acct, ok := r.accounts[id]; ok {
		acct.Status = StatusConnected
		acct.ConnectedAt = time.Now().UTC()
		acct.LastError = ""
	}
}

// MarkFailed records a failed verification along with its cause.
func (r *Registry) MarkFailed(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acct, ok := r.accounts[id]; ok {
		acct.Status = StatusFailed
		if cause != nil {
			acct.LastError = cause.Error()
		}
	}
}
