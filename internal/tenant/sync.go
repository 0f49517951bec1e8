// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package tenant

import (
	"context"
	"time"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

// UserSource enumerates tenants and their local users. The concrete
// implementation sits in front of each tenant's identity store.
type UserSource interface {
	// Tenants lists the tenants to sync, excluding the default scope.
	Tenants(ctx context.Context) ([]TenantID, error)

	// Users lists the local users of one tenant. Called inside the
	// switcher's scope for sources that rely on the ambient slot.
	Users(ctx context.Context, id TenantID) ([]User, error)
}

// SyncService periodically copies users from every tenant, the default
// master scope included, into the global directory. Per-tenant and
// per-user failures are isolated so one broken tenant never blocks the
// rest.
type SyncService struct {
	source    UserSource
	directory *Directory
	switcher  *Switcher
	interval  time.Duration
	deflt     TenantID
}

// NewSyncService creates a SyncService. interval defaults to one
// minute; defaultTenant to DefaultTenant.
func NewSyncService(source UserSource, directory *Directory, switcher *Switcher, interval time.Duration, defaultTenant TenantID) *SyncService {
	if interval <= 0 {
		interval = time.Minute
	}
	if defaultTenant == "" {
		defaultTenant = DefaultTenant
	}
	return &SyncService{
		source:    source,
		directory: directory,
		switcher:  switcher,
		interval:  interval,
		deflt:     defaultTenant,
	}
}

// Serve runs the sync loop until ctx is canceled. One sync runs
// immediately at startup so the directory is usable before the first
// tick.
func (s *SyncService) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", s.interval).Msg("tenant directory sync started")

	s.SyncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("tenant directory sync stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs a single sync pass over all tenants. Returns the number
// of users inserted.
func (s *SyncService) SyncOnce(ctx context.Context) int {
	tenants, err := s.source.Tenants(ctx)
	if err != nil {
		metrics.TenantSyncErrors.WithLabelValues(string(s.deflt)).Inc()
		logging.Ctx(ctx).Error().Err(err).Msg("tenant enumeration failed, skipping sync pass")
		return 0
	}

	// The default master scope is always synced, first.
	all := make([]TenantID, 0, len(tenants)+1)
	all = append(all, s.deflt)
	for _, t := range tenants {
		if t != s.deflt {
			all = append(all, t)
		}
	}

	inserted := 0
	for _, id := range all {
		n, err := s.syncTenant(ctx, id)
		inserted += n
		if err != nil {
			metrics.TenantSyncErrors.WithLabelValues(string(id)).Inc()
			logging.Ctx(ctx).Warn().Str("tenant", string(id)).Err(err).
				Msg("tenant sync failed, continuing with remaining tenants")
		}
	}

	if inserted > 0 {
		logging.Ctx(ctx).Info().Int("inserted", inserted).Int("tenants", len(all)).
			Msg("tenant directory sync pass completed")
	}
	return inserted
}

// syncTenant upserts one tenant's users inside the switcher's scope.
// The ambient slot is cleared by the switcher on every exit path,
// including panics from the source.
func (s *SyncService) syncTenant(ctx context.Context, id TenantID) (int, error) {
	inserted := 0
	err := s.switcher.Do(ctx, id, func(ctx context.Context) error {
		users, err := s.source.Users(ctx, id)
		if err != nil {
			return err
		}

		for _, u := range users {
			u.Tenant = id
			ok, err := s.directory.UpsertIfAbsent(ctx, u)
			if err != nil {
				// One broken user must not abort the tenant's batch.
				metrics.TenantSyncErrors.WithLabelValues(string(id)).Inc()
				logging.Ctx(ctx).Warn().Str("tenant", string(id)).Str("username", u.Username).
					Err(err).Msg("user upsert failed, continuing")
				continue
			}
			if ok {
				inserted++
				metrics.TenantSyncUsers.WithLabelValues(string(id)).Inc()
			}
		}
		return nil
	})
	return inserted, err
}
