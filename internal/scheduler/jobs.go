// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/orchestrator"
	"github.com/xammer/xamops/internal/scan"
	"github.com/xammer/xamops/internal/task"
)

// ReportRefresher is the orchestrator surface the jobs use.
type ReportRefresher interface {
	ForceRefresh(ctx context.Context, req orchestrator.Request) *task.Future[*orchestrator.Report]
	EvictAllCaches(ctx context.Context) int
}

// ScanTrigger starts external security scans.
type ScanTrigger interface {
	TriggerScan(ctx context.Context, accountID string) (*task.Future[*scan.StatusRecord], error)
}

// TenantSyncer runs one tenant directory sync pass.
type TenantSyncer interface {
	SyncOnce(ctx context.Context) int
}

// AccountLister enumerates the registered cloud accounts.
type AccountLister interface {
	List() []*account.Account
}

// Deps are the collaborators the registered jobs act on.
type Deps struct {
	Reports  ReportRefresher
	Scans    ScanTrigger
	Tenants  TenantSyncer
	Accounts AccountLister
}

// RegisterJobs wires the standard job set into the runner:
// the cache eviction sweep, the proactive dashboard warm, the three
// staggered nightly report refreshes, the nightly deep scan, and the
// tenant directory sync. Returns an error if a configured cron
// expression does not parse.
func RegisterJobs(r *Runner, cfg config.SchedulerConfig, deps Deps) error {
	r.Add(NewJob("cache-sweep", Every(cfg.SweepInterval), func(ctx context.Context) error {
		evicted := deps.Reports.EvictAllCaches(ctx)
		logging.Ctx(ctx).Info().Int("evicted", evicted).Msg("cache sweep completed")
		return nil
	}))

	r.Add(NewJob("dashboard-warm", Every(cfg.WarmInterval), func(ctx context.Context) error {
		return refreshConnectedAccounts(ctx, deps, []orchestrator.Request{
			{Type: orchestrator.ReportDashboard},
		})
	}))

	nightly := []struct {
		name     string
		cron     string
		requests []orchestrator.Request
	}{
		{"nightly-dashboard-refresh", cfg.DashboardRefreshCron, []orchestrator.Request{
			{Type: orchestrator.ReportDashboard},
			{Type: orchestrator.ReportFinOps},
		}},
		{"nightly-cost-refresh", cfg.CostRefreshCron, []orchestrator.Request{
			{Type: orchestrator.ReportCostBreakdown, GroupBy: "SERVICE"},
			{Type: orchestrator.ReportHistoricalCost},
		}},
		{"nightly-security-refresh", cfg.SecurityRefreshCron, []orchestrator.Request{
			{Type: orchestrator.ReportSecurityFindings},
			{Type: orchestrator.ReportServiceQuotas},
		}},
	}
	for _, n := range nightly {
		schedule, err := Cron(n.cron)
		if err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
		requests := n.requests
		r.Add(NewJob(n.name, schedule, func(ctx context.Context) error {
			return refreshConnectedAccounts(ctx, deps, requests)
		}))
	}

	deepScan, err := Cron(cfg.DeepScanCron)
	if err != nil {
		return fmt.Errorf("deep-scan: %w", err)
	}
	r.Add(NewJob("deep-scan", deepScan, func(ctx context.Context) error {
		return triggerScans(ctx, deps)
	}))

	r.Add(NewJob("tenant-sync", Every(cfg.TenantSyncInterval), func(ctx context.Context) error {
		deps.Tenants.SyncOnce(ctx)
		return nil
	}))

	return nil
}

// refreshConnectedAccounts force-refreshes the given report requests
// for every connected account. Failures are logged per account and
// never stop the iteration.
func refreshConnectedAccounts(ctx context.Context, deps Deps, requests []orchestrator.Request) error {
	accounts := connectedAccounts(deps)
	failed := 0
	for _, acct := range accounts {
		for _, req := range requests {
			req.AccountID = acct.ID
			if _, err := deps.Reports.ForceRefresh(ctx, req).Wait(ctx); err != nil {
				failed++
				logging.Ctx(ctx).Warn().Str("account_id", acct.ID).
					Str("report", string(req.Type)).Err(err).
					Msg("refresh failed, continuing with remaining accounts")
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d refreshes failed across %d accounts", failed, len(accounts))
	}
	return nil
}

// triggerScans fires a deep scan for every connected account without
// waiting for results. An already-running scan is not an error.
func triggerScans(ctx context.Context, deps Deps) error {
	failed := 0
	accounts := connectedAccounts(deps)
	for _, acct := range accounts {
		_, err := deps.Scans.TriggerScan(ctx, acct.ID)
		switch {
		case errors.Is(err, scan.ErrScanInProgress):
			logging.Ctx(ctx).Debug().Str("account_id", acct.ID).Msg("scan already in progress")
		case err != nil:
			failed++
			logging.Ctx(ctx).Warn().Str("account_id", acct.ID).Err(err).
				Msg("scan trigger failed, continuing with remaining accounts")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scan triggers failed", failed, len(accounts))
	}
	return nil
}

func connectedAccounts(deps Deps) []*account.Account {
	var out []*account.Account
	for _, acct := range deps.Accounts.List() {
		if acct.Status == account.StatusConnected {
			out = append(out, acct)
		}
	}
	return out
}
