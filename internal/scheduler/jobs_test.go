// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/orchestrator"
	"github.com/xammer/xamops/internal/scan"
	"github.com/xammer/xamops/internal/task"
)

type fakeRefresher struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	failFor  string // account ID whose refreshes fail
	sweeps   int
}

func (f *fakeRefresher) ForceRefresh(_ context.Context, req orchestrator.Request) *task.Future[*orchestrator.Report] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := req.AccountID == f.failFor
	f.mu.Unlock()

	return task.Go(context.Background(), "test-refresh", func(context.Context) (*orchestrator.Report, error) {
		if fail {
			return nil, errors.New("upstream offline")
		}
		return &orchestrator.Report{Type: req.Type, AccountID: req.AccountID}, nil
	})
}

func (f *fakeRefresher) EvictAllCaches(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 7
}

func (f *fakeRefresher) recorded() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakeScanner struct {
	mu        sync.Mutex
	triggered []string
	inFlight  string // account ID reported as already scanning
	failFor   string
}

func (f *fakeScanner) TriggerScan(_ context.Context, accountID string) (*task.Future[*scan.StatusRecord], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, accountID)
	if accountID == f.inFlight {
		return nil, scan.ErrScanInProgress
	}
	if accountID == f.failFor {
		return nil, errors.New("credentials expired")
	}
	return task.Go(context.Background(), "test-scan", func(context.Context) (*scan.StatusRecord, error) {
		return &scan.StatusRecord{AccountID: accountID, Status: scan.StatusCompleted}, nil
	}), nil
}

type fakeSyncer struct {
	mu     sync.Mutex
	passes int
}

func (f *fakeSyncer) SyncOnce(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	return 0
}

type fakeLister struct {
	accounts []*account.Account
}

func (f *fakeLister) List() []*account.Account { return f.accounts }

func testDeps() (Deps, *fakeRefresher, *fakeScanner, *fakeSyncer) {
	refresher := &fakeRefresher{}
	scanner := &fakeScanner{}
	syncer := &fakeSyncer{}
	deps := Deps{
		Reports: refresher,
		Scans:   scanner,
		Tenants: syncer,
		Accounts: &fakeLister{accounts: []*account.Account{
			{ID: "111111111111", Status: account.StatusConnected},
			{ID: "222222222222", Status: account.StatusConnected},
			{ID: "333333333333", Status: account.StatusPending},
		}},
	}
	return deps, refresher, scanner, syncer
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:              true,
		SweepInterval:        2 * time.Hour,
		WarmInterval:         15 * time.Minute,
		TenantSyncInterval:   time.Minute,
		DeepScanCron:         "0 1 * * *",
		DashboardRefreshCron: "0 2 * * *",
		CostRefreshCron:      "30 2 * * *",
		SecurityRefreshCron:  "0 3 * * *",
	}
}

func registeredJobs(t *testing.T, deps Deps) map[string]*Job {
	t.Helper()
	r := NewRunner(time.Second)
	if err := RegisterJobs(r, testSchedulerConfig(), deps); err != nil {
		t.Fatalf("RegisterJobs failed: %v", err)
	}
	jobs := make(map[string]*Job)
	for _, j := range r.Jobs() {
		jobs[j.Name] = j
	}
	return jobs
}

func TestRegisterJobs_FullJobSet(t *testing.T) {
	deps, _, _, _ := testDeps()
	jobs := registeredJobs(t, deps)

	want := []string{
		"cache-sweep",
		"dashboard-warm",
		"nightly-dashboard-refresh",
		"nightly-cost-refresh",
		"nightly-security-refresh",
		"deep-scan",
		"tenant-sync",
	}
	if len(jobs) != len(want) {
		t.Errorf("registered %d jobs, want %d", len(jobs), len(want))
	}
	for _, name := range want {
		if jobs[name] == nil {
			t.Errorf("job %q not registered", name)
		}
	}
}

func TestRegisterJobs_BadCronFails(t *testing.T) {
	deps, _, _, _ := testDeps()
	cfg := testSchedulerConfig()
	cfg.DeepScanCron = "not a cron"

	if err := RegisterJobs(NewRunner(time.Second), cfg, deps); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCacheSweepJob(t *testing.T) {
	deps, refresher, _, _ := testDeps()
	jobs := registeredJobs(t, deps)

	if err := jobs["cache-sweep"].Action(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if refresher.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", refresher.sweeps)
	}
}

func TestWarmJob_RefreshesConnectedAccountsOnly(t *testing.T) {
	deps, refresher, _, _ := testDeps()
	jobs := registeredJobs(t, deps)

	if err := jobs["dashboard-warm"].Action(context.Background()); err != nil {
		t.Fatalf("warm failed: %v", err)
	}

	requests := refresher.recorded()
	if len(requests) != 2 {
		t.Fatalf("issued %d refreshes, want 2 (one per connected account)", len(requests))
	}
	seen := make(map[string]bool)
	for _, req := range requests {
		if req.Type != orchestrator.ReportDashboard {
			t.Errorf("warm refreshed %q, want %q", req.Type, orchestrator.ReportDashboard)
		}
		seen[req.AccountID] = true
	}
	if !seen["111111111111"] || !seen["222222222222"] {
		t.Errorf("warmed accounts %v, want both connected accounts", seen)
	}
	if seen["333333333333"] {
		t.Error("pending account was warmed")
	}
}

func TestWarmJob_AccountFailureDoesNotStopIteration(t *testing.T) {
	deps, refresher, _, _ := testDeps()
	refresher.failFor = "111111111111"
	jobs := registeredJobs(t, deps)

	err := jobs["dashboard-warm"].Action(context.Background())
	if err == nil {
		t.Error("expected error reporting the failed account")
	}

	seen := make(map[string]bool)
	for _, req := range refresher.recorded() {
		seen[req.AccountID] = true
	}
	if !seen["222222222222"] {
		t.Error("healthy account skipped after an earlier account failed")
	}
}

func TestNightlyCostJob_RequestShapes(t *testing.T) {
	deps, refresher, _, _ := testDeps()
	jobs := registeredJobs(t, deps)

	if err := jobs["nightly-cost-refresh"].Action(context.Background()); err != nil {
		t.Fatalf("cost refresh failed: %v", err)
	}

	perAccount := make(map[string][]orchestrator.ReportType)
	for _, req := range refresher.recorded() {
		perAccount[req.AccountID] = append(perAccount[req.AccountID], req.Type)
		if req.Type == orchestrator.ReportCostBreakdown && req.GroupBy != "SERVICE" {
			t.Errorf("cost breakdown refresh groupBy = %q, want SERVICE", req.GroupBy)
		}
	}
	for _, id := range []string{"111111111111", "222222222222"} {
		types := perAccount[id]
		if len(types) != 2 {
			t.Errorf("account %s got %d refreshes, want cost breakdown and historical cost", id, len(types))
		}
	}
}

func TestDeepScanJob_TriggersConnectedAccounts(t *testing.T) {
	deps, _, scanner, _ := testDeps()
	jobs := registeredJobs(t, deps)

	if err := jobs["deep-scan"].Action(context.Background()); err != nil {
		t.Fatalf("deep scan failed: %v", err)
	}
	if len(scanner.triggered) != 2 {
		t.Errorf("triggered %d scans, want 2", len(scanner.triggered))
	}
}

func TestDeepScanJob_InProgressScanIsNotAnError(t *testing.T) {
	deps, _, scanner, _ := testDeps()
	scanner.inFlight = "111111111111"
	jobs := registeredJobs(t, deps)

	if err := jobs["deep-scan"].Action(context.Background()); err != nil {
		t.Errorf("in-progress scan reported as job failure: %v", err)
	}
}

func TestDeepScanJob_TriggerFailureIsIsolated(t *testing.T) {
	deps, _, scanner, _ := testDeps()
	scanner.failFor = "111111111111"
	jobs := registeredJobs(t, deps)

	err := jobs["deep-scan"].Action(context.Background())
	if err == nil {
		t.Error("expected error reporting the failed trigger")
	}
	if len(scanner.triggered) != 2 {
		t.Errorf("triggered %d scans, remaining accounts were skipped", len(scanner.triggered))
	}
}

func TestTenantSyncJob(t *testing.T) {
	deps, _, _, syncer := testDeps()
	jobs := registeredJobs(t, deps)

	if err := jobs["tenant-sync"].Action(context.Background()); err != nil {
		t.Fatalf("tenant sync failed: %v", err)
	}
	if syncer.passes != 1 {
		t.Errorf("sync passes = %d, want 1", syncer.passes)
	}
}
