// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Command server runs the XamOps backend: the report cache and refresh
// orchestrator, the websocket update feed, the scan runner, the tenant
// directory sync and the background job scheduler, all under one
// supervision tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/api"
	"github.com/xammer/xamops/internal/bus"
	"github.com/xammer/xamops/internal/cache"
	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/orchestrator"
	"github.com/xammer/xamops/internal/reports"
	"github.com/xammer/xamops/internal/scan"
	"github.com/xammer/xamops/internal/scheduler"
	"github.com/xammer/xamops/internal/supervisor"
	"github.com/xammer/xamops/internal/task"
	"github.com/xammer/xamops/internal/tenant"
	ws "github.com/xammer/xamops/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("starting xamops server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache tiers: volatile memory for scan status and polling data,
	// badger for reports that must survive restarts.
	volatile := cache.NewMemoryStore(cfg.Cache.MemoryTTL, cfg.Cache.MemoryCleanupInterval)
	defer volatile.Close()

	durable, err := cache.OpenBadgerStore(cfg.Cache.BadgerPath, cfg.Cache.ReportTTL)
	if err != nil {
		return fmt.Errorf("open report cache: %w", err)
	}
	defer durable.Close()

	evictions := cache.NewRegistry()

	// Task pools. Fan-out is shared by interactive requests and
	// scheduled refreshes; scans get a dedicated pool so hour-long
	// runs never starve report fetches.
	fanout := task.NewRunner("fanout", cfg.Tasks.Workers, cfg.Tasks.QueueDepth)
	defer fanout.Close()
	scanPool := task.NewRunner("scan", cfg.Tasks.ScanWorkers, cfg.Tasks.ScanWorkers)
	defer scanPool.Close()

	updates := bus.New()
	defer updates.Close()

	hub := ws.NewHub()
	bridge := ws.NewBusBridge(hub, updates)
	hub.SetTopicListener(bridge)

	accounts := account.NewRegistry()
	creds := account.NewSTSCredentialProvider()
	if cfg.AWS.AccountsFile != "" {
		loaded, err := account.LoadFile(cfg.AWS.AccountsFile)
		if err != nil {
			return err
		}
		for _, acct := range loaded {
			accounts.Upsert(acct)
		}
		verifyAccounts(ctx, fanout, accounts, creds, loaded)
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:      durable,
		Runner:     fanout,
		Bus:        updates,
		Resolver:   accounts,
		Evictions:  evictions,
		FetchRate:  cfg.AWS.FetchRate,
		FetchBurst: cfg.AWS.FetchBurst,
	})

	scans := scan.New(cfg.Scan, volatile, durable, accounts, creds, scanPool, hub)

	reports.RegisterAll(orch, reports.Deps{
		Credentials: creds,
		Billing:     reports.NewFileBillingSource(cfg.AWS.BillingExportDir),
		Findings:    scans,
	})

	directory, err := tenant.OpenDirectory(cfg.Tenancy.DirectoryPath)
	if err != nil {
		return fmt.Errorf("open tenant directory: %w", err)
	}
	defer directory.Close()

	switcher := tenant.NewSwitcher()
	tenantSync := tenant.NewSyncService(
		tenant.NewFileUserSource(cfg.Tenancy.RosterDir),
		directory,
		switcher,
		cfg.Scheduler.TenantSyncInterval,
		tenant.TenantID(cfg.Tenancy.DefaultTenant),
	)

	handler := api.NewHandler(api.HandlerOptions{
		Reports:          orch,
		Scans:            scans,
		Accounts:         accounts,
		Hub:              hub,
		WebSocketOrigins: cfg.Server.CORSOrigins,
	})
	server := api.NewServer(cfg.Server, api.NewRouter(cfg.Server, handler))

	tree := supervisor.NewTree(supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(supervisor.NewService("websocket-hub", hub.RunWithContext))
	tree.AddMessagingService(supervisor.NewService("bus-bridge", bridge.Serve))
	tree.AddJobService(supervisor.NewService("tenant-sync", tenantSync.Serve))
	if cfg.Scheduler.Enabled {
		jobs := scheduler.NewRunner(0)
		err := scheduler.RegisterJobs(jobs, cfg.Scheduler, scheduler.Deps{
			Reports:  orch,
			Scans:    scans,
			Tenants:  tenantSync,
			Accounts: accounts,
		})
		if err != nil {
			return fmt.Errorf("register scheduled jobs: %w", err)
		}
		tree.AddJobService(supervisor.NewService("scheduler", jobs.Serve))
	}
	tree.AddAPIService(supervisor.NewService("http-api", server.Serve))

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logging.Info().Msg("server stopped")
	return nil
}

// verifyAccounts checks each onboarded account's cross-account role in
// the background. Accounts flip to CONNECTED as verification succeeds;
// scheduled refreshes only ever target connected accounts.
func verifyAccounts(ctx context.Context, runner *task.Runner, registry *account.Registry, creds *account.STSCredentialProvider, loaded []*account.Account) {
	for _, acct := range loaded {
		acct := acct
		task.Submit(runner, ctx, "verify-"+acct.ID, func(ctx context.Context) (struct{}, error) {
			if err := creds.Verify(ctx, acct); err != nil {
				registry.MarkFailed(acct.ID, err)
				logging.Warn().Str("account_id", acct.ID).Err(err).Msg("account verification failed")
				return struct{}{}, err
			}
			registry.MarkConnected(acct.ID)
			logging.Info().Str("account_id", acct.ID).Msg("account connected")
			return struct{}{}, nil
		})
	}
}
