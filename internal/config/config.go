// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package config provides layered configuration loading for XamOps using
// Koanf v2: struct defaults, then an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the XamOps backend.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Tasks     TasksConfig     `koanf:"tasks"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Scan      ScanConfig      `koanf:"scan"`
	AWS       AWSConfig       `koanf:"aws"`
	Tenancy   TenancyConfig   `koanf:"tenancy"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// CacheConfig holds settings for the two cache tiers.
type CacheConfig struct {
	// MemoryTTL is the default TTL for the volatile store (scan status,
	// polling data).
	MemoryTTL time.Duration `koanf:"memory_ttl"`

	// MemoryCleanupInterval controls the expired-entry sweep of the
	// volatile store.
	MemoryCleanupInterval time.Duration `koanf:"memory_cleanup_interval"`

	// BadgerPath is the directory for the durable report cache.
	BadgerPath string `koanf:"badger_path" validate:"required"`

	// ReportTTL bounds the lifetime of durable report entries. Zero
	// means entries live until evicted or overwritten.
	ReportTTL time.Duration `koanf:"report_ttl"`
}

// TasksConfig sizes the async task runner pools.
type TasksConfig struct {
	// Workers is the size of the shared fan-out pool used by interactive
	// requests and scheduled refreshes alike.
	Workers int `koanf:"workers" validate:"gte=1"`

	// QueueDepth bounds pending submissions before Submit blocks.
	QueueDepth int `koanf:"queue_depth" validate:"gte=1"`

	// ScanWorkers sizes the dedicated pool for external security scans
	// so long scans cannot starve interactive fan-out.
	ScanWorkers int `koanf:"scan_workers" validate:"gte=1"`
}

// SchedulerConfig holds the background job schedules.
type SchedulerConfig struct {
	Enabled bool `koanf:"enabled"`

	// SweepInterval is the period of the global cache eviction sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// WarmInterval is the period of the proactive dashboard cache warm.
	WarmInterval time.Duration `koanf:"warm_interval"`

	// TenantSyncInterval is the period of the tenant directory sync.
	TenantSyncInterval time.Duration `koanf:"tenant_sync_interval"`

	// DeepScanCron triggers the nightly external security scan.
	DeepScanCron string `koanf:"deep_scan_cron"`

	// DashboardRefreshCron and the two siblings stagger the nightly
	// report refreshes so the upstream APIs are not hit all at once.
	DashboardRefreshCron string `koanf:"dashboard_refresh_cron"`
	CostRefreshCron      string `koanf:"cost_refresh_cron"`
	SecurityRefreshCron  string `koanf:"security_refresh_cron"`
}

// ScanConfig holds settings for the external security scanner.
type ScanConfig struct {
	Executable  string        `koanf:"executable"`
	OutputDir   string        `koanf:"output_dir"`
	Timeout     time.Duration `koanf:"timeout"`
	StatusTTL   time.Duration `koanf:"status_ttl"`
	FindingsTTL time.Duration `koanf:"findings_ttl"`
}

// AWSConfig holds upstream fetch settings.
type AWSConfig struct {
	Region          string  `koanf:"region"`
	RoleSessionName string  `koanf:"role_session_name"`
	FetchRate       float64 `koanf:"fetch_rate" validate:"gte=0"`
	FetchBurst      int     `koanf:"fetch_burst" validate:"gte=0"`

	// BillingExportDir is where per-account billing export files land.
	// Empty means no exports are available and cost panels stay empty.
	BillingExportDir string `koanf:"billing_export_dir"`

	// AccountsFile is the JSON file listing onboarded accounts. Empty
	// starts the server with no accounts.
	AccountsFile string `koanf:"accounts_file"`
}

// TenancyConfig holds multi-tenant settings.
type TenancyConfig struct {
	// DefaultTenant is the master scope synced alongside real tenants.
	DefaultTenant string `koanf:"default_tenant"`

	// DirectoryPath is the BadgerDB directory for the global user directory.
	DirectoryPath string `koanf:"directory_path" validate:"required"`

	// RosterDir holds per-tenant user roster files dropped by the
	// provisioning pipeline. Empty means only the default scope syncs.
	RosterDir string `koanf:"roster_dir"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8084,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Cache: CacheConfig{
			MemoryTTL:             10 * time.Minute,
			MemoryCleanupInterval: 5 * time.Minute,
			BadgerPath:            "/data/xamops/cache",
			ReportTTL:             0, // reports live until evicted or rewritten
		},
		Tasks: TasksConfig{
			Workers:     16,
			QueueDepth:  256,
			ScanWorkers: 2, // two concurrent external scans, matching scanner capacity
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			SweepInterval:        2 * time.Hour,
			WarmInterval:         15 * time.Minute,
			TenantSyncInterval:   time.Minute,
			DeepScanCron:         "0 1 * * *",
			DashboardRefreshCron: "0 2 * * *",
			CostRefreshCron:      "30 2 * * *",
			SecurityRefreshCron:  "0 3 * * *",
		},
		Scan: ScanConfig{
			Executable:  "prowler",
			OutputDir:   "",
			Timeout:     60 * time.Minute,
			StatusTTL:   time.Hour,
			FindingsTTL: 24 * time.Hour,
		},
		AWS: AWSConfig{
			Region:           "us-east-1",
			RoleSessionName:  "xamops-backend",
			FetchRate:        10,
			FetchBurst:       20,
			BillingExportDir: "",
		},
		Tenancy: TenancyConfig{
			DefaultTenant: "default",
			DirectoryPath: "/data/xamops/directory",
			RosterDir:     "",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be positive, got %s", c.Scan.Timeout)
	}
	if c.Scheduler.SweepInterval <= 0 || c.Scheduler.WarmInterval <= 0 || c.Scheduler.TenantSyncInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	return nil
}
