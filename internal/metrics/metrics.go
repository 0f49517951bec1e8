// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package metrics provides Prometheus instrumentation for XamOps:
// cache efficiency, task pool utilization, report refresh latency,
// scheduled job outcomes, external scans, and websocket connections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_cache_hits_total",
			Help: "Total cache hits per store tier",
		},
		[]string{"store"}, // "memory", "badger"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_cache_misses_total",
			Help: "Total cache misses per store tier",
		},
		[]string{"store"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_cache_evictions_total",
			Help: "Total cache evictions per store tier",
		},
		[]string{"store"},
	)

	CacheCorruptEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_cache_corrupt_entries_total",
			Help: "Cache entries discarded because the payload failed to deserialize",
		},
		[]string{"store"},
	)

	// Task runner metrics

	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_tasks_submitted_total",
			Help: "Total tasks submitted per pool",
		},
		[]string{"pool"}, // "fanout", "scan"
	)

	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_tasks_failed_total",
			Help: "Total tasks that returned an error, per pool",
		},
		[]string{"pool"},
	)

	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xamops_task_queue_depth",
			Help: "Current number of queued tasks per pool",
		},
		[]string{"pool"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xamops_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	// Refresh orchestrator metrics

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xamops_refresh_duration_seconds",
			Help:    "End-to-end report recompute duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"report"},
	)

	RefreshFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_refresh_failures_total",
			Help: "Report recomputes that failed entirely (no cache write)",
		},
		[]string{"report"},
	)

	RefreshPartialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_refresh_partial_failures_total",
			Help: "Fan-out branches that failed and were defaulted during aggregation",
		},
		[]string{"report"},
	)

	// Scheduler metrics

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_job_runs_total",
			Help: "Scheduled job runs by outcome",
		},
		[]string{"job", "outcome"}, // outcome: "ok", "error", "skipped"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xamops_job_duration_seconds",
			Help:    "Scheduled job run duration in seconds",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{"job"},
	)

	// External scan metrics

	ScanRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_scan_runs_total",
			Help: "External security scan runs by outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "timeout"
	)

	ScanFindings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xamops_scan_findings",
			Help: "Findings reported by the most recent scan per account",
		},
		[]string{"account_id"},
	)

	// Update bus / websocket metrics

	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_bus_publishes_total",
			Help: "Update bus publish attempts by outcome",
		},
		[]string{"outcome"}, // "delivered", "dropped", "skipped_empty"
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xamops_websocket_clients",
			Help: "Currently connected websocket clients",
		},
	)

	// Tenant sync metrics

	TenantSyncUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_tenant_sync_users_total",
			Help: "Users upserted into the global directory per tenant",
		},
		[]string{"tenant"},
	)

	TenantSyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_tenant_sync_errors_total",
			Help: "Tenant directory sync failures per tenant",
		},
		[]string{"tenant"},
	)

	// HTTP metrics

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xamops_http_requests_total",
			Help: "HTTP requests by method, route pattern and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xamops_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xamops_http_active_requests",
			Help: "HTTP requests currently being served",
		},
	)
)

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, path, status string, start time.Time) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}

// ObserveTaskDuration records a task execution duration for a pool.
func ObserveTaskDuration(pool string, start time.Time) {
	TaskDuration.WithLabelValues(pool).Observe(time.Since(start).Seconds())
}

// ObserveRefreshDuration records an end-to-end recompute duration.
func ObserveRefreshDuration(report string, start time.Time) {
	RefreshDuration.WithLabelValues(report).Observe(time.Since(start).Seconds())
}

// ObserveJobDuration records a scheduled job run duration.
func ObserveJobDuration(job string, start time.Time) {
	JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
