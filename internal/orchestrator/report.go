// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/bus"
	"github.com/xammer/xamops/internal/cache"
)

// ReportType names one cached report family.
type ReportType string

const (
	ReportDashboard        ReportType = "dashboard"
	ReportFinOps           ReportType = "finopsReport"
	ReportCostBreakdown    ReportType = "costBreakdown"
	ReportServiceQuotas    ReportType = "serviceQuotas"
	ReportSecurityFindings ReportType = "securityFindings"
	ReportHistoricalCost   ReportType = "historicalCost"
)

// ReportTypes lists every known report family in registration order.
var ReportTypes = []ReportType{
	ReportDashboard,
	ReportFinOps,
	ReportCostBreakdown,
	ReportServiceQuotas,
	ReportSecurityFindings,
	ReportHistoricalCost,
}

// ErrUnknownReport is returned for a request naming no registered
// report type.
var ErrUnknownReport = errors.New("unknown report type")

// Request identifies one report computation. The cache key is a pure
// function of these fields, so identical requests share an entry and
// differing requests never collide.
type Request struct {
	Type      ReportType
	AccountID string

	// GroupBy and TagKey apply to cost breakdowns only.
	GroupBy string
	TagKey  string

	// Months applies to historical cost only.
	Months int

	// ForceRefresh bypasses the cache read and recomputes
	// unconditionally.
	ForceRefresh bool
}

// Key derives the composite cache key for the request.
func (r Request) Key() (string, error) {
	switch r.Type {
	case ReportDashboard:
		return cache.DashboardKey(r.AccountID), nil
	case ReportFinOps:
		return cache.FinOpsReportKey(r.AccountID), nil
	case ReportCostBreakdown:
		return cache.CostBreakdownKey(r.AccountID, r.GroupBy, r.TagKey), nil
	case ReportServiceQuotas:
		return cache.ServiceQuotasKey(r.AccountID), nil
	case ReportSecurityFindings:
		return cache.SecurityFindingsKey(r.AccountID), nil
	case ReportHistoricalCost:
		months := r.Months
		if months <= 0 {
			months = 6
		}
		return cache.HistoricalCostKey(r.AccountID, months), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownReport, r.Type)
	}
}

// Topic derives the update bus topic for the request.
func (r Request) Topic() string {
	return bus.Topic(r.AccountID, string(r.Type))
}

// evictKeys enumerates the cache entries semantically downstream of a
// forced refresh of this request. Deliberately narrow: refreshing one
// account's FinOps report touches that report and its budget sub-entry,
// nothing else.
func (r Request) evictKeys() ([]string, error) {
	key, err := r.Key()
	if err != nil {
		return nil, err
	}
	keys := []string{key}
	if r.Type == ReportFinOps {
		keys = append(keys, cache.BudgetsKey(r.AccountID))
	}
	return keys, nil
}

// Line is one row of an aggregated report: a cost group, a security
// finding, a quota readout. Kind buckets rows within a report
// (service name, severity, quota code).
type Line struct {
	Kind   string            `json:"kind,omitempty"`
	Name   string            `json:"name"`
	Region string            `json:"region,omitempty"`
	Amount float64           `json:"amount,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Partial is one fan-out branch's contribution to a report. Counts are
// summed and Lines unioned during the merge, so branch completion
// order never affects the aggregate.
type Partial struct {
	Counts map[string]float64 `json:"counts,omitempty"`
	Lines  []Line             `json:"lines,omitempty"`
}

// Report is the cached aggregate assembled from all fan-out branches.
type Report struct {
	Type            ReportType         `json:"type"`
	AccountID       string             `json:"account_id"`
	GeneratedAt     time.Time          `json:"generated_at"`
	PartialFailures int                `json:"partial_failures,omitempty"`
	Counts          map[string]float64 `json:"counts,omitempty"`
	Lines           []Line             `json:"lines,omitempty"`
}

// Fetcher retrieves one resource kind's slice of a report for one
// account and region. Each Fetch call runs as one isolated fan-out
// task; what it actually queries upstream is opaque to the
// orchestrator.
type Fetcher interface {
	// Kind names the resource kind for logs and task names.
	Kind() string

	// Fetch returns this kind's partial for the account and region.
	Fetch(ctx context.Context, acct *account.Account, region string) (Partial, error)
}

// merge folds partials into the aggregate report. Commutative by
// construction: counts are summed, lines unioned then sorted so the
// result is independent of branch completion order.
func merge(req Request, parts []Partial, defaulted int) *Report {
	report := &Report{
		Type:            req.Type,
		AccountID:       req.AccountID,
		GeneratedAt:     time.Now().UTC(),
		PartialFailures: defaulted,
		Counts:          make(map[string]float64),
	}

	for _, p := range parts {
		for k, v := range p.Counts {
			report.Counts[k] += v
		}
		report.Lines = append(report.Lines, p.Lines...)
	}

	sort.Slice(report.Lines, func(i, j int) bool {
		a, b := report.Lines[i], report.Lines[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Region < b.Region
	})
	return report
}
