// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/orchestrator"
	"github.com/xammer/xamops/internal/scan"
)

// FindingsSource yields the stored findings from the most recent deep
// scan of an account. The scan service satisfies this.
type FindingsSource interface {
	Findings(ctx context.Context, accountID string) ([]scan.Finding, bool, error)
}

// Deps carries the collaborators the standard fetcher set needs.
type Deps struct {
	Credentials account.CredentialProvider
	Billing     BillingSource
	Findings    FindingsSource
}

// RegisterAll wires the standard fetcher set into the orchestrator:
// every report family gets at least one fetcher, so get-or-compute
// always has branches to fan out.
func RegisterAll(o *orchestrator.Orchestrator, deps Deps) {
	identity := NewIdentityFetcher(deps.Credentials)
	spend := NewSpendFetcher(deps.Billing)
	breakdown := NewBreakdownFetcher(deps.Billing)
	historical := NewHistoricalFetcher(deps.Billing)
	usage := NewUsageFetcher(deps.Billing)
	findings := NewFindingsFetcher(deps.Findings)

	o.RegisterFetchers(orchestrator.ReportDashboard, identity, spend, findings)
	o.RegisterFetchers(orchestrator.ReportFinOps, spend, breakdown)
	o.RegisterFetchers(orchestrator.ReportCostBreakdown, breakdown)
	o.RegisterFetchers(orchestrator.ReportHistoricalCost, historical)
	o.RegisterFetchers(orchestrator.ReportServiceQuotas, usage)
	o.RegisterFetchers(orchestrator.ReportSecurityFindings, findings)
}

// IdentityFetcher proves the cross-account role is usable from a
// region by assuming it and asking STS who we are. Its partial feeds
// the dashboard's connectivity panel.
type IdentityFetcher struct {
	creds account.CredentialProvider
}

// NewIdentityFetcher creates an identity fetcher backed by creds.
func NewIdentityFetcher(creds account.CredentialProvider) *IdentityFetcher {
	return &IdentityFetcher{creds: creds}
}

// Kind implements orchestrator.Fetcher.
func (f *IdentityFetcher) Kind() string { return "identity" }

// Fetch implements orchestrator.Fetcher.
func (f *IdentityFetcher) Fetch(ctx context.Context, acct *account.Account, region string) (orchestrator.Partial, error) {
	creds, err := f.creds.Credentials(ctx, acct)
	if err != nil {
		return orchestrator.Partial{}, err
	}

	client := sts.NewFromConfig(aws.Config{
		Region:      region,
		Credentials: awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	})
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return orchestrator.Partial{}, fmt.Errorf("caller identity in %s: %w", region, err)
	}

	return orchestrator.Partial{
		Counts: map[string]float64{"regions_reachable": 1},
		Lines: []orchestrator.Line{{
			Kind:   "identity",
			Name:   aws.ToString(out.Arn),
			Region: region,
			Detail: map[string]string{
				"account": aws.ToString(out.Account),
				"user_id": aws.ToString(out.UserId),
			},
		}},
	}, nil
}

// SpendFetcher reports current-month spend per service from the
// billing export. Feeds the dashboard cost panel and the FinOps
// summary.
type SpendFetcher struct {
	source BillingSource
}

// NewSpendFetcher creates a spend fetcher backed by source.
func NewSpendFetcher(source BillingSource) *SpendFetcher {
	return &SpendFetcher{source: source}
}

// Kind implements orchestrator.Fetcher.
func (f *SpendFetcher) Kind() string { return "spend" }

// Fetch implements orchestrator.Fetcher.
func (f *SpendFetcher) Fetch(_ context.Context, acct *account.Account, region string) (orchestrator.Partial, error) {
	records, err := regionRecords(f.source, acct, region)
	if err != nil || len(records) == 0 {
		return orchestrator.Partial{}, err
	}

	month := latestMonth(records)
	byService := make(map[string]float64)
	total := 0.0
	for _, rec := range records {
		if rec.Month != month {
			continue
		}
		byService[rec.Service] += rec.Amount
		total += rec.Amount
	}

	partial := orchestrator.Partial{
		Counts: map[string]float64{"month_to_date_spend": total},
	}
	for _, service := range sortedKeys(byService) {
		partial.Lines = append(partial.Lines, orchestrator.Line{
			Kind:   "serviceSpend",
			Name:   service,
			Region: region,
			Amount: byService[service],
			Detail: map[string]string{"month": month},
		})
	}
	return partial, nil
}

// BreakdownFetcher reports current-month spend grouped by service with
// cost allocation tags attached, the raw material for the breakdown
// report's group-by views.
type BreakdownFetcher struct {
	source BillingSource
}

// NewBreakdownFetcher creates a breakdown fetcher backed by source.
func NewBreakdownFetcher(source BillingSource) *BreakdownFetcher {
	return &BreakdownFetcher{source: source}
}

// Kind implements orchestrator.Fetcher.
func (f *BreakdownFetcher) Kind() string { return "costBreakdown" }

// Fetch implements orchestrator.Fetcher.
func (f *BreakdownFetcher) Fetch(_ context.Context, acct *account.Account, region string) (orchestrator.Partial, error) {
	records, err := regionRecords(f.source, acct, region)
	if err != nil || len(records) == 0 {
		return orchestrator.Partial{}, err
	}

	month := latestMonth(records)
	type group struct {
		amount float64
		tags   map[string]string
	}
	groups := make(map[string]*group)
	total := 0.0
	for _, rec := range records {
		if rec.Month != month {
			continue
		}
		g, ok := groups[rec.Service]
		if !ok {
			g = &group{tags: make(map[string]string)}
			groups[rec.Service] = g
		}
		g.amount += rec.Amount
		for k, v := range rec.Tags {
			g.tags[k] = v
		}
		total += rec.Amount
	}

	partial := orchestrator.Partial{
		Counts: map[string]float64{"total_cost": total},
	}
	services := make([]string, 0, len(groups))
	for service := range groups {
		services = append(services, service)
	}
	sort.Strings(services)
	for _, service := range services {
		g := groups[service]
		detail := map[string]string{"month": month}
		for k, v := range g.tags {
			detail["tag:"+k] = v
		}
		partial.Lines = append(partial.Lines, orchestrator.Line{
			Kind:   "service",
			Name:   service,
			Region: region,
			Amount: g.amount,
			Detail: detail,
		})
	}
	return partial, nil
}

// HistoricalFetcher reports total spend per calendar month, the
// trend-line series behind the historical cost report.
type HistoricalFetcher struct {
	source BillingSource
}

// NewHistoricalFetcher creates a historical fetcher backed by source.
func NewHistoricalFetcher(source BillingSource) *HistoricalFetcher {
	return &HistoricalFetcher{source: source}
}

// Kind implements orchestrator.Fetcher.
func (f *HistoricalFetcher) Kind() string { return "historicalCost" }

// Fetch implements orchestrator.Fetcher.
func (f *HistoricalFetcher) Fetch(_ context.Context, acct *account.Account, region string) (orchestrator.Partial, error) {
	records, err := regionRecords(f.source, acct, region)
	if err != nil || len(records) == 0 {
		return orchestrator.Partial{}, err
	}

	byMonth := make(map[string]float64)
	for _, rec := range records {
		byMonth[rec.Month] += rec.Amount
	}

	months := monthsOf(records)
	partial := orchestrator.Partial{
		Counts: map[string]float64{"months": float64(len(months))},
	}
	for _, month := range months {
		partial.Lines = append(partial.Lines, orchestrator.Line{
			Kind:   "month",
			Name:   month,
			Region: region,
			Amount: byMonth[month],
		})
	}
	return partial, nil
}

// UsageFetcher reports which services an account actively consumes and
// how heavily, derived from billing activity. The quotas report uses
// it to rank where limit pressure is likely.
type UsageFetcher struct {
	source BillingSource
}

// NewUsageFetcher creates a usage fetcher backed by source.
func NewUsageFetcher(source BillingSource) *UsageFetcher {
	return &UsageFetcher{source: source}
}

// Kind implements orchestrator.Fetcher.
func (f *UsageFetcher) Kind() string { return "usage" }

// Fetch implements orchestrator.Fetcher.
func (f *UsageFetcher) Fetch(_ context.Context, acct *account.Account, region string) (orchestrator.Partial, error) {
	records, err := regionRecords(f.source, acct, region)
	if err != nil || len(records) == 0 {
		return orchestrator.Partial{}, err
	}

	month := latestMonth(records)
	byService := make(map[string]float64)
	for _, rec := range records {
		if rec.Month != month {
			continue
		}
		byService[rec.Service] += rec.Amount
	}

	partial := orchestrator.Partial{
		Counts: map[string]float64{"active_services": float64(len(byService))},
	}
	for _, service := range sortedKeys(byService) {
		partial.Lines = append(partial.Lines, orchestrator.Line{
			Kind:   "serviceUsage",
			Name:   service,
			Region: region,
			Amount: byService[service],
			Detail: map[string]string{"month": month},
		})
	}
	return partial, nil
}

// FindingsFetcher aggregates the stored findings from the account's
// most recent deep scan into severity counts and per-finding lines.
type FindingsFetcher struct {
	findings FindingsSource
}

// NewFindingsFetcher creates a findings fetcher backed by source.
func NewFindingsFetcher(source FindingsSource) *FindingsFetcher {
	return &FindingsFetcher{findings: source}
}

// Kind implements orchestrator.Fetcher.
func (f *FindingsFetcher) Kind() string { return "securityFindings" }

// Fetch implements orchestrator.Fetcher.
func (f *FindingsFetcher) Fetch(ctx context.Context, acct *account.Account, region string) (orchestrator.Partial, error) {
	all, ok, err := f.findings.Findings(ctx, acct.ID)
	if err != nil {
		return orchestrator.Partial{}, err
	}
	if !ok {
		// No scan has completed yet. Not an upstream failure.
		return orchestrator.Partial{}, nil
	}

	partial := orchestrator.Partial{Counts: make(map[string]float64)}
	for _, finding := range all {
		if !findingInRegion(finding, acct, region) {
			continue
		}
		partial.Counts["findings_total"]++
		if severity := strings.ToLower(finding.Severity); severity != "" {
			partial.Counts[severity]++
		}
		if strings.EqualFold(finding.Status, "FAIL") {
			partial.Counts["findings_failed"]++
		}
		partial.Lines = append(partial.Lines, orchestrator.Line{
			Kind:   "finding",
			Name:   finding.Title,
			Region: region,
			Detail: map[string]string{
				"finding_id": finding.ID,
				"check_id":   finding.CheckID,
				"severity":   finding.Severity,
				"service":    finding.Service,
				"status":     finding.Status,
				"resource":   finding.Resource,
			},
		})
	}
	if len(partial.Counts) == 0 {
		partial.Counts = nil
	}
	return partial, nil
}

// findingInRegion decides which fan-out branch owns a finding.
// Region-less findings (account-wide checks) are attributed to the
// account's first region so they appear exactly once.
func findingInRegion(f scan.Finding, acct *account.Account, region string) bool {
	if f.Region == region {
		return true
	}
	return globalRegion(f.Region) && region == acct.Regions[0]
}

// regionRecords returns the account's billing records owned by the
// given fan-out region. Global line items (support plans, route
// tables) carry no usable region and are attributed to the account's
// first region so the merge counts them exactly once.
func regionRecords(source BillingSource, acct *account.Account, region string) ([]BillingRecord, error) {
	all, err := source.Records(acct.ID)
	if err != nil {
		if errors.Is(err, ErrNoBillingData) {
			return nil, nil
		}
		return nil, err
	}

	records := make([]BillingRecord, 0, len(all))
	for _, rec := range all {
		if rec.Region == region || (globalRegion(rec.Region) && region == acct.Regions[0]) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func globalRegion(region string) bool {
	return region == "" || region == "global"
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
