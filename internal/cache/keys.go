// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package cache

import (
	"strconv"
	"strings"
)

// Composite cache keys are deterministic functions of report type,
// account identity, and every user-supplied grouping/filter parameter.
// Identical parameters always produce the same key; differing parameters
// never collide because each parameter occupies a fixed position.

// DashboardKey is the cache key for an account's dashboard aggregate.
func DashboardKey(accountID string) string {
	return "dashboard-" + accountID
}

// FinOpsReportKey is the cache key for an account's FinOps report.
func FinOpsReportKey(accountID string) string {
	return "finopsReport-" + accountID
}

// BudgetsKey is the budget sub-entry evicted together with the FinOps
// report.
func BudgetsKey(accountID string) string {
	return "budgets-" + accountID
}

// CostBreakdownKey is the cache key for a cost breakdown grouped by
// groupBy (SERVICE, REGION, TAG, ...). tagKey is only meaningful for
// TAG grouping and may be empty. Both parameters are caller-supplied
// and get escaped so a delimiter inside one can never collide with a
// key built from different parameters.
func CostBreakdownKey(accountID, groupBy, tagKey string) string {
	key := "costBreakdown-" + accountID + "-" + escapeKeyPart(strings.ToUpper(groupBy))
	if tagKey != "" {
		key += "-" + escapeKeyPart(tagKey)
	}
	return key
}

// escapeKeyPart percent-encodes the key delimiter (and the escape
// character itself) in a caller-supplied key segment.
func escapeKeyPart(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "-", "%2D")
}

// ServiceQuotasKey is the cache key for an account's service quota report.
func ServiceQuotasKey(accountID string) string {
	return "serviceQuotas-" + accountID
}

// SecurityFindingsKey is the cache key for an account's aggregated
// security findings.
func SecurityFindingsKey(accountID string) string {
	return "securityFindings-" + accountID
}

// HistoricalCostKey is the cache key for an account's historical cost
// series over a month window.
func HistoricalCostKey(accountID string, months int) string {
	return "historicalCost-" + accountID + "-" + strconv.Itoa(months)
}

// ScanStatusKey is the volatile-store key holding external scan status.
func ScanStatusKey(accountID string) string {
	return "scanStatus-" + accountID
}

// ScanFindingsKey is the volatile-store key holding raw scan findings.
func ScanFindingsKey(accountID string) string {
	return "scanFindings-" + accountID
}
