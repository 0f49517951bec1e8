// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package reports provides the concrete fetchers wired into the
// refresh orchestrator. Cost fetchers read billing export files,
// the identity fetcher proves role access via STS and the findings
// fetcher aggregates stored scanner output.
package reports

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

// ErrNoBillingData indicates no billing export exists for an account.
// Cost fetchers translate this into empty partials so reports still
// assemble for accounts that have not exported yet.
var ErrNoBillingData = errors.New("no billing data for account")

// BillingRecord is one line item from a billing export: spend for one
// service in one region during one calendar month.
type BillingRecord struct {
	Service string            `json:"service"`
	Region  string            `json:"region"`
	Month   string            `json:"month"`
	Amount  float64           `json:"amount"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// BillingSource yields the billing line items for an account. The
// cost fetchers are agnostic to where the items come from.
type BillingSource interface {
	Records(accountID string) ([]BillingRecord, error)
}

// FileBillingSource reads billing exports from a directory holding one
// JSON file per account, named <accountID>.json. Exports land there
// out of band, typically a mounted CUR drop synced by the billing
// pipeline.
type FileBillingSource struct {
	dir string
}

// NewFileBillingSource creates a source rooted at dir. An empty dir
// means no exports are available and every lookup returns
// ErrNoBillingData.
func NewFileBillingSource(dir string) *FileBillingSource {
	return &FileBillingSource{dir: dir}
}

// Records implements BillingSource.
func (s *FileBillingSource) Records(accountID string) ([]BillingRecord, error) {
	if s.dir == "" {
		return nil, ErrNoBillingData
	}

	path := filepath.Join(s.dir, accountID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBillingData
		}
		return nil, fmt.Errorf("read billing export %s: %w", path, err)
	}

	var records []BillingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse billing export %s: %w", path, err)
	}
	return records, nil
}

// latestMonth returns the most recent calendar month present in the
// records. Months are formatted YYYY-MM so lexical order is
// chronological.
func latestMonth(records []BillingRecord) string {
	latest := ""
	for _, rec := range records {
		if rec.Month > latest {
			latest = rec.Month
		}
	}
	return latest
}

// monthsOf returns the distinct months present, oldest first.
func monthsOf(records []BillingRecord) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		seen[rec.Month] = struct{}{}
	}
	months := make([]string, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Strings(months)
	return months
}
