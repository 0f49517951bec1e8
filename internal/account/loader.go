// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package account

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	json "github.com/goccy/go-json"
)

// LoadFile reads onboarded accounts from a JSON file: an array of
// Account objects with at least id, provider, regions and role_arn.
// Status and connection fields are reset; every loaded account starts
// PENDING until its role is verified.
func LoadFile(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file %s: %w", path, err)
	}

	var accounts []*Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}

	v := validator.New()
	for i, acct := range accounts {
		if acct.Provider == "" {
			acct.Provider = "aws"
		}
		if err := v.Struct(acct); err != nil {
			return nil, fmt.Errorf("accounts file %s entry %d: %w", path, i, err)
		}
		acct.Status = StatusPending
		acct.ConnectedAt = time.Time{}
		acct.LastError = ""
	}
	return accounts, nil
}
