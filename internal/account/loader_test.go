// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package account

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAccountsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write accounts file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeAccountsFile(t, `[
		{"id":"111111111111","name":"production","regions":["us-east-1","eu-west-1"],"role_arn":"arn:aws:iam::111111111111:role/XamOpsRead"},
		{"id":"222222222222","provider":"aws","regions":["us-east-1"],"role_arn":"arn:aws:iam::222222222222:role/XamOpsRead","external_id":"xo-ext","status":"CONNECTED"}
	]`)

	accounts, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if accounts[0].Provider != "aws" {
		t.Errorf("provider not defaulted: %q", accounts[0].Provider)
	}
	// A stored status never survives the load; verification decides.
	for _, acct := range accounts {
		if acct.Status != StatusPending {
			t.Errorf("account %s status = %q, want PENDING", acct.ID, acct.Status)
		}
	}
	if accounts[1].ExternalID != "xo-ext" {
		t.Errorf("external_id lost: %q", accounts[1].ExternalID)
	}
}

func TestLoadFile_MissingRoleARN(t *testing.T) {
	path := writeAccountsFile(t, `[{"id":"111111111111","regions":["us-east-1"]}]`)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadFile_NoRegions(t *testing.T) {
	path := writeAccountsFile(t, `[{"id":"111111111111","regions":[],"role_arn":"arn:aws:iam::111111111111:role/XamOpsRead"}]`)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeAccountsFile(t, "not json")
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}
