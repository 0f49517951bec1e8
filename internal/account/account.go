// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package account holds the cloud account model and credential
// resolution for all report computation and scanning.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the connection lifecycle state of a cloud account.
type Status string

const (
	// StatusPending means the account was registered but its role has
	// not been verified yet.
	StatusPending Status = "PENDING"

	// StatusConnected means the account's role was assumed successfully.
	StatusConnected Status = "CONNECTED"

	// StatusFailed means the last verification attempt failed.
	StatusFailed Status = "FAILED"
)

// ErrAccountNotFound is returned when an account ID resolves to nothing.
var ErrAccountNotFound = errors.New("account not found")

// Account is a connected cloud account whose costs and findings the
// dashboard reports on.
type Account struct {
	// ID is the provider-side account identifier (e.g. the 12-digit
	// AWS account number).
	ID string `json:"id" validate:"required"`

	// Name is the display name shown on the dashboard.
	Name string `json:"name,omitempty"`

	// Provider is the cloud provider. Only "aws" is wired today.
	Provider string `json:"provider" validate:"required,oneof=aws"`

	// Regions are the regions fan-out queries run against.
	Regions []string `json:"regions" validate:"min=1"`

	// RoleARN is the cross-account role assumed to read cost and
	// security data.
	RoleARN string `json:"role_arn" validate:"required"`

	// ExternalID is the optional external ID required by the role's
	// trust policy.
	ExternalID string `json:"external_id,omitempty"`

	Status      Status    `json:"status"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Resolver looks up accounts by ID. The orchestrator resolves every
// account before fanning out fetches; resolution failure aborts the
// whole computation.
type Resolver interface {
	// Resolve returns the account for id, or ErrAccountNotFound.
	Resolve(ctx context.Context, id string) (*Account, error)
}

// NotFoundError wraps ErrAccountNotFound with the offending ID so API
// handlers can echo it back.
func NotFoundError(id string) error {
	return fmt.Errorf("account %q: %w", id, ErrAccountNotFound)
}
