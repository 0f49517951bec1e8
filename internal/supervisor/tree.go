// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package supervisor builds the suture supervision tree for the XamOps
// backend. Services are grouped into layers so a crash in one layer
// restarts only its siblings:
//
//   - messaging: websocket hub and the bus bridge
//   - jobs: the scheduler and the tenant directory sync
//   - api: the HTTP server
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/xammer/xamops/internal/logging"
)

// TreeConfig holds supervision parameters shared by every layer.
type TreeConfig struct {
	// FailureThreshold is the failure count before a layer enters
	// backoff.
	FailureThreshold float64

	// FailureDecay is the decay rate of the failure count, in seconds.
	FailureDecay float64

	// FailureBackoff is how long a layer pauses once the threshold is
	// exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum wait for a service to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig mirrors suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervision hierarchy.
type Tree struct {
	root      *suture.Supervisor
	messaging *suture.Supervisor
	jobs      *suture.Supervisor
	api       *suture.Supervisor
}

// NewTree creates the supervision tree. Supervisor events are logged
// through zerolog via the slog bridge.
func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	// sutureslog wants the hook built from a handler value.
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("xamops", rootSpec),
		messaging: suture.New("messaging-layer", childSpec),
		jobs:      suture.New("jobs-layer", childSpec),
		api:       suture.New("api-layer", childSpec),
	}
	t.root.Add(t.messaging)
	t.root.Add(t.jobs)
	t.root.Add(t.api)
	return t
}

// AddMessagingService adds a service to the messaging layer: the
// websocket hub and the bus bridge.
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddJobService adds a service to the jobs layer: the scheduler.
func (t *Tree) AddJobService(svc suture.Service) suture.ServiceToken {
	return t.jobs.Add(svc)
}

// AddAPIService adds a service to the API layer: the HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree on its own goroutine, returning the
// terminal error channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown
// timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
