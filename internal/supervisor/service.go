// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package supervisor

import "context"

// Service adapts any Serve-shaped function to suture.Service with a
// stable name for supervisor logs.
type Service struct {
	name string
	run  func(ctx context.Context) error
}

// NewService wraps run as a named supervised service.
func NewService(name string, run func(ctx context.Context) error) *Service {
	return &Service{name: name, run: run}
}

// Serve runs the wrapped function.
func (s *Service) Serve(ctx context.Context) error {
	return s.run(ctx)
}

// String names the service in supervisor events.
func (s *Service) String() string {
	return s.name
}
