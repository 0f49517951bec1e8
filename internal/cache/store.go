// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package cache provides the two-tier report cache for XamOps: a fast
// volatile in-memory store for short-lived polling data and a durable
// BadgerDB-backed store for expensive report payloads that must survive
// restarts.
//
// Both tiers share the same contract:
//
//   - a miss is a normal outcome, never an error
//   - a payload that fails to deserialize is logged and treated as a miss
//   - evicting an absent key is a no-op, observable via the returned bool
//   - bulk eviction is best-effort and never aborts on a single key
package cache

import (
	"context"
	"time"
)

// Store is the key/value contract shared by both cache tiers. Values are
// stored as JSON.
type Store interface {
	// GetJSON looks up key and unmarshals the payload into dest.
	// Returns false on a miss. A corrupt payload counts as a miss and is
	// reported through the error-free path: the entry is logged and the
	// caller recomputes.
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)

	// PutJSON marshals value and stores it under key, overwriting any
	// prior entry and refreshing the write timestamp.
	PutJSON(ctx context.Context, key string, value interface{}) error

	// PutJSONTTL is PutJSON with an entry-specific TTL. A zero ttl falls
	// back to the store default.
	PutJSONTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Evict removes the entry if present. Returns true when an entry was
	// actually removed; evicting an absent key is not an error.
	Evict(ctx context.Context, key string) (bool, error)

	// EvictAll best-effort evicts an enumerated key set. Individual
	// failures are logged and do not abort the loop. Returns the number
	// of entries actually removed.
	EvictAll(ctx context.Context, keys []string) int

	// Close releases store resources.
	Close() error
}

// Stats tracks cache performance counters for a store tier.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Corrupt   int64
}
