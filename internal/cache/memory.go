// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

const memoryStoreLabel = "memory"

type memoryEntry struct {
	payload   []byte
	writtenAt time.Time
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the volatile cache tier: a thread-safe in-memory map
// with per-entry TTL and a background cleanup loop. It holds short-lived
// data such as scan status and polling results; contents do not survive
// a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	corrupt   atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates the volatile store. defaultTTL applies to
// entries written without an explicit TTL; cleanupInterval controls the
// expired-entry sweep (zero disables the background sweep, expiry is
// still enforced on read).
func NewMemoryStore(defaultTTL, cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     defaultTTL,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// GetJSON implements Store.
func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		s.miss()
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// rewritten the key since the read.
		if cur, ok := s.entries[key]; ok && cur.writtenAt.Equal(entry.writtenAt) {
			delete(s.entries, key)
			s.evictions.Add(1)
			metrics.CacheEvictions.WithLabelValues(memoryStoreLabel).Inc()
		}
		s.mu.Unlock()
		s.miss()
		return false, nil
	}

	if err := json.Unmarshal(entry.payload, dest); err != nil {
		s.corrupt.Add(1)
		metrics.CacheCorruptEntries.WithLabelValues(memoryStoreLabel).Inc()
		logging.Ctx(ctx).Warn().Str("key", key).Err(err).
			Msg("corrupt cache payload treated as miss")
		s.miss()
		return false, nil
	}

	s.hits.Add(1)
	metrics.CacheHits.WithLabelValues(memoryStoreLabel).Inc()
	return true, nil
}

// PutJSON implements Store.
func (s *MemoryStore) PutJSON(ctx context.Context, key string, value interface{}) error {
	return s.PutJSONTTL(ctx, key, value, 0)
}

// PutJSONTTL implements Store.
func (s *MemoryStore) PutJSONTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := time.Now()
	entry := memoryEntry{payload: payload, writtenAt: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	logging.Ctx(ctx).Debug().Str("key", key).Dur("ttl", ttl).Msg("memory cache write")
	return nil
}

// Evict implements Store.
func (s *MemoryStore) Evict(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if existed {
		s.evictions.Add(1)
		metrics.CacheEvictions.WithLabelValues(memoryStoreLabel).Inc()
		logging.Ctx(ctx).Debug().Str("key", key).Msg("memory cache evicted")
	} else {
		logging.Ctx(ctx).Debug().Str("key", key).Msg("memory cache eviction skipped, key not found")
	}
	return existed, nil
}

// EvictAll implements Store.
func (s *MemoryStore) EvictAll(ctx context.Context, keys []string) int {
	evicted := 0
	for _, key := range keys {
		if ok, _ := s.Evict(ctx, key); ok {
			evicted++
		}
	}
	return evicted
}

// EvictPrefix removes every entry whose key starts with prefix.
// Returns the number of entries removed.
func (s *MemoryStore) EvictPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	var matched []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	if len(matched) > 0 {
		s.evictions.Add(int64(len(matched)))
		metrics.CacheEvictions.WithLabelValues(memoryStoreLabel).Add(float64(len(matched)))
	}
	logging.Ctx(ctx).Debug().Str("prefix", prefix).Int("evicted", len(matched)).
		Msg("memory cache prefix eviction")
	return len(matched), nil
}

// Stats returns a snapshot of the store's counters.
func (s *MemoryStore) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Corrupt:   s.corrupt.Load(),
	}
}

// Len returns the current number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *MemoryStore) miss() {
	s.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(memoryStoreLabel).Inc()
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryStore) removeExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.entries, key)
			s.evictions.Add(1)
			metrics.CacheEvictions.WithLabelValues(memoryStoreLabel).Inc()
		}
	}
}
