// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

const badgerStoreLabel = "badger"

// reportKeyPrefix namespaces report entries inside the shared BadgerDB.
const reportKeyPrefix = "report:"

// badgerEnvelope wraps a cached payload with its write timestamp so the
// durable tier can report entry age.
type badgerEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
}

// BadgerStore is the durable cache tier, backed by BadgerDB. Report
// payloads written here survive process restarts; writes are
// transactional.
type BadgerStore struct {
	db         *badger.DB
	defaultTTL time.Duration
	ownsDB     bool
}

// OpenBadgerStore opens a BadgerDB at path and returns a durable store.
// defaultTTL of zero means entries live until evicted or overwritten.
func OpenBadgerStore(path string, defaultTTL time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is noisy, we log at the store level

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache at %s: %w", path, err)
	}
	return &BadgerStore{db: db, defaultTTL: defaultTTL, ownsDB: true}, nil
}

// NewBadgerStore wraps an already-open BadgerDB. The caller retains
// ownership of the database handle.
func NewBadgerStore(db *badger.DB, defaultTTL time.Duration) *BadgerStore {
	return &BadgerStore{db: db, defaultTTL: defaultTTL}
}

// GetJSON implements Store.
func (s *BadgerStore) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(reportKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.CacheMisses.WithLabelValues(badgerStoreLabel).Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger get %s: %w", key, err)
	}

	var env badgerEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Payload) > 0 {
		raw = env.Payload
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		metrics.CacheCorruptEntries.WithLabelValues(badgerStoreLabel).Inc()
		logging.Ctx(ctx).Warn().Str("key", key).Err(err).
			Msg("corrupt cache payload treated as miss")
		metrics.CacheMisses.WithLabelValues(badgerStoreLabel).Inc()
		return false, nil
	}

	metrics.CacheHits.WithLabelValues(badgerStoreLabel).Inc()
	return true, nil
}

// PutJSON implements Store.
func (s *BadgerStore) PutJSON(ctx context.Context, key string, value interface{}) error {
	return s.PutJSONTTL(ctx, key, value, 0)
}

// PutJSONTTL implements Store.
func (s *BadgerStore) PutJSONTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache payload for %s: %w", key, err)
	}
	data, err := json.Marshal(badgerEnvelope{Payload: payload, WrittenAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal cache envelope for %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(reportKeyPrefix+key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}

	logging.Ctx(ctx).Debug().Str("key", key).Int("bytes", len(payload)).Msg("durable cache write")
	return nil
}

// Evict implements Store.
func (s *BadgerStore) Evict(ctx context.Context, key string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		bkey := []byte(reportKeyPrefix + key)
		if _, err := txn.Get(bkey); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(bkey)
	})
	if err != nil {
		return false, fmt.Errorf("badger evict %s: %w", key, err)
	}

	if existed {
		metrics.CacheEvictions.WithLabelValues(badgerStoreLabel).Inc()
		logging.Ctx(ctx).Debug().Str("key", key).Msg("durable cache evicted")
	} else {
		logging.Ctx(ctx).Debug().Str("key", key).Msg("durable cache eviction skipped, key not found")
	}
	return existed, nil
}

// EvictAll implements Store. One failing key never aborts the sweep.
func (s *BadgerStore) EvictAll(ctx context.Context, keys []string) int {
	evicted := 0
	for _, key := range keys {
		ok, err := s.Evict(ctx, key)
		if err != nil {
			logging.Ctx(ctx).Warn().Str("key", key).Err(err).Msg("eviction failed, continuing sweep")
			continue
		}
		if ok {
			evicted++
		}
	}
	return evicted
}

// EvictPrefix removes all entries whose cache key starts with prefix.
// Used by the global sweep to clear a whole report namespace.
func (s *BadgerStore) EvictPrefix(ctx context.Context, prefix string) (int, error) {
	full := []byte(reportKeyPrefix + prefix)
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan prefix %s: %w", prefix, err)
	}

	evicted := 0
	for _, key := range keys {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Str("key", string(key)).Err(err).
				Msg("prefix eviction failed, continuing")
			continue
		}
		evicted++
		metrics.CacheEvictions.WithLabelValues(badgerStoreLabel).Inc()
	}
	return evicted, nil
}

// Close closes the underlying database if this store owns it.
func (s *BadgerStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
