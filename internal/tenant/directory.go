// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/xammer/xamops/internal/logging"
)

// userKeyPrefix namespaces directory entries inside the BadgerDB.
const userKeyPrefix = "user:"

// Directory is the global user directory, badger-backed so its
// contents survive restarts. The sync job upserts users discovered in
// each tenant; existing entries are never overwritten.
type Directory struct {
	db     *badger.DB
	ownsDB bool
}

// OpenDirectory opens a BadgerDB at path and returns the directory.
func OpenDirectory(path string) (*Directory, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open user directory at %s: %w", path, err)
	}
	return &Directory{db: db, ownsDB: true}, nil
}

// NewDirectory wraps an already-open BadgerDB. The caller retains
// ownership of the database handle.
func NewDirectory(db *badger.DB) *Directory {
	return &Directory{db: db}
}

// UpsertIfAbsent inserts u unless a user with the same username already
// exists. Returns true when a new entry was written.
func (d *Directory) UpsertIfAbsent(ctx context.Context, u User) (bool, error) {
	if u.Username == "" {
		return false, errors.New("user has empty username")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	key := []byte(userKeyPrefix + u.Username)
	inserted := false

	err := d.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already present, first write wins
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user %s: %w", u.Username, err)
		}
		inserted = true
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("upsert user %s: %w", u.Username, err)
	}

	if inserted {
		logging.Ctx(ctx).Debug().Str("username", u.Username).Str("tenant", string(u.Tenant)).
			Msg("user added to global directory")
	}
	return inserted, nil
}

// Get looks up a user by username.
func (d *Directory) Get(_ context.Context, username string) (*User, bool, error) {
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userKeyPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get user %s: %w", username, err)
	}

	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, false, fmt.Errorf("decode user %s: %w", username, err)
	}
	return &u, true, nil
}

// Count returns the number of directory entries.
func (d *Directory) Count(context.Context) (int, error) {
	count := 0
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(userKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count directory entries: %w", err)
	}
	return count, nil
}

// Close closes the underlying database when the directory owns it.
func (d *Directory) Close() error {
	if !d.ownsDB {
		return nil
	}
	return d.db.Close()
}
