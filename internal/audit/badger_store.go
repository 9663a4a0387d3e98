// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/marzguard/internal/logging"
)

// Key layout. Event keys sort by timestamp so retention and newest-first
// queries are range scans; the id index points back at the event key.
const (
	eventKeyPrefix = "audit:"
	idKeyPrefix    = "audit-id:"
)

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens a store at path, or an in-memory one when path is
// empty.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	logging.Info().Str("path", path).Bool("in_memory", opts.InMemory).Msg("audit store opened")
	return &BadgerStore{db: db}, nil
}

func eventKey(event *Event) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", eventKeyPrefix, event.Timestamp.UnixNano(), event.ID))
}

// Save persists an audit event.
func (s *BadgerStore) Save(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := eventKey(event)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(idKeyPrefix+event.ID), key)
	})
}

// Get retrieves an event by ID.
func (s *BadgerStore) Get(_ context.Context, id string) (*Event, error) {
	var event Event
	err := s.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get([]byte(idKeyPrefix + id))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &event)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &event, nil
}

// Query retrieves events matching the filter, newest first.
func (s *BadgerStore) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	var results []Event
	err := s.scanNewestFirst(func(event *Event) bool {
		if filter.Matches(event) {
			results = append(results, *event)
		}
		return filter.Limit <= 0 || len(results) < filter.Limit
	})
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return results, nil
}

// Count returns the number of events matching the filter.
func (s *BadgerStore) Count(_ context.Context, filter QueryFilter) (int64, error) {
	var n int64
	err := s.scanNewestFirst(func(event *Event) bool {
		if filter.Matches(event) {
			n++
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// scanNewestFirst calls fn for each event until fn returns false.
func (s *BadgerStore) scanNewestFirst(fn func(*Event) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(eventKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(eventKeyPrefix + "\xff")); it.Valid(); it.Next() {
			var event Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			if !fn(&event) {
				return nil
			}
		}
		return nil
	})
}

// Delete removes events older than the given time.
func (s *BadgerStore) Delete(_ context.Context, olderThan time.Time) (int64, error) {
	cutoff := []byte(fmt.Sprintf("%s%020d", eventKeyPrefix, olderThan.UnixNano()))

	var keys, ids [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(eventKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(eventKeyPrefix)); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(cutoff) {
				break
			}
			keys = append(keys, key)
			// The id follows the fixed-width timestamp.
			ids = append(ids, []byte(idKeyPrefix+string(key[len(cutoff)+1:])))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan audit events: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range keys {
		if err := wb.Delete(keys[i]); err != nil {
			return 0, fmt.Errorf("delete audit event: %w", err)
		}
		if err := wb.Delete(ids[i]); err != nil {
			return 0, fmt.Errorf("delete audit index: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush audit deletes: %w", err)
	}
	return int64(len(keys)), nil
}

// GetStats scans the trail and summarizes it.
func (s *BadgerStore) GetStats(_ context.Context) (*Stats, error) {
	stats := newStats()
	err := s.scanNewestFirst(func(event *Event) bool {
		stats.add(event)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	return stats, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
