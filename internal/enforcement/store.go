// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
)

// Key prefixes for BadgerDB storage
const (
	blockKeyPrefix      = "block:"
	suspensionKeyPrefix = "suspension:"
)

// BlockEntry is one blocked address.
type BlockEntry struct {
	IPAddress string     `json:"ip_address"`
	Reason    string     `json:"reason,omitempty"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store keeps the ip blocklist and user suspensions in BadgerDB. Block
// entries carry a TTL equal to the remaining ban so badger drops them on
// expiry; suspensions have no TTL because the Reaper must see them to
// reactivate the user.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// OpenStore opens the store described by the blocklist config.
func OpenStore(cfg config.BlocklistConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory || cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blocklist store: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", opts.InMemory).
		Msg("blocklist store opened")
	s.refreshGauge()
	return s, nil
}

// OpenMemoryStore opens an in-memory store.
func OpenMemoryStore() (*Store, error) {
	return OpenStore(config.BlocklistConfig{InMemory: true})
}

// Block implements IPBlocker. A later call for the same ip replaces the
// earlier entry and its expiry.
func (s *Store) Block(_ context.Context, ip string, until *time.Time, reason string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("block %q: %w", ip, err)
	}
	now := s.now().UTC()
	entry := BlockEntry{
		IPAddress: addr.Unmap().String(),
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: until,
	}

	var ttl time.Duration
	if until != nil {
		ttl = until.Sub(now)
		if ttl <= 0 {
			return s.Unblock(context.Background(), entry.IPAddress)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal block entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(blockKeyPrefix+entry.IPAddress), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("store block entry: %w", err)
	}
	s.refreshGauge()
	return nil
}

// Unblock implements IPBlocker. Unblocking an unknown ip is not an error.
func (s *Store) Unblock(_ context.Context, ip string) error {
	key := ip
	if addr, err := netip.ParseAddr(ip); err == nil {
		key = addr.Unmap().String()
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blockKeyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete block entry: %w", err)
	}
	s.refreshGauge()
	return nil
}

// IsBlocked returns the live entry for ip, if any.
func (s *Store) IsBlocked(ip string) (*BlockEntry, bool, error) {
	key := ip
	if addr, err := netip.ParseAddr(ip); err == nil {
		key = addr.Unmap().String()
	}

	var entry BlockEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blockKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get block entry: %w", err)
	}
	return &entry, true, nil
}

// ListBlocked returns live block entries sorted by ip.
func (s *Store) ListBlocked() ([]BlockEntry, error) {
	var entries []BlockEntry
	err := s.scan(blockKeyPrefix, func(val []byte) error {
		var e BlockEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list block entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IPAddress < entries[j].IPAddress })
	return entries, nil
}

// PutSuspension implements SuspensionStore.
func (s *Store) PutSuspension(_ context.Context, susp Suspension) error {
	data, err := json.Marshal(susp)
	if err != nil {
		return fmt.Errorf("marshal suspension: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(suspensionKeyPrefix+susp.Username), data)
	})
}

// DeleteSuspension implements SuspensionStore.
func (s *Store) DeleteSuspension(_ context.Context, username string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(suspensionKeyPrefix + username))
	})
}

// GetSuspension implements SuspensionStore.
func (s *Store) GetSuspension(_ context.Context, username string) (*Suspension, bool, error) {
	var susp Suspension
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(suspensionKeyPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &susp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get suspension: %w", err)
	}
	return &susp, true, nil
}

// ReleaseSuspension implements SuspensionStore. The read, the comparison
// and the delete run in one badger transaction; a concurrent PutSuspension
// for the same key makes the commit fail with ErrConflict, which is
// reported as not released.
func (s *Store) ReleaseSuspension(_ context.Context, want Suspension, now time.Time) (bool, error) {
	key := []byte(suspensionKeyPrefix + want.Username)
	released := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur Suspension
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		}); err != nil {
			return err
		}
		if !cur.Same(want) || !cur.Expired(now) {
			return nil
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		released = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release suspension: %w", err)
	}
	return released, nil
}

// ExpiredSuspensions implements SuspensionStore.
func (s *Store) ExpiredSuspensions(_ context.Context, now time.Time) ([]Suspension, error) {
	var out []Suspension
	err := s.scan(suspensionKeyPrefix, func(val []byte) error {
		var susp Suspension
		if err := json.Unmarshal(val, &susp); err != nil {
			return err
		}
		if susp.Expired(now) {
			out = append(out, susp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan suspensions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) countBlocked() int {
	n := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(blockKeyPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n
}

func (s *Store) refreshGauge() {
	metrics.BlocklistEntries.Set(float64(s.countBlocked()))
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
