// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemoryStore()
	if err != nil {
		t.Fatalf("OpenMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_BlockUnblock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	until := time.Now().Add(time.Hour).UTC()
	if err := s.Block(ctx, "::ffff:1.2.3.4", &until, "torrent"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	entry, ok, err := s.IsBlocked("1.2.3.4")
	if err != nil || !ok {
		t.Fatalf("IsBlocked() = %v, %v, %v", entry, ok, err)
	}
	if entry.IPAddress != "1.2.3.4" || entry.Reason != "torrent" || !entry.ExpiresAt.Equal(until) {
		t.Errorf("entry = %+v", entry)
	}

	if err := s.Block(ctx, "2001:db8::1", nil, "manual"); err != nil {
		t.Fatalf("Block(v6) error = %v", err)
	}
	list, err := s.ListBlocked()
	if err != nil {
		t.Fatalf("ListBlocked() error = %v", err)
	}
	if len(list) != 2 || list[0].IPAddress != "1.2.3.4" || list[1].IPAddress != "2001:db8::1" {
		t.Errorf("ListBlocked() = %+v", list)
	}

	if err := s.Unblock(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}
	if _, ok, _ := s.IsBlocked("1.2.3.4"); ok {
		t.Error("still blocked after Unblock")
	}
	if err := s.Unblock(ctx, "9.9.9.9"); err != nil {
		t.Errorf("Unblock(unknown) error = %v", err)
	}
}

func TestStore_BlockOverwritesExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := time.Now().Add(24 * time.Hour).UTC()
	short := time.Now().Add(time.Hour).UTC()
	_ = s.Block(ctx, "1.2.3.4", &long, "first")
	_ = s.Block(ctx, "1.2.3.4", &short, "second")

	entry, ok, err := s.IsBlocked("1.2.3.4")
	if err != nil || !ok {
		t.Fatalf("IsBlocked() = %v, %v", ok, err)
	}
	if !entry.ExpiresAt.Equal(short) || entry.Reason != "second" {
		t.Errorf("entry = %+v, want second ban", entry)
	}
}

func TestStore_PastExpiryUnblocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Block(ctx, "1.2.3.4", nil, "x")
	past := time.Now().Add(-time.Minute)
	if err := s.Block(ctx, "1.2.3.4", &past, "x"); err != nil {
		t.Fatalf("Block(past) error = %v", err)
	}
	if _, ok, _ := s.IsBlocked("1.2.3.4"); ok {
		t.Error("ban with past expiry left the ip blocked")
	}
}

func TestStore_BlockRejectsInvalidIP(t *testing.T) {
	s := newTestStore(t)
	if err := s.Block(context.Background(), "nope", nil, ""); err == nil {
		t.Error("Block(invalid) succeeded")
	}
}

func TestStore_Suspensions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	soon := t0.Add(time.Minute)
	later := t0.Add(time.Hour)
	for _, susp := range []Suspension{
		{Username: "b", SuspendedAt: t0, ExpiresAt: &soon},
		{Username: "a", SuspendedAt: t0, ExpiresAt: &soon},
		{Username: "c", SuspendedAt: t0, ExpiresAt: &later},
		{Username: "forever", SuspendedAt: t0},
	} {
		if err := s.PutSuspension(ctx, susp); err != nil {
			t.Fatalf("PutSuspension() error = %v", err)
		}
	}

	expired, err := s.ExpiredSuspensions(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExpiredSuspensions() error = %v", err)
	}
	if len(expired) != 2 || expired[0].Username != "a" || expired[1].Username != "b" {
		t.Errorf("ExpiredSuspensions() = %+v", expired)
	}

	if err := s.DeleteSuspension(ctx, "a"); err != nil {
		t.Fatalf("DeleteSuspension() error = %v", err)
	}
	if _, ok, _ := s.GetSuspension(ctx, "a"); ok {
		t.Error("suspension a still present")
	}
}

func TestStore_ReleaseSuspension(t *testing.T) {
	soon := t0.Add(time.Minute)
	later := t0.Add(time.Hour)
	stored := Suspension{Username: "dave", SuspendedAt: t0, ExpiresAt: &soon}

	tests := []struct {
		name    string
		put     *Suspension
		want    Suspension
		now     time.Time
		release bool
	}{
		{"same and expired", &stored, stored, t0.Add(2 * time.Minute), true},
		{"replaced by a longer ban", &Suspension{Username: "dave", SuspendedAt: t0.Add(time.Minute), ExpiresAt: &later}, stored, t0.Add(2 * time.Minute), false},
		{"not yet expired", &stored, stored, t0, false},
		{"missing", nil, stored, t0.Add(2 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			if tt.put != nil {
				if err := s.PutSuspension(ctx, *tt.put); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.ReleaseSuspension(ctx, tt.want, tt.now)
			if err != nil {
				t.Fatalf("ReleaseSuspension() error = %v", err)
			}
			if got != tt.release {
				t.Errorf("ReleaseSuspension() = %v, want %v", got, tt.release)
			}
			_, present, _ := s.GetSuspension(ctx, "dave")
			if wantPresent := tt.put != nil && !tt.release; present != wantPresent {
				t.Errorf("record present = %v, want %v", present, wantPresent)
			}
		})
	}
}
