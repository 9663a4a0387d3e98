// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSlidingSum(t *testing.T) {
	s := newSlidingSum(time.Minute)

	s.Add(t0, 100)
	s.Add(t0.Add(10*time.Second), 50)
	if got := s.Sum(t0.Add(10 * time.Second)); got != 150 {
		t.Errorf("Sum() = %d, want 150", got)
	}

	// First bucket has left the window.
	if got := s.Sum(t0.Add(61 * time.Second)); got != 50 {
		t.Errorf("Sum() after expiry = %d, want 50", got)
	}
	if got := s.Sum(t0.Add(5 * time.Minute)); got != 0 {
		t.Errorf("Sum() long after = %d, want 0", got)
	}
}

func TestSlidingSum_SlotReuse(t *testing.T) {
	s := newSlidingSum(time.Minute)
	s.Add(t0, 100)
	// Same slot one full window later replaces the stale bucket.
	s.Add(t0.Add(time.Minute), 7)
	if got := s.Sum(t0.Add(time.Minute)); got != 7 {
		t.Errorf("Sum() = %d, want 7", got)
	}
	// A late sample for the overwritten bucket is ignored.
	s.Add(t0, 1000)
	if got := s.Sum(t0.Add(time.Minute)); got != 7 {
		t.Errorf("Sum() after late add = %d, want 7", got)
	}
}

func TestUserStates_Prune(t *testing.T) {
	type counter struct{ n int }
	u := newUserStates(func() *counter { return &counter{} })

	u.with("alice", t0, func(c *counter) { c.n++ })
	u.with("alice", t0.Add(time.Second), func(c *counter) { c.n++ })
	u.with("bob", t0.Add(time.Minute), func(c *counter) { c.n++ })

	var n int
	u.with("alice", t0, func(c *counter) { n = c.n })
	if n != 2 {
		t.Errorf("alice count = %d, want 2", n)
	}

	if removed := u.prune(t0.Add(30 * time.Second)); removed != 1 {
		t.Errorf("prune() = %d, want 1", removed)
	}
	if u.len() != 1 {
		t.Errorf("len() = %d, want 1", u.len())
	}
}
