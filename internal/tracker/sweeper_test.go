// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package tracker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweeper_RunOnce(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 5)
	_, _ = tr.RecordActivity("pete", "10.10.0.1", 0, 0)
	_, _ = tr.RecordActivity("pete", "10.10.0.2", 0, 0)

	sw := NewSweeper(tr)
	if n := sw.RunOnce(); n != 0 {
		t.Errorf("fresh records swept: %d", n)
	}

	clock.Advance(10 * time.Minute)
	if n := sw.RunOnce(); n != 2 {
		t.Errorf("RunOnce() = %d, want 2", n)
	}
	if sw.String() != "connection-sweeper" {
		t.Errorf("String() = %q", sw.String())
	}
}

func TestSweeper_Hooks(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 5)
	sw := NewSweeper(tr)

	var seen []time.Time
	sw.AddHook(func(now time.Time) int {
		seen = append(seen, now)
		return 3
	})

	clock.Advance(time.Minute)
	sw.RunOnce()
	if len(seen) != 1 || !seen[0].Equal(clock.Now()) {
		t.Errorf("hook calls = %v, want one at %v", seen, clock.Now())
	}
}

func TestSweeper_ServeStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	tr := New(Options{
		Enabled:               true,
		DefaultMaxConnections: 5,
		StalenessWindow:       time.Minute,
		TrackingInterval:      10 * time.Millisecond,
		Clock:                 clock.Now,
	})
	_, _ = tr.RecordActivity("quinn", "10.11.0.1", 0, 0)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(tr).Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(tr.Snapshot("quinn")) != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never removed the stale record")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
