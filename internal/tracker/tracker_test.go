// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package tracker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mapSettings map[string]UserSettings

func (m mapSettings) UserSettings(username string) UserSettings {
	return m[username]
}

func newTestTracker(clock *fakeClock, limit int) *Tracker {
	return New(Options{
		Enabled:               true,
		DefaultMaxConnections: limit,
		StalenessWindow:       5 * time.Minute,
		TrackingInterval:      30 * time.Second,
		Clock:                 clock.Now,
	})
}

func TestRecordActivity_LimitProperty(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			tr := newTestTracker(newFakeClock(), limit)

			for i := 0; i < limit+3; i++ {
				ip := fmt.Sprintf("10.0.0.%d", i+1)
				out, err := tr.RecordActivity("carol", ip, 100, 100)
				if err != nil {
					t.Fatalf("RecordActivity(%s) error = %v", ip, err)
				}
				wantRejected := i >= limit
				if out.Rejected() != wantRejected {
					t.Errorf("ip #%d rejected = %v, want %v", i+1, out.Rejected(), wantRejected)
				}
			}

			// Refreshing tracked ips is never rejected.
			for round := 0; round < 10; round++ {
				for i := 0; i < limit; i++ {
					out, err := tr.RecordActivity("carol", fmt.Sprintf("10.0.0.%d", i+1), 1, 1)
					if err != nil {
						t.Fatal(err)
					}
					if out.Rejected() {
						t.Fatalf("refresh of tracked ip 10.0.0.%d rejected", i+1)
					}
				}
			}

			if got := len(tr.Snapshot("carol")); got != limit {
				t.Errorf("snapshot size = %d, want %d", got, limit)
			}
		})
	}
}

func TestRecordActivity_AliceScenario(t *testing.T) {
	clock := newFakeClock()
	tr := New(Options{
		Enabled:               true,
		DefaultMaxConnections: 2,
		StalenessWindow:       5 * time.Minute,
		Settings:              mapSettings{"alice": {MaxConnections: 5}},
		Clock:                 clock.Now,
	})

	for i := 1; i <= 5; i++ {
		out, err := tr.RecordActivity("alice", fmt.Sprintf("198.51.100.%d", i), 10, 10)
		if err != nil || out.Rejected() {
			t.Fatalf("connection %d: outcome=%+v err=%v", i, out, err)
		}
		clock.Advance(time.Second)
	}

	out, err := tr.RecordActivity("alice", "198.51.100.6", 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Rejected() {
		t.Fatal("sixth distinct ip should be rejected")
	}
	if out.Reason != ReasonLimitExceeded || out.Current != 5 || out.Max != 5 {
		t.Errorf("outcome = %+v, want LIMIT_EXCEEDED 5/5", out)
	}

	// Accept-oldest: the original five are untouched.
	snap := tr.Snapshot("alice")
	if len(snap) != 5 {
		t.Fatalf("snapshot has %d records, want 5", len(snap))
	}
	for _, r := range snap {
		if r.RemoteIP == "198.51.100.6" {
			t.Error("rejected ip must not be tracked")
		}
	}
}

func TestSweep_Boundary(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 10)
	start := clock.Now()

	if _, err := tr.RecordActivity("dave", "10.1.0.1", 0, 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := tr.RecordActivity("dave", "10.1.0.2", 0, 0); err != nil {
		t.Fatal(err)
	}

	// now - W == start: the first record sits exactly on the boundary.
	removed := tr.Sweep(start.Add(5 * time.Minute))
	if removed != 0 {
		t.Errorf("boundary sweep removed %d, want 0", removed)
	}
	if len(tr.Snapshot("dave")) != 2 {
		t.Fatal("records at the boundary must remain")
	}

	removed = tr.Sweep(start.Add(5*time.Minute + time.Nanosecond))
	if removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	snap := tr.Snapshot("dave")
	if len(snap) != 1 || snap[0].RemoteIP != "10.1.0.2" {
		t.Errorf("snapshot after sweep = %+v", snap)
	}

	tr.Sweep(start.Add(time.Hour))
	if st := tr.Stats(); st.ActiveUsers != 0 || st.TotalActiveConnections != 0 {
		t.Errorf("stats after full sweep = %+v", st)
	}
}

func TestRecordActivity_StaleRecordCountsAsNew(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 1)

	if _, err := tr.RecordActivity("erin", "10.2.0.1", 0, 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(6 * time.Minute)

	// The old record is stale, so a different ip fits under the limit.
	out, err := tr.RecordActivity("erin", "10.2.0.2", 0, 0)
	if err != nil || out.Rejected() {
		t.Fatalf("outcome=%+v err=%v, want accepted", out, err)
	}

	// The stale ip returning is a new connection and hits the cap.
	out, err = tr.RecordActivity("erin", "10.2.0.1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Rejected() {
		t.Error("returning stale ip should be checked against the limit")
	}
}

func TestRecordActivity_Disabled(t *testing.T) {
	tr := New(Options{Enabled: false, DefaultMaxConnections: 1, Clock: newFakeClock().Now})

	for i := 0; i < 4; i++ {
		out, err := tr.RecordActivity("frank", fmt.Sprintf("10.3.0.%d", i), 0, 0)
		if err != nil || out.Rejected() {
			t.Fatalf("disabled tracker rejected: %+v %v", out, err)
		}
	}
	if got := len(tr.Snapshot("frank")); got != 4 {
		t.Errorf("disabled tracker should still track, got %d records", got)
	}
}

func TestRecordActivity_InvalidIdentity(t *testing.T) {
	tr := newTestTracker(newFakeClock(), 5)

	tests := []struct{ user, ip string }{
		{"", "10.0.0.1"},
		{"gina", "not-an-ip"},
		{"gina", ""},
	}
	for _, tt := range tests {
		if _, err := tr.RecordActivity(tt.user, tt.ip, 0, 0); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("RecordActivity(%q, %q) error = %v, want ErrInvalidIdentity", tt.user, tt.ip, err)
		}
	}
}

func TestRecordActivity_MappedIPv4SharesRecord(t *testing.T) {
	tr := newTestTracker(newFakeClock(), 1)

	if _, err := tr.RecordActivity("hank", "192.0.2.7", 1, 0); err != nil {
		t.Fatal(err)
	}
	out, err := tr.RecordActivity("hank", "::ffff:192.0.2.7", 1, 0)
	if err != nil || out.Rejected() {
		t.Fatalf("mapped address should refresh the same record: %+v %v", out, err)
	}
	snap := tr.Snapshot("hank")
	if len(snap) != 1 || snap[0].BytesSent != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRecordActivity_AccumulatesBytes(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 5)

	_, _ = tr.RecordActivity("ivy", "10.4.0.1", 100, 50)
	clock.Advance(10 * time.Second)
	_, _ = tr.RecordActivity("ivy", "10.4.0.1", 20, 5)

	snap := tr.Snapshot("ivy")
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	r := snap[0]
	if r.BytesSent != 120 || r.BytesReceived != 55 {
		t.Errorf("bytes = %d/%d, want 120/55", r.BytesSent, r.BytesReceived)
	}
	if !r.LastSeenAt.Equal(clock.Now()) || r.EstablishedAt.Equal(r.LastSeenAt) {
		t.Errorf("timestamps not updated correctly: %+v", r)
	}
}

func TestSnapshot_Ordering(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 10)

	_, _ = tr.RecordActivity("jack", "10.5.0.9", 0, 0)
	_, _ = tr.RecordActivity("jack", "10.5.0.3", 0, 0)
	clock.Advance(time.Second)
	_, _ = tr.RecordActivity("jack", "10.5.0.1", 0, 0)

	snap := tr.Snapshot("jack")
	want := []string{"10.5.0.3", "10.5.0.9", "10.5.0.1"}
	for i, ip := range want {
		if snap[i].RemoteIP != ip {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].RemoteIP, ip)
		}
	}

	if tr.Snapshot("nobody") != nil {
		t.Error("unknown user should have a nil snapshot")
	}
}

func TestCheckAllowed(t *testing.T) {
	tr := newTestTracker(newFakeClock(), 1)
	_, _ = tr.RecordActivity("kate", "10.6.0.1", 0, 0)

	out, err := tr.CheckAllowed("kate", "10.6.0.1")
	if err != nil || out.Rejected() {
		t.Errorf("already connected ip should be allowed: %+v %v", out, err)
	}
	out, err = tr.CheckAllowed("kate", "10.6.0.2")
	if err != nil || !out.Rejected() {
		t.Errorf("new ip over limit should be rejected: %+v %v", out, err)
	}
	if len(tr.Snapshot("kate")) != 1 {
		t.Error("CheckAllowed must not change state")
	}
}

func TestRemoveAndForceDisconnect(t *testing.T) {
	tr := newTestTracker(newFakeClock(), 5)
	_, _ = tr.RecordActivity("leo", "10.7.0.1", 0, 0)
	_, _ = tr.RecordActivity("leo", "10.7.0.2", 0, 0)
	_, _ = tr.RecordActivity("leo", "10.7.0.3", 0, 0)

	if !tr.Remove("leo", "10.7.0.2") {
		t.Error("Remove of tracked ip should return true")
	}
	if tr.Remove("leo", "10.7.0.2") {
		t.Error("second Remove should return false")
	}
	if n := tr.ForceDisconnect("leo", "test"); n != 2 {
		t.Errorf("ForceDisconnect = %d, want 2", n)
	}
	if n := tr.ForceDisconnect("leo", "test"); n != 0 {
		t.Errorf("ForceDisconnect on empty user = %d, want 0", n)
	}
}

func TestConcurrentActivityAndSweep(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, 3)

	var wg sync.WaitGroup
	for u := 0; u < 16; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user%02d", u)
			for i := 0; i < 200; i++ {
				_, _ = tr.RecordActivity(user, fmt.Sprintf("10.8.%d.%d", u, i%6), 1, 1)
			}
		}(u)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tr.Sweep(clock.Now())
		}
	}()
	wg.Wait()

	for u := 0; u < 16; u++ {
		if got := len(tr.Snapshot(fmt.Sprintf("user%02d", u))); got > 3 {
			t.Errorf("user%02d has %d live records, limit 3", u, got)
		}
	}
}
