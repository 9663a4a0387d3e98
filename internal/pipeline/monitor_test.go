// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/marzguard/internal/detection"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/tracker"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticSettings tracker.UserSettings

func (s staticSettings) UserSettings(string) tracker.UserSettings {
	return tracker.UserSettings(s)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ViolationEvent
	err    error
}

func (r *recordingSink) Write(_ context.Context, ev models.ViolationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func newTestMonitor(maxConns int) (*Monitor, *tracker.Tracker) {
	settings := staticSettings{MaxConnections: maxConns, TorrentDetection: true, TrafficAnalysis: true}
	tr := tracker.New(tracker.Options{
		Enabled:               true,
		DefaultMaxConnections: maxConns,
		StalenessWindow:       5 * time.Minute,
		Settings:              settings,
		Clock:                 func() time.Time { return t0 },
	})
	cfg := detection.DefaultConfig()
	return NewMonitor(tr, detection.NewClassifier(cfg, settings)), tr
}

func torrentSample(user, ip string) models.TrafficSample {
	return models.TrafficSample{
		Username:  user,
		RemoteIP:  ip,
		BytesSent: 68,
		Payload:   append([]byte{19}, []byte("BitTorrent protocol")...),
		Timestamp: t0,
	}
}

func TestMonitor_TorrentReachesEverySink(t *testing.T) {
	m, _ := newTestMonitor(3)
	first, second := &recordingSink{}, &recordingSink{}
	m.AddSink("log", first)
	m.AddSink("ws", second)

	events, err := m.Observe(context.Background(), torrentSample("bob", "10.0.0.5"))
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(events) != 1 || events[0].Type != models.ViolationTorrent {
		t.Fatalf("events = %+v", events)
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Errorf("sink deliveries = %d/%d, want 1/1", len(first.events), len(second.events))
	}
	if st := m.Stats(); st.Observed != 1 || st.Violations != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestMonitor_ConnectionLimit(t *testing.T) {
	m, tr := newTestMonitor(1)
	sink := &recordingSink{}
	m.AddSink("log", sink)
	ctx := context.Background()

	if events, _ := m.Observe(ctx, models.TrafficSample{Username: "carol", RemoteIP: "10.0.0.1", Timestamp: t0}); len(events) != 0 {
		t.Fatalf("first connection produced %v", events)
	}
	events, err := m.Observe(ctx, models.TrafficSample{Username: "carol", RemoteIP: "10.0.0.2", Timestamp: t0})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != models.ViolationConnectionLimit {
		t.Fatalf("events = %+v, want CONNECTION_LIMIT", events)
	}
	if got := len(tr.Snapshot("carol")); got != 1 {
		t.Errorf("tracked records = %d, want 1", got)
	}
	if st := m.Stats(); st.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", st.Rejected)
	}
}

func TestMonitor_SinkFailureDoesNotStopOthers(t *testing.T) {
	m, _ := newTestMonitor(3)
	failing := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}
	m.AddSink("log", failing)
	m.AddSink("ws", healthy)

	events, err := m.Observe(context.Background(), torrentSample("bob", "10.0.0.5"))
	if err != nil || len(events) != 1 {
		t.Fatalf("Observe() = %v, %v", events, err)
	}
	if len(healthy.events) != 1 {
		t.Error("second sink skipped after first failed")
	}

	hc := m.HealthCheck(context.Background())
	if !hc.Healthy || !hc.Degraded || hc.Error != "disk full" {
		t.Errorf("HealthCheck() = %+v, want degraded", hc)
	}
}

func TestMonitor_MalformedSample(t *testing.T) {
	m, tr := newTestMonitor(3)
	tests := []models.TrafficSample{
		{Username: "", RemoteIP: "10.0.0.1"},
		{Username: "bob", RemoteIP: "not-an-ip"},
		{Username: "bob", RemoteIP: "10.0.0.1", BytesSent: -1},
	}
	for _, s := range tests {
		if _, err := m.Observe(context.Background(), s); !errors.Is(err, detection.ErrMalformedSample) {
			t.Errorf("Observe(%+v) error = %v, want ErrMalformedSample", s, err)
		}
	}
	if st := tr.Stats(); st.TotalActiveConnections != 0 {
		t.Errorf("malformed samples were tracked: %+v", st)
	}
}

func TestMonitor_EndRemovesRecord(t *testing.T) {
	m, tr := newTestMonitor(3)
	ctx := context.Background()

	_, _ = m.Observe(ctx, models.TrafficSample{Username: "dave", RemoteIP: "10.0.0.1", Timestamp: t0})
	_, _ = m.Observe(ctx, models.TrafficSample{Username: "dave", RemoteIP: "10.0.0.1", Event: models.SampleEventEnd})

	if got := len(tr.Snapshot("dave")); got != 0 {
		t.Errorf("records after end = %d, want 0", got)
	}
	if m.End("dave", "10.0.0.1") {
		t.Error("second End() reported a removal")
	}
	if st := m.Stats(); st.Ended != 2 || st.Observed != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestMonitor_ZeroTimestampUsesTrackerClock(t *testing.T) {
	m, tr := newTestMonitor(3)
	_, _ = m.Observe(context.Background(), models.TrafficSample{Username: "erin", RemoteIP: "10.0.0.9"})

	recs := tr.Snapshot("erin")
	if len(recs) != 1 || !recs[0].LastSeenAt.Equal(t0) {
		t.Errorf("records = %+v, want last seen %v", recs, t0)
	}
}
