// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

// Package pipeline wires the connection tracker, the violation classifier
// and the violation sinks into one per-sample path.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/marzguard/internal/detection"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/tracker"
	"github.com/tomtom215/marzguard/internal/violationlog"
)

// sinkErrorWindow is how long a sink failure keeps the monitor degraded.
const sinkErrorWindow = 5 * time.Minute

type namedSink struct {
	name string
	sink violationlog.Sink
}

// Stats counts samples seen by the monitor.
type Stats struct {
	Observed   int64 `json:"observed"`
	Rejected   int64 `json:"rejected"`
	Ended      int64 `json:"ended"`
	Violations int64 `json:"violations"`
	SinkErrors int64 `json:"sink_errors"`
}

// Monitor runs each sample through the tracker and the classifier and
// hands every resulting event to each sink in registration order.
type Monitor struct {
	tracker    *tracker.Tracker
	classifier *detection.Classifier
	sinks      []namedSink

	observed   atomic.Int64
	rejected   atomic.Int64
	ended      atomic.Int64
	violations atomic.Int64
	sinkErrors atomic.Int64

	mu          sync.Mutex
	lastSinkErr error
	lastSink    string
	lastErrAt   time.Time
}

// NewMonitor creates a monitor with no sinks.
func NewMonitor(t *tracker.Tracker, c *detection.Classifier) *Monitor {
	return &Monitor{tracker: t, classifier: c}
}

// AddSink registers a sink. Sinks must be added before samples flow.
func (m *Monitor) AddSink(name string, s violationlog.Sink) {
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
}

// Observe processes one sample and returns the events it produced. An
// end sample removes the record instead. The returned error reports a
// malformed sample; sink failures are never returned.
func (m *Monitor) Observe(ctx context.Context, sample models.TrafficSample) ([]models.ViolationEvent, error) {
	if sample.IsEnd() {
		m.End(sample.Username, sample.RemoteIP)
		return nil, nil
	}
	m.observed.Add(1)

	norm, err := detection.Normalize(sample, m.tracker.Now().UTC())
	if err != nil {
		// The classifier accounts for the malformed sample.
		m.classifier.Classify(ctx, sample, tracker.Outcome{})
		return nil, err
	}
	sample = norm

	outcome, err := m.tracker.RecordActivityAt(sample.Username, sample.RemoteIP,
		sample.BytesSent, sample.BytesReceived, sample.Timestamp)
	if err != nil {
		return nil, err
	}
	if outcome.Rejected() {
		m.rejected.Add(1)
	}

	events := m.classifier.Classify(ctx, sample, outcome)
	if len(events) == 0 {
		return nil, nil
	}
	m.violations.Add(int64(len(events)))

	for i := range events {
		m.dispatch(ctx, events[i])
	}
	return events, nil
}

func (m *Monitor) dispatch(ctx context.Context, ev models.ViolationEvent) {
	for _, s := range m.sinks {
		if err := s.sink.Write(ctx, ev); err != nil {
			m.sinkErrors.Add(1)
			m.mu.Lock()
			m.lastSinkErr = err
			m.lastSink = s.name
			m.lastErrAt = time.Now()
			m.mu.Unlock()

			logging.Warn().
				Err(err).
				Str("sink", s.name).
				Str("type", string(ev.Type)).
				Str("username", ev.Username).
				Msg("Violation sink write failed")
		}
	}
}

// End removes the (username, ip) record on an explicit session end.
func (m *Monitor) End(username, remoteIP string) bool {
	m.ended.Add(1)
	removed := m.tracker.Remove(username, remoteIP)
	if removed {
		metrics.RecordSample("ended")
	}
	return removed
}

// Stats returns the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Observed:   m.observed.Load(),
		Rejected:   m.rejected.Load(),
		Ended:      m.ended.Load(),
		Violations: m.violations.Load(),
		SinkErrors: m.sinkErrors.Load(),
	}
}

// HealthCheck implements health.Checkable. A sink failure within the last
// five minutes reports degraded.
func (m *Monitor) HealthCheck(_ context.Context) health.Component {
	st := m.Stats()
	c := health.Component{
		Healthy: true,
		Message: "ok",
		Details: map[string]interface{}{
			"observed":    st.Observed,
			"violations":  st.Violations,
			"sink_errors": st.SinkErrors,
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSinkErr != nil && time.Since(m.lastErrAt) < sinkErrorWindow {
		c.Degraded = true
		c.Message = "sink " + m.lastSink + " failing"
		c.Error = m.lastSinkErr.Error()
	}
	return c
}
