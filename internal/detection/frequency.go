// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"context"
	"time"

	"github.com/tomtom215/marzguard/internal/models"
)

// FrequencyDetector flags users opening too many new distinct remote ips
// within the rolling window. An ip counts as new when the user has not sent
// traffic from it within the window.
type FrequencyDetector struct {
	enabled   bool
	window    time.Duration
	threshold int
	cooldown  time.Duration
	states    *userStates[frequencyState]
}

type arrival struct {
	ip string
	at time.Time
}

// frequencyState is one user's history. arrivals is ordered by time as
// long as samples arrive in order; expire relies on that and only trims
// the front.
type frequencyState struct {
	lastSeen  map[string]time.Time
	arrivals  []arrival
	lastFired time.Time
	fired     bool
}

// NewFrequencyDetector creates the detector from the classifier config.
func NewFrequencyDetector(cfg Config) *FrequencyDetector {
	return &FrequencyDetector{
		enabled:   cfg.TrafficAnalysisEnabled,
		window:    cfg.FrequencyWindow,
		threshold: cfg.FrequencyThreshold,
		cooldown:  cfg.cooldownFor(cfg.FrequencyWindow),
		states: newUserStates(func() *frequencyState {
			return &frequencyState{lastSeen: make(map[string]time.Time)}
		}),
	}
}

// Type returns the violation type.
func (d *FrequencyDetector) Type() models.ViolationType {
	return models.ViolationSuspiciousFrequency
}

// Enabled reports TRAFFIC_ANALYSIS_ENABLED.
func (d *FrequencyDetector) Enabled() bool {
	return d.enabled
}

// Check records the ip arrival and compares the count to the threshold.
func (d *FrequencyDetector) Check(_ context.Context, in *Input) (*models.ViolationEvent, error) {
	if !in.Settings.TrafficAnalysis {
		return nil, nil
	}

	s := in.Sample
	cutoff := s.Timestamp.Add(-d.window)
	var (
		count int
		fire  bool
	)
	d.states.with(s.Username, s.Timestamp, func(st *frequencyState) {
		st.expire(cutoff)

		// Count the ip as a new arrival only if it went quiet for a full window
		if last, ok := st.lastSeen[s.RemoteIP]; !ok || last.Before(cutoff) {
			st.arrivals = append(st.arrivals, arrival{ip: s.RemoteIP, at: s.Timestamp})
		}
		// Out-of-order samples must not move lastSeen backwards
		if last := st.lastSeen[s.RemoteIP]; s.Timestamp.After(last) {
			st.lastSeen[s.RemoteIP] = s.Timestamp
		}

		count = len(st.arrivals)
		if count <= d.threshold {
			return
		}
		if st.fired && s.Timestamp.Sub(st.lastFired) < d.cooldown {
			return
		}
		st.fired = true
		st.lastFired = s.Timestamp
		fire = true
	})
	if !fire {
		return nil, nil
	}

	ev := models.NewViolationEvent(s.Timestamp, models.ViolationSuspiciousFrequency,
		s.Username, s.RemoteIP, models.ActionDetected,
		map[string]interface{}{
			"new_connections": count,
			"window_seconds":  int64(d.window / time.Second),
			"threshold":       d.threshold,
		})
	return &ev, nil
}

// expire drops arrivals and last-seen entries older than cutoff.
func (st *frequencyState) expire(cutoff time.Time) {
	i := 0
	for i < len(st.arrivals) && st.arrivals[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.arrivals = append(st.arrivals[:0], st.arrivals[i:]...)
	}
	for ip, last := range st.lastSeen {
		if last.Before(cutoff) {
			delete(st.lastSeen, ip)
		}
	}
}

func (d *FrequencyDetector) prune(cutoff time.Time) int {
	return d.states.prune(cutoff)
}
