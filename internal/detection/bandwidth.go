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

// BandwidthDetector flags users whose combined throughput over the rolling
// window exceeds the configured rate.
//
// The threshold is expressed as bytes per window, so the effective rate is
// BandwidthThresholdBytes / BandwidthWindow. Sent and received bytes count
// together. Once fired, the detector stays quiet for the user until the
// cooldown has passed in sample time, even if the rate stays high.
type BandwidthDetector struct {
	enabled   bool
	window    time.Duration
	threshold int64
	cooldown  time.Duration
	states    *userStates[bandwidthState]
}

type bandwidthState struct {
	sum       *slidingSum
	lastFired time.Time
	fired     bool
}

// NewBandwidthDetector creates the detector from the classifier config.
func NewBandwidthDetector(cfg Config) *BandwidthDetector {
	window := cfg.BandwidthWindow
	return &BandwidthDetector{
		enabled:   cfg.TrafficAnalysisEnabled,
		window:    window,
		threshold: cfg.BandwidthThresholdBytes,
		cooldown:  cfg.cooldownFor(window),
		states: newUserStates(func() *bandwidthState {
			return &bandwidthState{sum: newSlidingSum(window)}
		}),
	}
}

// Type returns the violation type.
func (d *BandwidthDetector) Type() models.ViolationType {
	return models.ViolationSuspiciousBandwidth
}

// Enabled reports TRAFFIC_ANALYSIS_ENABLED.
func (d *BandwidthDetector) Enabled() bool {
	return d.enabled
}

// ThresholdBytesPerSecond is the configured rate limit.
func (d *BandwidthDetector) ThresholdBytesPerSecond() float64 {
	return float64(d.threshold) / d.window.Seconds()
}

// Check adds the sample to the user's window and compares the rate.
func (d *BandwidthDetector) Check(_ context.Context, in *Input) (*models.ViolationEvent, error) {
	if !in.Settings.TrafficAnalysis {
		return nil, nil
	}

	s := in.Sample
	var (
		total int64
		fire  bool
	)
	d.states.with(s.Username, s.Timestamp, func(st *bandwidthState) {
		st.sum.Add(s.Timestamp, s.TotalBytes())
		total = st.sum.Sum(s.Timestamp)

		// Equal to the threshold is still allowed
		if total <= d.threshold {
			return
		}
		// Still cooling down from the previous event
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

	ev := models.NewViolationEvent(s.Timestamp, models.ViolationSuspiciousBandwidth,
		s.Username, s.RemoteIP, models.ActionDetected,
		map[string]interface{}{
			"bytes":                      total,
			"window_seconds":             int64(d.window / time.Second),
			"bytes_per_second":           int64(float64(total) / d.window.Seconds()),
			"threshold_bytes_per_second": int64(d.ThresholdBytesPerSecond()),
		})
	return &ev, nil
}

func (d *BandwidthDetector) prune(cutoff time.Time) int {
	return d.states.prune(cutoff)
}
