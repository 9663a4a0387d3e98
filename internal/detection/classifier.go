// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/tracker"
)

// Classifier runs the detectors over each sample in a fixed order:
// CONNECTION_LIMIT, TORRENT, SUSPICIOUS_BANDWIDTH, SUSPICIOUS_FREQUENCY.
// Rate-based state is keyed by username and driven by sample timestamps,
// so replaying the same samples yields the same events.
type Classifier struct {
	cfg       Config
	settings  tracker.SettingsProvider
	detectors []Detector

	connLimit *ConnectionLimitDetector
	torrent   *TorrentDetector
	bandwidth *BandwidthDetector
	frequency *FrequencyDetector

	processed  atomic.Int64
	malformed  atomic.Int64
	violations atomic.Int64
}

// Stats is a point-in-time view of classifier activity.
type Stats struct {
	SamplesProcessed int64 `json:"samples_processed"`
	SamplesMalformed int64 `json:"samples_malformed"`
	Violations       int64 `json:"violations"`
	TrackedUsers     int   `json:"tracked_users"`
}

// NewClassifier creates a classifier. settings supplies per-user switches;
// when nil every user gets the global switches from cfg.
func NewClassifier(cfg Config, settings tracker.SettingsProvider) *Classifier {
	if settings == nil {
		settings = tracker.NewDefaultSettings(tracker.UserSettings{
			TorrentDetection: cfg.TorrentEnabled,
			TrafficAnalysis:  cfg.TrafficAnalysisEnabled,
		})
	}
	c := &Classifier{
		cfg:       cfg,
		settings:  settings,
		connLimit: NewConnectionLimitDetector(cfg.ConnectionLimitEnabled),
		torrent:   NewTorrentDetector(cfg.TorrentEnabled),
		bandwidth: NewBandwidthDetector(cfg),
		frequency: NewFrequencyDetector(cfg),
	}
	c.detectors = []Detector{c.connLimit, c.torrent, c.bandwidth, c.frequency}

	for _, d := range c.detectors {
		logging.Debug().
			Str("detector", string(d.Type())).
			Bool("enabled", d.Enabled()).
			Msg("registered detector")
	}
	return c
}

// Config returns the configuration snapshot.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Scanner exposes the torrent signature scanner.
func (c *Classifier) Scanner() *TorrentScanner {
	return c.torrent.scanner
}

// Classify evaluates one sample together with the tracker outcome for it.
// Malformed samples are dropped and yield no events. Events come back in
// detector order.
func (c *Classifier) Classify(ctx context.Context, sample models.TrafficSample, outcome tracker.Outcome) []models.ViolationEvent {
	start := time.Now()
	defer func() {
		metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	}()

	s, err := Normalize(sample, time.Now().UTC())
	if err != nil {
		c.malformed.Add(1)
		metrics.RecordSample("malformed")
		logging.Debug().
			Err(err).
			Str("username", logging.SanitizeValue(sample.Username)).
			Msg("dropping malformed sample")
		return nil
	}
	c.processed.Add(1)
	metrics.RecordSample("classified")

	// Per-user switches are resolved once so every detector sees the same view
	in := &Input{
		Sample:   s,
		Outcome:  outcome,
		Settings: c.settings.UserSettings(s.Username),
	}

	var events []models.ViolationEvent
	for _, d := range c.detectors {
		if !d.Enabled() {
			continue
		}
		ev, err := d.Check(ctx, in)
		// A failing detector must not hide events from the others
		if err != nil {
			logging.Warn().
				Err(err).
				Str("detector", string(d.Type())).
				Str("username", s.Username).
				Msg("detector failed")
			continue
		}
		if ev == nil {
			continue
		}
		events = append(events, *ev)
		metrics.RecordViolation(string(ev.Type))
	}
	c.violations.Add(int64(len(events)))
	return events
}

// Prune drops rate state for users idle longer than the widest window.
// Cooldown counts too: dropping a user mid-cooldown would let the next
// sample fire again early.
func (c *Classifier) Prune(now time.Time) int {
	horizon := c.cfg.BandwidthWindow
	if c.cfg.FrequencyWindow > horizon {
		horizon = c.cfg.FrequencyWindow
	}
	if cd := c.cfg.Cooldown; cd > horizon {
		horizon = cd
	}
	cutoff := now.Add(-horizon)
	return c.bandwidth.prune(cutoff) + c.frequency.prune(cutoff)
}

// Stats returns counters for the status endpoint.
func (c *Classifier) Stats() Stats {
	users := c.bandwidth.states.len()
	if n := c.frequency.states.len(); n > users {
		users = n
	}
	return Stats{
		SamplesProcessed: c.processed.Load(),
		SamplesMalformed: c.malformed.Load(),
		Violations:       c.violations.Load(),
		TrackedUsers:     users,
	}
}
