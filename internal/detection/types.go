// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/tracker"
)

// ErrMalformedSample marks a sample that cannot be classified.
var ErrMalformedSample = errors.New("malformed traffic sample")

// Config is the immutable classifier configuration snapshot.
type Config struct {
	ConnectionLimitEnabled bool
	TorrentEnabled         bool
	TrafficAnalysisEnabled bool

	BandwidthWindow         time.Duration
	BandwidthThresholdBytes int64

	FrequencyWindow    time.Duration
	FrequencyThreshold int

	// Cooldown suppresses repeat rate-based events per user. Zero means one
	// window of the detector in question.
	Cooldown time.Duration
}

// DefaultConfig mirrors the built-in configuration defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionLimitEnabled:  true,
		TorrentEnabled:          true,
		TrafficAnalysisEnabled:  true,
		BandwidthWindow:         5 * time.Minute,
		BandwidthThresholdBytes: 100 * 1024 * 1024,
		FrequencyWindow:         time.Minute,
		FrequencyThreshold:      50,
	}
}

// ConfigFrom builds a snapshot from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	d := cfg.Detection
	return Config{
		ConnectionLimitEnabled:  cfg.Tracker.Enabled,
		TorrentEnabled:          d.TorrentEnabled,
		TrafficAnalysisEnabled:  d.TrafficAnalysisEnabled,
		BandwidthWindow:         time.Duration(d.BandwidthWindowSeconds) * time.Second,
		BandwidthThresholdBytes: d.BandwidthThresholdBytes,
		FrequencyWindow:         time.Duration(d.FrequencyWindowSeconds) * time.Second,
		FrequencyThreshold:      d.FrequencyThreshold,
		Cooldown:                time.Duration(d.CooldownSeconds) * time.Second,
	}
}

func (c Config) cooldownFor(window time.Duration) time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return window
}

// Input is what a detector sees for one sample.
type Input struct {
	Sample   models.TrafficSample
	Outcome  tracker.Outcome
	Settings tracker.UserSettings
}

// Detector is implemented by every rule.
type Detector interface {
	// Type returns the violation type this detector emits.
	Type() models.ViolationType

	// Enabled reports the global switch for this rule.
	Enabled() bool

	// Check evaluates one sample. It returns nil when nothing was detected.
	Check(ctx context.Context, in *Input) (*models.ViolationEvent, error)
}

// Normalize validates a sample and canonicalizes its address. A zero
// timestamp is replaced by now.
func Normalize(s models.TrafficSample, now time.Time) (models.TrafficSample, error) {
	if s.Username == "" {
		return s, fmt.Errorf("%w: empty username", ErrMalformedSample)
	}
	addr, err := netip.ParseAddr(s.RemoteIP)
	if err != nil {
		return s, fmt.Errorf("%w: remote ip %q: %v", ErrMalformedSample, s.RemoteIP, err)
	}
	if s.BytesSent < 0 || s.BytesReceived < 0 {
		return s, fmt.Errorf("%w: negative byte count", ErrMalformedSample)
	}
	s.RemoteIP = addr.Unmap().String()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	s.Timestamp = s.Timestamp.UTC()
	return s, nil
}
