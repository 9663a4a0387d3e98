// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package tracker

import (
	"fmt"
	"sync"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/validation"
)

// UserSettings is the effective per-user policy after defaults are applied.
type UserSettings struct {
	MaxConnections   int  `json:"max_connections" validate:"min=1,max=1000"`
	TorrentDetection bool `json:"torrent_detection"`
	TrafficAnalysis  bool `json:"traffic_analysis"`
}

// SettingsProvider resolves a username to its effective settings.
type SettingsProvider interface {
	UserSettings(username string) UserSettings
}

// StaticSettings serves per-user overrides loaded from configuration,
// falling back to global defaults for unset fields and unknown users.
type StaticSettings struct {
	mu        sync.RWMutex
	defaults  UserSettings
	overrides map[string]config.UserOverride
}

// NewStaticSettings builds a provider from the loaded configuration.
// Overrides that fail validation are dropped with a warning so one bad
// entry never disables enforcement for everybody else.
func NewStaticSettings(cfg *config.Config) *StaticSettings {
	s := NewDefaultSettings(UserSettings{
		MaxConnections:   cfg.Tracker.DefaultMaxConnections,
		TorrentDetection: cfg.Detection.TorrentEnabled,
		TrafficAnalysis:  cfg.Detection.TrafficAnalysisEnabled,
	})
	for username, o := range cfg.Users {
		if err := s.SetOverride(username, o); err != nil {
			logging.Warn().Err(err).Str("username", username).Msg("Ignoring invalid user override")
		}
	}
	return s
}

// NewDefaultSettings returns a provider that serves defaults to every
// user until overrides are added.
func NewDefaultSettings(defaults UserSettings) *StaticSettings {
	if defaults.MaxConnections < 1 {
		defaults.MaxConnections = DefaultMaxConnections
	}
	return &StaticSettings{
		defaults:  defaults,
		overrides: make(map[string]config.UserOverride),
	}
}

// Defaults returns the global fallback settings.
func (s *StaticSettings) Defaults() UserSettings {
	return s.defaults
}

// SetOverride validates and stores a per-user override.
func (s *StaticSettings) SetOverride(username string, o config.UserOverride) error {
	if !validation.ValidUsername(username) {
		return fmt.Errorf("invalid username %q", username)
	}
	resolved := resolve(s.defaults, o)
	if verr := validation.ValidateStruct(&resolved); verr != nil {
		return fmt.Errorf("user %s: %w", username, verr)
	}

	s.mu.Lock()
	s.overrides[username] = o
	s.mu.Unlock()
	return nil
}

// UserSettings implements SettingsProvider.
func (s *StaticSettings) UserSettings(username string) UserSettings {
	s.mu.RLock()
	o, ok := s.overrides[username]
	s.mu.RUnlock()
	if !ok {
		return s.defaults
	}
	return resolve(s.defaults, o)
}

func resolve(defaults UserSettings, o config.UserOverride) UserSettings {
	out := defaults
	// Zero follows the panel convention of "use the default".
	if o.MaxConnections != nil && *o.MaxConnections != 0 {
		out.MaxConnections = *o.MaxConnections
	}
	if o.TorrentDetection != nil {
		out.TorrentDetection = *o.TorrentDetection
	}
	if o.TrafficAnalysis != nil {
		out.TrafficAnalysis = *o.TrafficAnalysis
	}
	return out
}
