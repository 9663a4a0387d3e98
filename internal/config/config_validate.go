// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tomtom215/marzguard/internal/logging"
)

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTracker(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateFail2ban(); err != nil {
		return err
	}
	if err := c.validateEnforcement(); err != nil {
		return err
	}
	if err := c.validateMarzban(); err != nil {
		return err
	}
	return c.validateNATS()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535")
	}
	if !c.Server.RateLimitDisabled && c.Server.RateLimitReqs < 1 {
		return fmt.Errorf("RATE_LIMIT_REQS must be at least 1 when rate limiting is enabled")
	}
	if c.Server.APIToken == "" && !c.Server.Insecure {
		return fmt.Errorf("API_TOKEN is required; set API_INSECURE=true to serve the API without authentication")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
}

func (c *Config) validateTracker() error {
	if c.Tracker.DefaultMaxConnections < 1 {
		return fmt.Errorf("DEFAULT_MAX_CONNECTIONS must be at least 1")
	}
	if c.Tracker.TrackingIntervalSeconds < 1 {
		return fmt.Errorf("CONNECTION_TRACKING_INTERVAL must be at least 1 second")
	}
	if c.Tracker.StalenessWindowSeconds < c.Tracker.TrackingIntervalSeconds {
		return fmt.Errorf("CONNECTION_STALENESS_WINDOW (%ds) must not be shorter than CONNECTION_TRACKING_INTERVAL (%ds)",
			c.Tracker.StalenessWindowSeconds, c.Tracker.TrackingIntervalSeconds)
	}
	return nil
}

func (c *Config) validateDetection() error {
	d := c.Detection
	if d.BandwidthWindowSeconds < 1 {
		return fmt.Errorf("BANDWIDTH_WINDOW must be at least 1 second")
	}
	if d.BandwidthThresholdBytes < 1 {
		return fmt.Errorf("BANDWIDTH_THRESHOLD_BYTES must be positive")
	}
	if d.FrequencyWindowSeconds < 1 {
		return fmt.Errorf("FREQUENCY_WINDOW must be at least 1 second")
	}
	if d.FrequencyThreshold < 1 {
		return fmt.Errorf("FREQUENCY_THRESHOLD must be at least 1")
	}
	if d.CooldownSeconds < 0 {
		return fmt.Errorf("DETECTION_COOLDOWN must not be negative")
	}
	return nil
}

func (c *Config) validateFail2ban() error {
	f := c.Fail2ban
	if f.Enabled && f.LogPath == "" {
		return fmt.Errorf("FAIL2BAN_LOG_PATH is required when fail2ban integration is enabled")
	}
	if f.MaxViolations < 1 {
		return fmt.Errorf("FAIL2BAN_MAX_VIOLATIONS must be at least 1")
	}
	if f.FindTimeSeconds < 1 || f.BanTimeSeconds < 1 || f.TorrentBanTimeSeconds < 1 {
		return fmt.Errorf("fail2ban findtime/bantime values must be positive")
	}
	if f.DegradedAfter < 1 {
		return fmt.Errorf("fail2ban.degraded_after must be at least 1")
	}
	return nil
}

func (c *Config) validateEnforcement() error {
	e := c.Enforcement
	if e.Workers < 1 {
		return fmt.Errorf("ENFORCEMENT_WORKERS must be at least 1")
	}
	if e.QueueSize < 1 {
		return fmt.Errorf("ENFORCEMENT_QUEUE_SIZE must be at least 1")
	}
	if e.AttemptTimeout <= 0 {
		return fmt.Errorf("ENFORCEMENT_ATTEMPT_TIMEOUT must be positive")
	}
	if e.MaxRetries < 0 || e.MaxRetries > 20 {
		return fmt.Errorf("ENFORCEMENT_MAX_RETRIES must be between 0 and 20")
	}
	if e.InitialBackoff <= 0 || e.MaxBackoff < e.InitialBackoff {
		return fmt.Errorf("enforcement backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if e.DefaultDurationSeconds < 1 {
		return fmt.Errorf("ENFORCEMENT_DEFAULT_DURATION must be at least 1 second")
	}
	if !e.DisableUsers && !e.BlockIPs {
		return fmt.Errorf("at least one of ENFORCEMENT_DISABLE_USERS and ENFORCEMENT_BLOCK_IPS must be enabled")
	}
	return nil
}

func (c *Config) validateMarzban() error {
	if !c.Enforcement.DisableUsers {
		return nil
	}
	if c.Marzban.URL == "" {
		return fmt.Errorf("MARZBAN_URL is required when user suspension is enabled")
	}
	u, err := url.Parse(c.Marzban.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("MARZBAN_URL must be an absolute http(s) URL, got %q", c.Marzban.URL)
	}
	if c.Marzban.Timeout <= 0 {
		return fmt.Errorf("MARZBAN_TIMEOUT must be positive")
	}
	if c.Marzban.RequestsPerSecond <= 0 || c.Marzban.Burst < 1 {
		return fmt.Errorf("marzban rate limit must have positive requests_per_second and burst")
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if c.NATS.Subject == "" {
		return fmt.Errorf("NATS_SUBJECT is required when NATS ingest is enabled")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required when the embedded server is disabled")
	}
	if c.NATS.Workers < 1 || c.NATS.BufferSize < 1 {
		return fmt.Errorf("NATS_WORKERS and nats.buffer_size must be at least 1")
	}
	return nil
}
