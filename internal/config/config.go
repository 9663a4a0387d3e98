// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package config

import "time"

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig            `koanf:"server"`
	Logging     LoggingConfig           `koanf:"logging"`
	Tracker     TrackerConfig           `koanf:"tracker"`
	Detection   DetectionConfig         `koanf:"detection"`
	Fail2ban    Fail2banConfig          `koanf:"fail2ban"`
	Enforcement EnforcementConfig       `koanf:"enforcement"`
	Marzban     MarzbanConfig           `koanf:"marzban"`
	NATS        NATSConfig              `koanf:"nats"`
	Audit       AuditConfig             `koanf:"audit"`
	Blocklist   BlocklistConfig         `koanf:"blocklist"`
	Users       map[string]UserOverride `koanf:"users"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// APIToken is the bearer token every /api/v1 route except health
	// requires. It may only be empty when Insecure is set.
	APIToken string `koanf:"api_token"`

	// Insecure serves the API without authentication when APIToken is
	// empty. Only for a listener reachable from localhost.
	Insecure bool `koanf:"insecure"`

	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// TrackerConfig configures the connection tracker.
type TrackerConfig struct {
	// Enabled maps to CONNECTION_LIMIT_ENABLED. When false samples are still
	// tracked but never rejected.
	Enabled bool `koanf:"enabled"`

	DefaultMaxConnections int `koanf:"default_max_connections"`

	// TrackingIntervalSeconds is the sweep period in seconds.
	TrackingIntervalSeconds int `koanf:"tracking_interval"`

	// StalenessWindowSeconds is how long an idle record still counts
	// against the limit.
	StalenessWindowSeconds int `koanf:"staleness_window"`
}

// TrackingInterval returns the sweep period.
func (t TrackerConfig) TrackingInterval() time.Duration {
	return time.Duration(t.TrackingIntervalSeconds) * time.Second
}

// StalenessWindow returns the idle window.
func (t TrackerConfig) StalenessWindow() time.Duration {
	return time.Duration(t.StalenessWindowSeconds) * time.Second
}

// DetectionConfig configures the violation classifier.
type DetectionConfig struct {
	TorrentEnabled         bool `koanf:"torrent_enabled"`
	TrafficAnalysisEnabled bool `koanf:"traffic_analysis_enabled"`

	// BandwidthWindowSeconds and BandwidthThresholdBytes define the
	// SUSPICIOUS_BANDWIDTH rate: threshold bytes over the window.
	BandwidthWindowSeconds  int   `koanf:"bandwidth_window"`
	BandwidthThresholdBytes int64 `koanf:"bandwidth_threshold_bytes"`

	// FrequencyWindowSeconds and FrequencyThreshold define how many new
	// distinct addresses a user may open within the window.
	FrequencyWindowSeconds int `koanf:"frequency_window"`
	FrequencyThreshold     int `koanf:"frequency_threshold"`

	// CooldownSeconds suppresses repeat rate-based events for a user.
	// Zero means one window.
	CooldownSeconds int `koanf:"cooldown"`
}

// Fail2banConfig configures the violation log and the rendered jail.
type Fail2banConfig struct {
	Enabled       bool   `koanf:"enabled"`
	LogPath       string `koanf:"log_path"`
	MaxViolations int    `koanf:"max_violations"`

	FindTimeSeconds       int `koanf:"findtime"`
	BanTimeSeconds        int `koanf:"bantime"`
	TorrentBanTimeSeconds int `koanf:"torrent_bantime"`

	// DegradedAfter is the number of consecutive write failures before the
	// writer reports itself degraded.
	DegradedAfter int `koanf:"degraded_after"`
}

// EnforcementConfig configures the ban bridge dispatcher.
type EnforcementConfig struct {
	Workers        int           `koanf:"workers"`
	QueueSize      int           `koanf:"queue_size"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	DefaultDurationSeconds int  `koanf:"default_duration"`
	AllowIndefinite        bool `koanf:"allow_indefinite"`

	DisableUsers bool `koanf:"disable_users"`
	BlockIPs     bool `koanf:"block_ips"`
}

// MarzbanConfig configures the host panel API client.
type MarzbanConfig struct {
	URL      string        `koanf:"url"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	Timeout  time.Duration `koanf:"timeout"`

	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`

	// TokenRefreshMargin refreshes the admin token this long before expiry.
	TokenRefreshMargin time.Duration `koanf:"token_refresh_margin"`
}

// NATSConfig configures sample ingest.
type NATSConfig struct {
	Enabled      bool   `koanf:"enabled"`
	URL          string `koanf:"url"`
	Subject      string `koanf:"subject"`
	QueueGroup   string `koanf:"queue_group"`
	Embedded     bool   `koanf:"embedded"`
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`
	Workers      int    `koanf:"workers"`
	BufferSize   int    `koanf:"buffer_size"`
}

// AuditConfig configures the ban audit trail. An empty Path keeps events
// in memory only.
type AuditConfig struct {
	Path       string        `koanf:"path"`
	BufferSize int           `koanf:"buffer_size"`
	Retention  time.Duration `koanf:"retention"`
}

// BlocklistConfig configures the IP block store.
type BlocklistConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`

	// NFTEnabled mirrors blocks into an nftables set.
	NFTEnabled bool   `koanf:"nft_enabled"`
	NFTFamily  string `koanf:"nft_family"`
	NFTTable   string `koanf:"nft_table"`
	NFTSet     string `koanf:"nft_set"`
}

// UserOverride is the raw per-user override as read from YAML. Pointer
// fields distinguish "unset" from an explicit false/zero.
type UserOverride struct {
	MaxConnections   *int  `koanf:"max_connections"`
	TorrentDetection *bool `koanf:"torrent_detection"`
	TrafficAnalysis  *bool `koanf:"traffic_analysis"`
}
