// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists config file locations in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/marzguard/config.yaml",
	"/etc/marzguard/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8787,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracker: TrackerConfig{
			Enabled:                 true,
			DefaultMaxConnections:   5,
			TrackingIntervalSeconds: 30,
			StalenessWindowSeconds:  300,
		},
		Detection: DetectionConfig{
			TorrentEnabled:          true,
			TrafficAnalysisEnabled:  true,
			BandwidthWindowSeconds:  300,
			BandwidthThresholdBytes: 100 * 1024 * 1024,
			FrequencyWindowSeconds:  60,
			FrequencyThreshold:      50,
		},
		Fail2ban: Fail2banConfig{
			Enabled:               true,
			LogPath:               "/var/log/marzban/fail2ban.log",
			MaxViolations:         3,
			FindTimeSeconds:       3600,
			BanTimeSeconds:        3600,
			TorrentBanTimeSeconds: 7200,
			DegradedAfter:         3,
		},
		Enforcement: EnforcementConfig{
			Workers:                2,
			QueueSize:              256,
			AttemptTimeout:         10 * time.Second,
			MaxRetries:             5,
			InitialBackoff:         500 * time.Millisecond,
			MaxBackoff:             30 * time.Second,
			DefaultDurationSeconds: 3600,
			AllowIndefinite:        false,
			DisableUsers:           true,
			BlockIPs:               true,
		},
		Marzban: MarzbanConfig{
			URL:                "http://127.0.0.1:8000",
			Timeout:            10 * time.Second,
			RequestsPerSecond:  10,
			Burst:              20,
			TokenRefreshMargin: time.Minute,
		},
		NATS: NATSConfig{
			Enabled:      false,
			URL:          "nats://127.0.0.1:4222",
			Subject:      "marzguard.samples",
			QueueGroup:   "marzguard",
			Embedded:     false,
			EmbeddedHost: "127.0.0.1",
			EmbeddedPort: 4222,
			Workers:      4,
			BufferSize:   4096,
		},
		Audit: AuditConfig{
			Path:       "",
			BufferSize: 256,
			Retention:  30 * 24 * time.Hour,
		},
		Blocklist: BlocklistConfig{
			Path:      "/var/lib/marzguard/blocklist",
			NFTFamily: "inet",
			NFTTable:  "marzguard",
			NFTSet:    "blocklist",
		},
	}
}

// Default returns the built-in configuration without reading any source.
// Tests use it to build deterministic snapshots.
func Default() *Config {
	return defaultConfig()
}

// Load reads configuration from defaults, the optional YAML file, and the
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps lowercased environment variable names to koanf paths.
// Unlisted variables are ignored so unrelated environment never leaks into
// the config tree.
var envMappings = map[string]string{
	// Panel-compatible keys
	"default_max_connections":      "tracker.default_max_connections",
	"connection_tracking_interval": "tracker.tracking_interval",
	"connection_limit_enabled":     "tracker.enabled",
	"connection_staleness_window":  "tracker.staleness_window",
	"torrent_detection_enabled":    "detection.torrent_enabled",
	"traffic_analysis_enabled":     "detection.traffic_analysis_enabled",
	"fail2ban_enabled":             "fail2ban.enabled",
	"fail2ban_log_path":            "fail2ban.log_path",
	"fail2ban_max_violations":      "fail2ban.max_violations",
	"fail2ban_findtime":            "fail2ban.findtime",
	"fail2ban_bantime":             "fail2ban.bantime",
	"fail2ban_torrent_bantime":     "fail2ban.torrent_bantime",

	// Classifier thresholds
	"bandwidth_window":          "detection.bandwidth_window",
	"bandwidth_threshold_bytes": "detection.bandwidth_threshold_bytes",
	"frequency_window":          "detection.frequency_window",
	"frequency_threshold":       "detection.frequency_threshold",
	"detection_cooldown":        "detection.cooldown",

	// Server
	"server_host":         "server.host",
	"server_port":         "server.port",
	"http_port":           "server.port",
	"api_token":           "server.api_token",
	"api_insecure":        "server.insecure",
	"cors_origins":        "server.cors_origins",
	"rate_limit_reqs":     "server.rate_limit_reqs",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",
	"shutdown_timeout":    "server.shutdown_timeout",
	"server_read_timeout": "server.read_timeout",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Enforcement
	"enforcement_workers":          "enforcement.workers",
	"enforcement_queue_size":       "enforcement.queue_size",
	"enforcement_attempt_timeout":  "enforcement.attempt_timeout",
	"enforcement_max_retries":      "enforcement.max_retries",
	"enforcement_default_duration": "enforcement.default_duration",
	"enforcement_disable_users":    "enforcement.disable_users",
	"enforcement_block_ips":        "enforcement.block_ips",

	// Marzban host API
	"marzban_url":      "marzban.url",
	"marzban_username": "marzban.username",
	"marzban_password": "marzban.password",
	"marzban_timeout":  "marzban.timeout",

	// NATS ingest
	"nats_enabled":     "nats.enabled",
	"nats_url":         "nats.url",
	"nats_subject":     "nats.subject",
	"nats_queue_group": "nats.queue_group",
	"nats_embedded":    "nats.embedded",
	"nats_workers":     "nats.workers",

	// Persistence
	"audit_path":          "audit.path",
	"blocklist_path":      "blocklist.path",
	"blocklist_in_memory": "blocklist.in_memory",
	"nft_enabled":         "blocklist.nft_enabled",
	"nft_table":           "blocklist.nft_table",
	"nft_set":             "blocklist.nft_set",
}

// envTransformFunc maps an environment variable name to its koanf path or
// returns "" to skip it.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
