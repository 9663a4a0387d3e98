// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package violationlog

import (
	"fmt"
	"strings"

	"github.com/tomtom215/marzguard/internal/config"
)

// Jail and filter names.
const (
	JailViolations = "marzban-violations"
	JailTorrent    = "marzban-torrent"
)

// fail2ban failregex values. <HOST> is substituted by fail2ban.
const (
	FailRegexAll        = `^\[.*\] MARZBAN_VIOLATION: TYPE=.* IP=<HOST> USER=.* ACTION=.*$`
	FailRegexTorrent    = `^\[.*\] MARZBAN_VIOLATION: TYPE=TORRENT IP=<HOST> USER=.* ACTION=detected.*$`
	FailRegexViolations = `^\[.*\] MARZBAN_VIOLATION: TYPE=(?:SUSPICIOUS_.*|CONNECTION_LIMIT) IP=<HOST> USER=.* ACTION=.*$`
	IgnoreRegexTest     = `^\[.*\] MARZBAN_VIOLATION: TYPE=TEST IP=\S+ USER=test_user ACTION=initialized.*$`
)

const banAction = `marzban-ban[name=%(__name__)s, port="%(port)s", protocol="%(protocol)s"]`

// JailSettings are the values rendered into jail.local.
type JailSettings struct {
	LogPath               string
	MaxViolations         int
	FindTimeSeconds       int
	BanTimeSeconds        int
	TorrentBanTimeSeconds int
}

// JailSettingsFromConfig maps the fail2ban section, filling zero values
// with the stock jail timings.
func JailSettingsFromConfig(cfg config.Fail2banConfig) JailSettings {
	s := JailSettings{
		LogPath:               cfg.LogPath,
		MaxViolations:         cfg.MaxViolations,
		FindTimeSeconds:       cfg.FindTimeSeconds,
		BanTimeSeconds:        cfg.BanTimeSeconds,
		TorrentBanTimeSeconds: cfg.TorrentBanTimeSeconds,
	}
	if s.MaxViolations <= 0 {
		s.MaxViolations = 3
	}
	if s.FindTimeSeconds <= 0 {
		s.FindTimeSeconds = 3600
	}
	if s.BanTimeSeconds <= 0 {
		s.BanTimeSeconds = 3600
	}
	if s.TorrentBanTimeSeconds <= 0 {
		s.TorrentBanTimeSeconds = 7200
	}
	return s
}

// JailConfig renders both jails.
func JailConfig(s JailSettings) string {
	var b strings.Builder
	writeJail(&b, JailViolations, s.LogPath, s.MaxViolations, s.FindTimeSeconds, s.BanTimeSeconds)
	b.WriteByte('\n')
	writeJail(&b, JailTorrent, s.LogPath, 1, s.FindTimeSeconds, s.TorrentBanTimeSeconds)
	return b.String()
}

func writeJail(b *strings.Builder, name, logPath string, maxRetry, findTime, banTime int) {
	fmt.Fprintf(b, "[%s]\n", name)
	b.WriteString("enabled = true\n")
	b.WriteString("port = all\n")
	fmt.Fprintf(b, "filter = %s\n", name)
	fmt.Fprintf(b, "logpath = %s\n", logPath)
	fmt.Fprintf(b, "maxretry = %d\n", maxRetry)
	fmt.Fprintf(b, "findtime = %d\n", findTime)
	fmt.Fprintf(b, "bantime = %d\n", banTime)
	fmt.Fprintf(b, "action = %s\n", banAction)
}

// FilterConfig renders the catch-all definition followed by the per-jail
// failregex sections in a single document.
func FilterConfig() string {
	var b strings.Builder
	b.WriteString("[Definition]\n")
	fmt.Fprintf(&b, "failregex = %s\n", FailRegexAll)
	fmt.Fprintf(&b, "ignoreregex = %s\n", IgnoreRegexTest)
	fmt.Fprintf(&b, "\n[%s]\n", JailTorrent)
	fmt.Fprintf(&b, "failregex = %s\n", FailRegexTorrent)
	fmt.Fprintf(&b, "\n[%s]\n", JailViolations)
	fmt.Fprintf(&b, "failregex = %s\n", FailRegexViolations)
	return b.String()
}

// Filters returns one filter.d file per jail, keyed by file name.
func Filters() map[string]string {
	return map[string]string{
		JailViolations + ".conf": filterFile(FailRegexViolations),
		JailTorrent + ".conf":    filterFile(FailRegexTorrent),
	}
}

func filterFile(failRegex string) string {
	return "[Definition]\n" +
		"failregex = " + failRegex + "\n" +
		"ignoreregex = " + IgnoreRegexTest + "\n"
}
