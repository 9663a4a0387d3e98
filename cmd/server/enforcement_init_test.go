// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tomtom215/marzguard/internal/audit"
	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/tracker"
	"github.com/tomtom215/marzguard/internal/violationlog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Fail2ban.LogPath = filepath.Join(t.TempDir(), "fail2ban.log")
	cfg.Blocklist.InMemory = true
	return cfg
}

func TestInitAudit_Memory(t *testing.T) {
	cfg := testConfig(t)
	logger, store, err := InitAudit(cfg)
	if err != nil {
		t.Fatalf("InitAudit() error = %v", err)
	}
	defer logger.Close()
	if store != nil {
		t.Error("memory audit returned a badger store")
	}
	if _, err := logger.Query(context.Background(), audit.DefaultQueryFilter()); err != nil {
		t.Errorf("Query() error = %v", err)
	}
}

func TestInitAudit_Badger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit")
	logger, store, err := InitAudit(cfg)
	if err != nil {
		t.Fatalf("InitAudit() error = %v", err)
	}
	if store == nil {
		t.Fatal("badger store is nil")
	}
	_ = logger.Close()
	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestInitEnforcement(t *testing.T) {
	cfg := testConfig(t)
	settings := tracker.NewStaticSettings(cfg)
	tr := tracker.New(tracker.OptionsFromConfig(cfg.Tracker, settings))
	w := violationlog.NewWriter(violationlog.OptionsFromConfig(cfg.Fail2ban))
	defer w.Close()

	enf, err := InitEnforcement(cfg, tr, w, nil)
	if err != nil {
		t.Fatalf("InitEnforcement() error = %v", err)
	}
	defer enf.Close()

	if enf.Dispatcher == nil || enf.Bridge == nil || enf.Reaper == nil || enf.Audit == nil {
		t.Fatalf("components = %+v", enf)
	}
	if enf.Dispatcher.Running() {
		t.Error("dispatcher running before the supervisor started it")
	}
}
