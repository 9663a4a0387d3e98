// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package main

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/models"
)

type nopHandler struct{}

func (nopHandler) Observe(context.Context, models.TrafficSample) ([]models.ViolationEvent, error) {
	return nil, nil
}

func TestIngestComponents_Nil(t *testing.T) {
	var c *IngestComponents
	if c.IsRunning() {
		t.Error("IsRunning() should return false for nil components")
	}
	// Should not panic
	c.Shutdown(context.Background())
	c.AddToSupervisor(nil, nil)
}

func TestInitIngest_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.NATS.Enabled = false
	c, err := InitIngest(cfg, nopHandler{})
	if err != nil || c != nil {
		t.Fatalf("InitIngest() = %v, %v; want nil, nil", c, err)
	}
}

func TestInitIngest_Embedded(t *testing.T) {
	cfg := config.Default()
	cfg.NATS.Enabled = true
	cfg.NATS.Embedded = true
	cfg.NATS.EmbeddedHost = "127.0.0.1"
	cfg.NATS.EmbeddedPort = -1

	c, err := InitIngest(cfg, nopHandler{})
	if err != nil {
		t.Fatalf("InitIngest() error = %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("IsRunning() = false after init")
	}

	nc, err := nats.Connect(c.server.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("connect to embedded server: %v", err)
	}
	nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Shutdown(ctx)
	if c.IsRunning() {
		t.Error("IsRunning() = true after Shutdown")
	}
	// second call is a no-op
	c.Shutdown(ctx)
}
