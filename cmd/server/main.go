// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/marzguard/internal/api"
	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/detection"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/pipeline"
	"github.com/tomtom215/marzguard/internal/supervisor"
	"github.com/tomtom215/marzguard/internal/tracker"
	"github.com/tomtom215/marzguard/internal/violationlog"
	ws "github.com/tomtom215/marzguard/internal/websocket"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	logging.Info().
		Bool("fail2ban_enabled", cfg.Fail2ban.Enabled).
		Str("fail2ban_log", cfg.Fail2ban.LogPath).
		Bool("connection_limit", cfg.Tracker.Enabled).
		Int("default_max_connections", cfg.Tracker.DefaultMaxConnections).
		Bool("torrent_detection", cfg.Detection.TorrentEnabled).
		Bool("traffic_analysis", cfg.Detection.TrafficAnalysisEnabled).
		Int("user_overrides", len(cfg.Users)).
		Msg("Starting Marzguard")

	// Detection: tracker, classifier and the violation log.
	settings := tracker.NewStaticSettings(cfg)
	connTracker := tracker.New(tracker.OptionsFromConfig(cfg.Tracker, settings))
	classifier := detection.NewClassifier(detection.ConfigFrom(cfg), settings)

	sweeper := tracker.NewSweeper(connTracker)
	sweeper.AddHook(classifier.Prune)

	violationLog := violationlog.NewWriter(violationlog.OptionsFromConfig(cfg.Fail2ban))
	if err := violationLog.SelfTest(context.Background()); err != nil {
		// fail2ban sees nothing until the log is writable; keep serving so
		// the health endpoint reports the degraded writer.
		logging.Error().Err(err).Str("path", violationLog.Path()).Msg("Violation log self-test failed")
	}
	defer func() {
		if err := violationLog.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing violation log")
		}
	}()

	hub := ws.NewHub()

	monitor := pipeline.NewMonitor(connTracker, classifier)
	monitor.AddSink("violation_log", violationLog)
	monitor.AddSink("websocket", hub)

	// Enforcement: blocklist, panel client, dispatcher and audit trail.
	enf, err := InitEnforcement(cfg, connTracker, violationLog, hub)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize enforcement")
	}
	defer enf.Close()

	ingestComponents, err := InitIngest(cfg, monitor)
	if err != nil {
		enf.Close()
		logging.Fatal().Err(err).Msg("Failed to initialize NATS ingest")
	}

	registry := health.NewRegistry(health.DefaultTimeout)
	registry.Register("violation_log", violationLog)
	registry.Register("pipeline", monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewSupervisorTree(slog.New(logging.NewSlogHandler()), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		enf.Close()
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	handler := api.NewHandler(api.Deps{
		Config:     cfg,
		Tracker:    connTracker,
		Classifier: classifier,
		Monitor:    monitor,
		Log:        violationLog,
		Dispatcher: enf.Dispatcher,
		Health:     registry,
		Audit:      enf.Audit,
		Blocklist:  enf.Store,
		Hub:        hub,
	})
	router := api.NewRouter(handler, cfg.Server)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.SetupChi(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// === ADD SERVICES TO SUPERVISOR TREE ===
	tree.AddDetectionService(sweeper)
	tree.AddDetectionService(hub)
	ingestComponents.AddToSupervisor(tree, registry)
	enf.AddToSupervisor(tree, registry)
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(sigCtx)

	select {
	case <-sigCtx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for supervisor to finish...")
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	case err := <-errCh:
		if err != nil {
			logging.Error().Err(err).Msg("Supervisor tree stopped unexpectedly")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop cleanly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	ingestComponents.Shutdown(shutdownCtx)

	logging.Info().Msg("Marzguard stopped")
}
