// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package tracker

import (
	"context"
	"time"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
)

// SweepHook runs after each sweep with the sweep time and returns how many
// entries it dropped.
type SweepHook func(now time.Time) int

// Sweeper periodically removes stale records. It implements suture.Service.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	hooks    []SweepHook
}

// NewSweeper creates a sweeper ticking at the tracker's tracking interval.
func NewSweeper(t *Tracker) *Sweeper {
	return &Sweeper{tracker: t, interval: t.TrackingInterval()}
}

// Serve runs until ctx is canceled. A pass that has started always runs to
// completion; cancellation is only observed between ticks.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Connection sweeper started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Connection sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// AddHook registers fn to run after every sweep. Call before Serve.
func (s *Sweeper) AddHook(fn SweepHook) {
	s.hooks = append(s.hooks, fn)
}

// RunOnce performs one sweep at the tracker clock's current time. Hook
// removals are logged but not counted in the result.
func (s *Sweeper) RunOnce() int {
	start := time.Now()
	now := s.tracker.Now()
	removed := s.tracker.Sweep(now)
	metrics.RecordSweep(removed, time.Since(start))

	pruned := 0
	for _, h := range s.hooks {
		pruned += h(now)
	}

	st := s.tracker.Stats()
	metrics.UpdateTrackerGauges(st.TotalActiveConnections, st.ActiveUsers)

	if removed > 0 || pruned > 0 {
		logging.Debug().Int("removed", removed).Int("pruned", pruned).Msg("Swept stale connections")
	}
	return removed
}

// String implements fmt.Stringer for supervisor logging.
func (s *Sweeper) String() string {
	return "connection-sweeper"
}
