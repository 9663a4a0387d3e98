// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"time"

	"github.com/tomtom215/marzguard/internal/logging"
)

// DefaultReapInterval is how often expired suspensions are released.
const DefaultReapInterval = time.Minute

// Reaper periodically reactivates users whose suspension has expired.
type Reaper struct {
	bridge   *Bridge
	interval time.Duration
}

// NewReaper creates a reaper. A non-positive interval uses DefaultReapInterval.
func NewReaper(bridge *Bridge, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{bridge: bridge, interval: interval}
}

// Serve implements suture.Service.
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce releases expired suspensions once.
func (r *Reaper) RunOnce(ctx context.Context) int {
	n, err := r.bridge.ReleaseExpired(ctx)
	if err != nil {
		logging.Warn().Err(err).Int("released", n).Msg("releasing expired suspensions")
	}
	return n
}

func (r *Reaper) String() string {
	return "suspension-reaper"
}
