// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"context"

	"github.com/tomtom215/marzguard/internal/models"
)

// ConnectionLimitDetector surfaces tracker rejections. It never counts
// connections itself.
type ConnectionLimitDetector struct {
	enabled bool
}

// NewConnectionLimitDetector creates the detector.
func NewConnectionLimitDetector(enabled bool) *ConnectionLimitDetector {
	return &ConnectionLimitDetector{enabled: enabled}
}

// Type returns the violation type.
func (d *ConnectionLimitDetector) Type() models.ViolationType {
	return models.ViolationConnectionLimit
}

// Enabled reports CONNECTION_LIMIT_ENABLED.
func (d *ConnectionLimitDetector) Enabled() bool {
	return d.enabled
}

// Check emits CONNECTION_LIMIT with ACTION=blocked for a rejected sample.
func (d *ConnectionLimitDetector) Check(_ context.Context, in *Input) (*models.ViolationEvent, error) {
	if !in.Outcome.Rejected() {
		return nil, nil
	}
	s := in.Sample
	ev := models.NewViolationEvent(s.Timestamp, models.ViolationConnectionLimit,
		s.Username, s.RemoteIP, models.ActionBlocked,
		map[string]interface{}{
			"current_connections": in.Outcome.Current,
			"max_connections":     in.Outcome.Max,
		})
	return &ev, nil
}
