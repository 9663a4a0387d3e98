// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import "errors"

var (
	// ErrFail2banDisabled is returned by fail2ban routes when the
	// integration is switched off.
	ErrFail2banDisabled = errors.New("fail2ban integration is disabled")

	// ErrEmptyTestData is returned by test-detection for an empty body.
	ErrEmptyTestData = errors.New("test_data is required")
)
