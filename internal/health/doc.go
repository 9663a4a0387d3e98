// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package health aggregates component health for the readiness endpoint.

Components implement Checkable and register under a name. CheckAll runs
every check concurrently with a per-check timeout and folds the results
into an overall status:

  - healthy: every component is healthy
  - degraded: all components are healthy but at least one reports Degraded
  - unhealthy: at least one component is unhealthy

The violation log writer reports Degraded after repeated write failures and
the enforcement dispatcher reports Degraded while requests are being
dropped after exhausted retries.
*/
package health
