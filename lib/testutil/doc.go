// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for fleetrelay
// packages.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-timeout pattern so tests that wait on session queues or
// readiness channels never hang and never call time.After directly.
//
// [WriteFile] drops a fixture (a fleet topology, a config file) into a
// test-owned directory. [DiscardLogger] returns a logger for code under
// test whose output is irrelevant. [UniqueID] generates distinct
// device and session identifiers across parallel tests.
//
// All helpers call t.Fatalf on failure.
package testutil
