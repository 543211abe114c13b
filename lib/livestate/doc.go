// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package livestate is the in-memory store of each device's live
// record: online status, latest JPEG frame, merged stats and configs
// telemetry, and the time the device was last heard from.
//
// Records are created the first time a device registers and are never
// deleted. Reconnects reactivate the existing record without resetting
// retained fields; disconnects only flip status.
//
// Locking is two-level. The Store's RWMutex guards only map
// membership; each record carries its own mutex, and every mutation of
// one device serializes on it. Operations on different devices never
// contend beyond the brief membership read lock. No method performs
// I/O or calls out while holding a record lock.
//
// Readers get [Snapshot] values, which copy the telemetry maps. Frame
// byte slices are shared: the store replaces a frame wholesale and
// never writes into one after it has been stored.
package livestate
