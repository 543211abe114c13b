// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay ties device producers to viewer consumers.
//
// [DeviceManager] owns device connections. Each connection walks
// Connecting, Registering, Active, Closed. Registration is checked
// against the fleet topology; an accepted device is bound in two
// indexes (session to device id, device id to session) kept
// consistent under one mutex, its live record is created or
// reactivated, and it is sent get_config and resend_datalog. Frames
// and telemetry from an Active connection update the live record;
// frames are also handed to the [ViewerManager].
//
// [ViewerManager] keeps rooms keyed by device id. BroadcastFrame
// encodes a frame once and offers it to each room member's outbound
// queue without blocking; a viewer whose queue is full misses that
// frame.
//
// [StalenessMonitor] marks devices offline when an open connection
// has gone quiet for longer than the configured threshold. It does
// not unbind the session, so a late frame brings the device back
// online.
//
// Both managers are transport-agnostic: they see connections only
// through [Session], whose Send takes an already-encoded message.
package relay
