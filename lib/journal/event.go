// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import "time"

// Kind classifies a session event.
type Kind string

const (
	KindRegistered    Kind = "registered"
	KindRejected      Kind = "rejected"
	KindDisconnected  Kind = "disconnected"
	KindCommand       Kind = "command"
	KindCommandFailed Kind = "command_failed"
	KindStale         Kind = "stale"
)

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Kind      Kind      `json:"kind"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
