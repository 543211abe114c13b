// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
)

// Session is one live connection as the managers see it.
type Session interface {
	// ID is unique among live sessions.
	ID() string

	// Send offers one encoded message to the connection's outbound
	// queue. It never blocks; false means the message was dropped
	// because the queue is full or the session is closed.
	Send(message []byte) bool

	// Close terminates the connection. Safe to call more than once.
	Close()
}

// EventRecorder receives session lifecycle events. Record must not
// block.
type EventRecorder interface {
	Record(event journal.Event)
}

// PresenceListener is told when a device's status flips. Called
// outside every relay and store lock, on the goroutine that caused the
// change; implementations must not block.
type PresenceListener interface {
	PresenceChanged(deviceID string, status livestate.Status)
}

type nopRecorder struct{}

func (nopRecorder) Record(journal.Event) {}
