// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/qaeye/fleetrelay/lib/protocol"
)

// ViewerManager tracks viewer sessions and the rooms they watch. A
// room exists for a device id as long as it has a member; membership
// does not depend on the device being connected or even known.
type ViewerManager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]map[string]Session  // device id -> session id -> session
	sessions map[string]map[string]struct{} // session id -> device ids watched

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewViewerManager returns a manager with no viewers.
func NewViewerManager(logger *slog.Logger) *ViewerManager {
	return &ViewerManager{
		logger:   logger,
		rooms:    make(map[string]map[string]Session),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Connect starts tracking a viewer that has not joined any room yet.
func (m *ViewerManager) Connect(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID()]; !ok {
		m.sessions[session.ID()] = make(map[string]struct{})
	}
}

// Join adds session to deviceID's room. Joining twice is a no-op.
func (m *ViewerManager) Join(session Session, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	watched, ok := m.sessions[session.ID()]
	if !ok {
		watched = make(map[string]struct{})
		m.sessions[session.ID()] = watched
	}
	watched[deviceID] = struct{}{}

	room, ok := m.rooms[deviceID]
	if !ok {
		room = make(map[string]Session)
		m.rooms[deviceID] = room
	}
	room[session.ID()] = session
	m.logger.Info("viewer joined", "session_id", session.ID(), "device_id", deviceID)
}

// Leave removes session from deviceID's room. Leaving a room the
// session is not in is a no-op.
func (m *ViewerManager) Leave(session Session, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if watched, ok := m.sessions[session.ID()]; ok {
		delete(watched, deviceID)
	}
	m.leaveLocked(session.ID(), deviceID)
}

func (m *ViewerManager) leaveLocked(sessionID, deviceID string) {
	room, ok := m.rooms[deviceID]
	if !ok {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(m.rooms, deviceID)
	}
}

// Disconnect removes session from every room it joined. A graceful
// close and a transport failure both end here.
func (m *ViewerManager) Disconnect(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	watched := m.sessions[session.ID()]
	for deviceID := range watched {
		m.leaveLocked(session.ID(), deviceID)
	}
	delete(m.sessions, session.ID())
	m.logger.Info("viewer disconnected", "session_id", session.ID(), "rooms", len(watched))
}

// BroadcastFrame offers one video_frame to every session in
// deviceID's room at the time of the call and returns how many
// accepted it. The frame is encoded once. Delivery is at most once:
// a member whose outbound queue is full misses the frame, and nothing
// is kept for viewers who join later.
func (m *ViewerManager) BroadcastFrame(deviceID string, frame []byte) int {
	m.mu.RLock()
	members := slices.Collect(maps.Values(m.rooms[deviceID]))
	m.mu.RUnlock()

	if len(members) == 0 {
		return 0
	}

	encoded, err := protocol.EncodeVideoFrame(deviceID, frame)
	if err != nil {
		m.logger.Error("encoding video frame", "device_id", deviceID, "error", err)
		return 0
	}

	accepted := 0
	for _, session := range members {
		if session.Send(encoded) {
			accepted++
			continue
		}
		m.dropped.Add(1)
		m.logger.Debug("video frame dropped for slow viewer",
			"device_id", deviceID,
			"session_id", session.ID(),
		)
	}
	m.delivered.Add(uint64(accepted))
	return accepted
}

// Members returns the ids of sessions in deviceID's room, sorted.
func (m *ViewerManager) Members(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.rooms[deviceID]))
}

// ConnectedViewers returns the number of tracked viewer sessions.
func (m *ViewerManager) ConnectedViewers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// FrameCounts returns how many frames have been accepted by and
// dropped for viewers since start.
func (m *ViewerManager) FrameCounts() (delivered, dropped uint64) {
	return m.delivered.Load(), m.dropped.Load()
}
