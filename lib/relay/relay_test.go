// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/qaeye/fleetrelay/lib/clock"
	"github.com/qaeye/fleetrelay/lib/codec"
	"github.com/qaeye/fleetrelay/lib/fleet"
	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
	"github.com/qaeye/fleetrelay/lib/protocol"
	"github.com/qaeye/fleetrelay/lib/testutil"
)

const testTopology = `{"L1": {"name": "Line 1", "devices": ["camA", "camB"]}}`

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// fakeSession is an in-memory Session with a bounded outbound queue.
type fakeSession struct {
	id       string
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func newFakeSession(id string, capacity int) *fakeSession {
	return &fakeSession{
		id:       id,
		outbound: make(chan []byte, capacity),
		done:     make(chan struct{}),
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(message []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- message:
		return true
	default:
		return false
	}
}

func (s *fakeSession) Close() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []journal.Event
}

func (l *eventLog) Record(event journal.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) kinds() []journal.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]journal.Kind, len(l.events))
	for index, event := range l.events {
		kinds[index] = event.Kind
	}
	return kinds
}

type presenceChange struct {
	deviceID string
	status   livestate.Status
}

type presenceLog chan presenceChange

func (l presenceLog) PresenceChanged(deviceID string, status livestate.Status) {
	l <- presenceChange{deviceID, status}
}

type harness struct {
	clock    *clock.FakeClock
	registry *fleet.Registry
	store    *livestate.Store
	viewers  *ViewerManager
	devices  *DeviceManager
	events   *eventLog
	presence presenceLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.DiscardLogger()
	registry := fleet.New(logger)
	path := testutil.WriteFile(t, t.TempDir(), "fleet.jsonc", testTopology)
	if err := registry.Load(path); err != nil {
		t.Fatalf("loading topology: %v", err)
	}

	fake := clock.Fake(epoch)
	h := &harness{
		clock:    fake,
		registry: registry,
		store:    livestate.NewStore(fake, livestate.Placeholder()),
		viewers:  NewViewerManager(logger),
		events:   &eventLog{},
		presence: make(presenceLog, 64),
	}
	h.devices = NewDeviceManager(DeviceManagerConfig{
		Registry: registry,
		Store:    h.store,
		Viewers:  h.viewers,
		Clock:    fake,
		Logger:   logger,
		Journal:  h.events,
	})
	h.devices.AddPresenceListener(h.presence)
	return h
}

// registerDevice connects a device session, registers it, and drains
// the two sync commands.
func (h *harness) registerDevice(t *testing.T, sessionID, deviceID string) (*fakeSession, *DeviceConn) {
	t.Helper()
	session := newFakeSession(sessionID, 8)
	conn := h.devices.Connect(session)
	conn.Handle(protocol.DeviceMessage{Type: protocol.TypeRegister, DeviceID: deviceID})
	if conn.State() != Active {
		t.Fatalf("%s did not become active: %s", deviceID, conn.State())
	}
	for range 2 {
		testutil.RequireReceive(t, session.outbound, time.Second, "sync command for %s", deviceID)
	}
	return session, conn
}

func decodeCommand(t *testing.T, data []byte) protocol.ServerCommand {
	t.Helper()
	var command protocol.ServerCommand
	if err := codec.Unmarshal(data, &command); err != nil {
		t.Fatalf("decoding server command: %v", err)
	}
	return command
}

func decodeVideoFrame(t *testing.T, data []byte) protocol.VideoFrame {
	t.Helper()
	var frame protocol.VideoFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decoding video frame: %v", err)
	}
	return frame
}
