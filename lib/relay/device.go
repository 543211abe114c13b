// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qaeye/fleetrelay/lib/clock"
	"github.com/qaeye/fleetrelay/lib/fleet"
	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
	"github.com/qaeye/fleetrelay/lib/protocol"
)

// ConnState is where a device connection is in its lifecycle.
type ConnState int

const (
	Connecting ConnState = iota
	Registering
	Active
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Registry is the fleet membership the manager authorizes against.
type Registry interface {
	IsAllowed(deviceID string) bool
	LineOf(deviceID string) (fleet.Line, bool)
}

// DeviceManagerConfig holds a DeviceManager's collaborators. Registry,
// Store, Viewers, Clock, and Logger are required.
type DeviceManagerConfig struct {
	Registry Registry
	Store    *livestate.Store
	Viewers  *ViewerManager
	Clock    clock.Clock
	Logger   *slog.Logger

	// Journal receives session events. Nil disables journaling.
	Journal EventRecorder
}

// DeviceManager owns every device connection and the session index.
type DeviceManager struct {
	registry Registry
	store    *livestate.Store
	viewers  *ViewerManager
	clock    clock.Clock
	logger   *slog.Logger
	journal  EventRecorder

	// mu guards both index maps together. Store calls that must be
	// ordered with an index change (activation on register, offline
	// on disconnect) are made while it is held; the store never calls
	// back into the manager.
	mu        sync.RWMutex
	bySession map[string]string  // session id -> device id
	byDevice  map[string]Session // device id -> current session

	listenersMu sync.RWMutex
	listeners   []PresenceListener
}

// NewDeviceManager returns a manager with empty indexes.
func NewDeviceManager(config DeviceManagerConfig) *DeviceManager {
	recorder := config.Journal
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &DeviceManager{
		registry:  config.Registry,
		store:     config.Store,
		viewers:   config.Viewers,
		clock:     config.Clock,
		logger:    config.Logger,
		journal:   recorder,
		bySession: make(map[string]string),
		byDevice:  make(map[string]Session),
	}
}

// AddPresenceListener registers a listener for status flips. Call
// before connections are accepted.
func (m *DeviceManager) AddPresenceListener(listener PresenceListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *DeviceManager) notifyPresence(deviceID string, status livestate.Status) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener.PresenceChanged(deviceID, status)
	}
}

func (m *DeviceManager) record(kind journal.Kind, deviceID, sessionID, detail string) {
	m.journal.Record(journal.Event{
		At:        m.clock.Now(),
		Kind:      kind,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Detail:    detail,
	})
}

// Connect starts tracking a new device connection. Nothing is bound
// until the connection registers.
func (m *DeviceManager) Connect(session Session) *DeviceConn {
	m.logger.Debug("device connection opened", "session_id", session.ID())
	return &DeviceConn{manager: m, session: session, state: Connecting}
}

// SendCommand delivers one server_command to the session currently
// bound to deviceID. It returns false, and delivers nothing, when no
// session is bound or the session's outbound queue is full. Commands
// are never queued for later.
func (m *DeviceManager) SendCommand(deviceID, command string, payload any) bool {
	m.mu.RLock()
	session := m.byDevice[deviceID]
	m.mu.RUnlock()

	if session == nil {
		m.logger.Info("command to unbound device", "device_id", deviceID, "command", command)
		m.record(journal.KindCommandFailed, deviceID, "", command+": device not connected")
		return false
	}
	if !m.deliverCommand(session, deviceID, command, payload) {
		m.record(journal.KindCommandFailed, deviceID, session.ID(), command+": outbound queue full")
		return false
	}
	m.record(journal.KindCommand, deviceID, session.ID(), command)
	return true
}

func (m *DeviceManager) deliverCommand(session Session, deviceID, command string, payload any) bool {
	encoded, err := protocol.EncodeCommand(command, payload)
	if err != nil {
		m.logger.Error("encoding server command",
			"device_id", deviceID,
			"command", command,
			"error", err,
		)
		return false
	}
	if !session.Send(encoded) {
		m.logger.Warn("server command dropped",
			"device_id", deviceID,
			"session_id", session.ID(),
			"command", command,
		)
		return false
	}
	return true
}

// BoundSession returns the id of the session currently bound to
// deviceID.
func (m *DeviceManager) BoundSession(deviceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.byDevice[deviceID]
	if !ok {
		return "", false
	}
	return session.ID(), true
}

// ConnectedDevices returns the number of bound devices.
func (m *DeviceManager) ConnectedDevices() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDevice)
}

// DeviceConn is the per-connection state machine. Its methods are
// called from the connection's single read goroutine and are not safe
// for concurrent use with each other.
type DeviceConn struct {
	manager  *DeviceManager
	session  Session
	state    ConnState
	deviceID string
}

// State returns the connection's lifecycle state.
func (c *DeviceConn) State() ConnState { return c.state }

// DeviceID returns the bound device id, empty before registration.
func (c *DeviceConn) DeviceID() string { return c.deviceID }

// Handle dispatches one inbound message.
func (c *DeviceConn) Handle(message protocol.DeviceMessage) {
	switch message.Type {
	case protocol.TypeRegister:
		c.register(message.DeviceID)
	case protocol.TypeFrame:
		c.frame(message)
	case protocol.TypeTelemetry:
		c.telemetry(message)
	default:
		c.drop(message, "unexpected message type")
	}
}

func (c *DeviceConn) drop(message protocol.DeviceMessage, reason string) {
	c.manager.logger.Debug("device message dropped",
		"session_id", c.session.ID(),
		"state", c.state.String(),
		"bound_device_id", c.deviceID,
		"type", string(message.Type),
		"device_id", message.DeviceID,
		"reason", reason,
	)
}

func (c *DeviceConn) register(deviceID string) {
	m := c.manager
	if c.state != Connecting {
		c.drop(protocol.DeviceMessage{Type: protocol.TypeRegister, DeviceID: deviceID}, "already registered")
		return
	}
	c.state = Registering

	if deviceID == "" || !m.registry.IsAllowed(deviceID) {
		c.state = Closed
		m.logger.Warn("device registration rejected",
			"device_id", deviceID,
			"session_id", c.session.ID(),
		)
		m.record(journal.KindRejected, deviceID, c.session.ID(), "not in fleet topology")
		c.session.Close()
		return
	}

	m.mu.Lock()
	previous := m.byDevice[deviceID]
	m.bySession[c.session.ID()] = deviceID
	m.byDevice[deviceID] = c.session
	created, cameOnline := m.store.Activate(deviceID)
	m.mu.Unlock()

	c.deviceID = deviceID
	c.state = Active

	line, _ := m.registry.LineOf(deviceID)
	attributes := []any{
		"device_id", deviceID,
		"line_id", line.ID,
		"session_id", c.session.ID(),
		"new_record", created,
	}
	if previous != nil && previous.ID() != c.session.ID() {
		attributes = append(attributes, "superseded_session_id", previous.ID())
	}
	m.logger.Info("device registered", attributes...)
	m.record(journal.KindRegistered, deviceID, c.session.ID(), "line "+line.ID)
	if cameOnline {
		m.notifyPresence(deviceID, livestate.Online)
	}

	// Addressed to this session, not looked up through the index,
	// which a concurrent registration may already have rebound.
	m.deliverCommand(c.session, deviceID, protocol.CommandGetConfig, nil)
	m.deliverCommand(c.session, deviceID, protocol.CommandResendDatalog, nil)
}

// checkActive reports whether message may be applied: the connection
// is Active and the message names the bound device.
func (c *DeviceConn) checkActive(message protocol.DeviceMessage) bool {
	switch {
	case c.state != Active:
		c.drop(message, "connection not registered")
	case message.DeviceID == "":
		c.drop(message, "missing device id")
	case message.DeviceID != c.deviceID:
		c.drop(message, "device id does not match registration")
	default:
		return true
	}
	return false
}

func (c *DeviceConn) frame(message protocol.DeviceMessage) {
	if !c.checkActive(message) {
		return
	}
	if len(message.Image) == 0 {
		c.drop(message, "missing image")
		return
	}
	m := c.manager
	cameOnline, err := m.store.UpdateFrame(c.deviceID, message.Image)
	if err != nil {
		c.drop(message, err.Error())
		return
	}
	if cameOnline {
		m.notifyPresence(c.deviceID, livestate.Online)
	}
	m.viewers.BroadcastFrame(c.deviceID, message.Image)
}

func (c *DeviceConn) telemetry(message protocol.DeviceMessage) {
	if !c.checkActive(message) {
		return
	}
	if message.Data == nil {
		c.drop(message, "missing data")
		return
	}
	m := c.manager
	mode, err := livestate.ParseMode(message.Mode)
	if err != nil {
		m.logger.Warn("telemetry rejected",
			"device_id", c.deviceID,
			"session_id", c.session.ID(),
			"mode", message.Mode,
		)
		encoded, encodeErr := protocol.EncodeError(c.deviceID, err.Error())
		if encodeErr == nil {
			c.session.Send(encoded)
		}
		return
	}
	cameOnline, err := m.store.MergeTelemetry(c.deviceID, mode, message.Data)
	if err != nil {
		if errors.Is(err, livestate.ErrUnknownDevice) {
			c.drop(message, err.Error())
			return
		}
		m.logger.Error("merging telemetry", "device_id", c.deviceID, "error", err)
		return
	}
	if cameOnline {
		m.notifyPresence(c.deviceID, livestate.Online)
	}
}

// Disconnect ends the connection's lifecycle. If the connection is
// still the device's current binding, the device goes offline and both
// index entries are removed; a superseded connection removes only its
// own session entry and leaves the device's status alone.
func (c *DeviceConn) Disconnect() {
	m := c.manager
	previousState := c.state
	c.state = Closed
	if previousState != Active {
		m.logger.Debug("unregistered device connection closed",
			"session_id", c.session.ID(),
			"state", previousState.String(),
		)
		return
	}

	sessionID := c.session.ID()
	m.mu.Lock()
	delete(m.bySession, sessionID)
	current := m.byDevice[c.deviceID]
	isCurrent := current != nil && current.ID() == sessionID
	var wentOffline bool
	if isCurrent {
		delete(m.byDevice, c.deviceID)
		wentOffline, _ = m.store.SetOffline(c.deviceID)
	}
	m.mu.Unlock()

	if !isCurrent {
		m.logger.Info("superseded device session closed",
			"device_id", c.deviceID,
			"session_id", sessionID,
		)
		return
	}
	m.logger.Warn("device disconnected",
		"device_id", c.deviceID,
		"session_id", sessionID,
	)
	m.record(journal.KindDisconnected, c.deviceID, sessionID, "")
	if wentOffline {
		m.notifyPresence(c.deviceID, livestate.Offline)
	}
}
