// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/qaeye/fleetrelay/lib/codec"
	"github.com/qaeye/fleetrelay/lib/protocol"
	"github.com/qaeye/fleetrelay/lib/relay"
)

// Config configures a Handler. Devices, Viewers, and Logger are
// required; zero sizes take the defaults below.
type Config struct {
	Devices *relay.DeviceManager
	Viewers *relay.ViewerManager

	// DeviceQueue and ViewerQueue bound each connection's outbound
	// queue. Defaults 32 and 8.
	DeviceQueue int
	ViewerQueue int

	// DeviceReadLimit and ViewerReadLimit bound one inbound message.
	// Defaults 10 MiB and 4 KiB.
	DeviceReadLimit int64
	ViewerReadLimit int64

	// CheckOrigin vets the Origin header of upgrade requests. Nil
	// accepts every origin.
	CheckOrigin func(*http.Request) bool

	Logger *slog.Logger
}

// Handler upgrades and serves device and viewer connections.
type Handler struct {
	devices  *relay.DeviceManager
	viewers  *relay.ViewerManager
	upgrader websocket.Upgrader
	logger   *slog.Logger

	deviceQueue     int
	viewerQueue     int
	deviceReadLimit int64
	viewerReadLimit int64
}

// New returns a Handler serving the managers in config.
func New(config Config) *Handler {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		devices: config.Devices,
		viewers: config.Viewers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     checkOrigin,
		},
		logger:          config.Logger,
		deviceQueue:     orDefault(config.DeviceQueue, 32),
		viewerQueue:     orDefault(config.ViewerQueue, 8),
		deviceReadLimit: orDefault(config.DeviceReadLimit, 10<<20),
		viewerReadLimit: orDefault(config.ViewerReadLimit, 4<<10),
	}
}

func orDefault[T int | int64](value, fallback T) T {
	if value <= 0 {
		return fallback
	}
	return value
}

// accept upgrades the request and starts the connection's writer. The
// connection is closed when the request context ends, which happens on
// server shutdown.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, role string, messageType, queueSize int) *Conn {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Debug("websocket upgrade failed", "role", role, "remote_addr", r.RemoteAddr, "error", err)
		return nil
	}
	conn := newConn(ws, messageType, queueSize, h.logger.With("role", role))
	conn.logger.Debug("websocket connected", "remote_addr", r.RemoteAddr)

	go conn.writePump()
	go func() {
		select {
		case <-r.Context().Done():
			conn.Close()
		case <-conn.closed:
		}
	}()
	return conn
}

// ServeDevice handles GET /ws/device.
func (h *Handler) ServeDevice(w http.ResponseWriter, r *http.Request) {
	conn := h.accept(w, r, "device", websocket.BinaryMessage, h.deviceQueue)
	if conn == nil {
		return
	}
	device := h.devices.Connect(conn)
	defer func() {
		device.Disconnect()
		conn.Close()
	}()

	conn.readLoop(h.deviceReadLimit, func(data []byte) {
		message, err := protocol.DecodeDevice(data)
		if err != nil {
			if conn.logger.Enabled(r.Context(), slog.LevelDebug) {
				conn.logger.Debug("dropping undecodable device message",
					"error", err,
					"bytes", len(data),
					"diagnostic", diagnose(data),
				)
			}
			return
		}
		device.Handle(message)
	})
}

const (
	// maxDiagnoseInput is the largest message rendered in diagnostic
	// notation. Frame messages are far larger and are only sized.
	maxDiagnoseInput = 4 << 10

	// maxDiagnoseOutput truncates the rendered notation.
	maxDiagnoseOutput = 512
)

// diagnose renders a device message for a debug log line.
func diagnose(data []byte) string {
	if len(data) > maxDiagnoseInput {
		return "(not rendered: message too large)"
	}
	notation, err := codec.Diagnose(data)
	if err != nil {
		return "(not CBOR: " + err.Error() + ")"
	}
	if len(notation) > maxDiagnoseOutput {
		notation = notation[:maxDiagnoseOutput] + "..."
	}
	return notation
}

// ServeViewer handles GET /ws/viewer.
func (h *Handler) ServeViewer(w http.ResponseWriter, r *http.Request) {
	conn := h.accept(w, r, "viewer", websocket.TextMessage, h.viewerQueue)
	if conn == nil {
		return
	}
	h.viewers.Connect(conn)
	defer func() {
		h.viewers.Disconnect(conn)
		conn.Close()
	}()

	conn.readLoop(h.viewerReadLimit, func(data []byte) {
		message, err := protocol.DecodeViewer(data)
		if err != nil {
			conn.logger.Debug("dropping undecodable viewer message", "error", err)
			return
		}
		if message.DeviceID == "" {
			conn.logger.Debug("dropping viewer message without device_id", "type", message.Type)
			return
		}
		switch message.Type {
		case protocol.TypeJoinDevice:
			h.viewers.Join(conn, message.DeviceID)
		case protocol.TypeLeaveDevice:
			h.viewers.Leave(conn, message.DeviceID)
		default:
			conn.logger.Debug("dropping viewer message", "type", message.Type)
		}
	})
}
