// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qaeye/fleetrelay/lib/clock"
	"github.com/qaeye/fleetrelay/lib/codec"
	"github.com/qaeye/fleetrelay/lib/fleet"
	"github.com/qaeye/fleetrelay/lib/livestate"
	"github.com/qaeye/fleetrelay/lib/protocol"
	"github.com/qaeye/fleetrelay/lib/relay"
	"github.com/qaeye/fleetrelay/lib/testutil"
)

const testTopology = `{
	// one line, two cameras
	"L1": {"name": "Line 1", "devices": ["camA", "camB"]}
}`

type harness struct {
	store   *livestate.Store
	devices *relay.DeviceManager
	viewers *relay.ViewerManager
	server  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.DiscardLogger()

	registry := fleet.New(logger)
	path := testutil.WriteFile(t, t.TempDir(), "fleet.jsonc", testTopology)
	if err := registry.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	store := livestate.NewStore(clock.Real(), []byte("placeholder"))
	viewers := relay.NewViewerManager(logger)
	devices := relay.NewDeviceManager(relay.DeviceManagerConfig{
		Registry: registry,
		Store:    store,
		Viewers:  viewers,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	handler := New(Config{Devices: devices, Viewers: viewers, Logger: logger})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/device", handler.ServeDevice)
	mux.HandleFunc("GET /ws/viewer", handler.ServeViewer)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &harness{store: store, devices: devices, viewers: viewers, server: server}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendDevice(t *testing.T, conn *websocket.Conn, message protocol.DeviceMessage) {
	t.Helper()
	data, err := codec.Marshal(message)
	if err != nil {
		t.Fatalf("encoding %s: %v", message.Type, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("writing %s: %v", message.Type, err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, wantType int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if messageType != wantType {
		t.Fatalf("message type = %d, want %d", messageType, wantType)
	}
	return data
}

// registerDevice registers deviceID and consumes the two sync commands.
func registerDevice(t *testing.T, h *harness, deviceID string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t, "/ws/device")
	sendDevice(t, conn, protocol.DeviceMessage{Type: protocol.TypeRegister, DeviceID: deviceID})
	for _, want := range []string{protocol.CommandGetConfig, protocol.CommandResendDatalog} {
		var command protocol.ServerCommand
		if err := codec.Unmarshal(readMessage(t, conn, websocket.BinaryMessage), &command); err != nil {
			t.Fatalf("decoding command: %v", err)
		}
		if command.Type != protocol.TypeServerCommand || command.Command != want {
			t.Fatalf("got %+v, want server_command %q", command, want)
		}
	}
	return conn
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeviceRegisterReceivesSyncCommands(t *testing.T) {
	h := newHarness(t)
	registerDevice(t, h, "camA")

	snapshot, ok := h.store.Snapshot("camA")
	if !ok {
		t.Fatal("no live record for camA after registration")
	}
	if snapshot.Status != livestate.Online {
		t.Errorf("status = %q, want online", snapshot.Status)
	}
	if _, bound := h.devices.BoundSession("camA"); !bound {
		t.Error("camA has no bound session")
	}
}

func TestDeviceRejectedIsClosed(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/device")
	sendDevice(t, conn, protocol.DeviceMessage{Type: protocol.TypeRegister, DeviceID: "camX"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("ReadMessage error = %v, want normal close", err)
	}
	if h.store.Known("camX") {
		t.Error("rejected device has a live record")
	}
}

func TestFrameReachesJoinedViewer(t *testing.T) {
	h := newHarness(t)
	device := registerDevice(t, h, "camA")

	viewer := h.dial(t, "/ws/viewer")
	if err := viewer.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_device","device_id":"camA"}`)); err != nil {
		t.Fatalf("writing join: %v", err)
	}
	waitFor(t, "viewer to join camA", func() bool { return len(h.viewers.Members("camA")) == 1 })

	frame := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	sendDevice(t, device, protocol.DeviceMessage{Type: protocol.TypeFrame, DeviceID: "camA", Image: frame})

	var videoFrame protocol.VideoFrame
	if err := json.Unmarshal(readMessage(t, viewer, websocket.TextMessage), &videoFrame); err != nil {
		t.Fatalf("decoding video_frame: %v", err)
	}
	if videoFrame.Type != protocol.TypeVideoFrame || videoFrame.DeviceID != "camA" {
		t.Errorf("got %+v", videoFrame)
	}
	if !bytes.Equal(videoFrame.Image, frame) {
		t.Errorf("image = %x, want %x", videoFrame.Image, frame)
	}

	stored, known := h.store.Frame("camA")
	if !known || !bytes.Equal(stored, frame) {
		t.Errorf("stored frame = %x, want %x", stored, frame)
	}
}

func TestViewerLeaveStopsFrames(t *testing.T) {
	h := newHarness(t)
	device := registerDevice(t, h, "camA")

	viewer := h.dial(t, "/ws/viewer")
	viewer.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_device","device_id":"camA"}`))
	waitFor(t, "viewer to join camA", func() bool { return len(h.viewers.Members("camA")) == 1 })
	viewer.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave_device","device_id":"camA"}`))
	waitFor(t, "viewer to leave camA", func() bool { return len(h.viewers.Members("camA")) == 0 })

	sendDevice(t, device, protocol.DeviceMessage{Type: protocol.TypeFrame, DeviceID: "camA", Image: []byte{1}})
	waitFor(t, "frame to be stored", func() bool {
		frame, _ := h.store.Frame("camA")
		return bytes.Equal(frame, []byte{1})
	})

	viewer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := viewer.ReadMessage(); err == nil {
		t.Fatalf("viewer received %q after leaving", data)
	}
}

func TestDeviceDisconnectMarksOffline(t *testing.T) {
	h := newHarness(t)
	device := registerDevice(t, h, "camA")
	sendDevice(t, device, protocol.DeviceMessage{
		Type:     protocol.TypeTelemetry,
		DeviceID: "camA",
		Mode:     "stats",
		Data:     map[string]any{"fps": uint64(12)},
	})
	waitFor(t, "telemetry merge", func() bool {
		snapshot, _ := h.store.Snapshot("camA")
		return snapshot.Stats["fps"] != nil
	})

	device.Close()
	waitFor(t, "camA to go offline", func() bool {
		snapshot, _ := h.store.Snapshot("camA")
		return snapshot.Status == livestate.Offline
	})

	snapshot, _ := h.store.Snapshot("camA")
	if snapshot.Stats["fps"] == nil {
		t.Error("stats dropped on disconnect")
	}
	if _, bound := h.devices.BoundSession("camA"); bound {
		t.Error("camA still bound after disconnect")
	}
	if h.devices.SendCommand("camA", protocol.CommandGetConfig, nil) {
		t.Error("SendCommand to a disconnected device returned true")
	}
}

func TestViewerDisconnectLeavesRooms(t *testing.T) {
	h := newHarness(t)
	viewer := h.dial(t, "/ws/viewer")
	for _, deviceID := range []string{"camA", "camB"} {
		viewer.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_device","device_id":"`+deviceID+`"}`))
	}
	waitFor(t, "viewer to join both rooms", func() bool {
		return len(h.viewers.Members("camA")) == 1 && len(h.viewers.Members("camB")) == 1
	})

	viewer.Close()
	waitFor(t, "viewer to leave every room", func() bool {
		return h.viewers.ConnectedViewers() == 0 &&
			len(h.viewers.Members("camA")) == 0 &&
			len(h.viewers.Members("camB")) == 0
	})
}

func TestSendCommandOverTransport(t *testing.T) {
	h := newHarness(t)
	device := registerDevice(t, h, "camB")

	if !h.devices.SendCommand("camB", "set_threshold", map[string]any{"value": 0.5}) {
		t.Fatal("SendCommand returned false for a connected device")
	}
	var command protocol.ServerCommand
	if err := codec.Unmarshal(readMessage(t, device, websocket.BinaryMessage), &command); err != nil {
		t.Fatalf("decoding command: %v", err)
	}
	if command.Command != "set_threshold" {
		t.Errorf("command = %q, want set_threshold", command.Command)
	}
	payload, ok := command.Payload.(map[string]any)
	if !ok || payload["value"] != 0.5 {
		t.Errorf("payload = %#v", command.Payload)
	}
}

func TestMalformedDeviceMessageKeepsConnection(t *testing.T) {
	h := newHarness(t)
	device := registerDevice(t, h, "camA")

	if err := device.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x13}); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	sendDevice(t, device, protocol.DeviceMessage{Type: protocol.TypeFrame, DeviceID: "camA", Image: []byte{7}})
	waitFor(t, "frame after garbage", func() bool {
		frame, _ := h.store.Frame("camA")
		return bytes.Equal(frame, []byte{7})
	})
}

func TestDiagnose(t *testing.T) {
	t.Run("cbor_message", func(t *testing.T) {
		data, err := codec.Marshal(map[string]any{"type": "telemetry", "device_id": "camA"})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if got := diagnose(data); !strings.Contains(got, `"camA"`) {
			t.Errorf("diagnose = %q, want the device id rendered", got)
		}
	})

	t.Run("not_cbor", func(t *testing.T) {
		if got := diagnose([]byte{0xff, 0xff}); !strings.HasPrefix(got, "(not CBOR") {
			t.Errorf("diagnose = %q, want a not-CBOR marker", got)
		}
	})

	t.Run("large_message_not_rendered", func(t *testing.T) {
		data, err := codec.Marshal(map[string]any{"image": make([]byte, maxDiagnoseInput)})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if got := diagnose(data); !strings.Contains(got, "too large") {
			t.Errorf("diagnose = %q, want a too-large marker", got)
		}
	})

	t.Run("long_notation_truncated", func(t *testing.T) {
		fields := make(map[string]any)
		for i := range 100 {
			fields["field_"+strconv.Itoa(i)] = i
		}
		data, err := codec.Marshal(fields)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if len(data) > maxDiagnoseInput {
			t.Fatalf("test message is %d bytes, over the render limit", len(data))
		}
		got := diagnose(data)
		if len(got) != maxDiagnoseOutput+len("...") || !strings.HasSuffix(got, "...") {
			t.Errorf("diagnose returned %d bytes, want %d truncated", len(got), maxDiagnoseOutput+3)
		}
	})
}
