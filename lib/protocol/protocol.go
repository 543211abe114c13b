// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qaeye/fleetrelay/lib/codec"
)

// MessageType is the "type" field of an envelope.
type MessageType string

const (
	// Device to server.
	TypeRegister  MessageType = "register"
	TypeFrame     MessageType = "frame"
	TypeTelemetry MessageType = "telemetry"

	// Server to device.
	TypeServerCommand MessageType = "server_command"
	TypeError         MessageType = "error"

	// Viewer to server.
	TypeJoinDevice  MessageType = "join_device"
	TypeLeaveDevice MessageType = "leave_device"

	// Server to viewer.
	TypeVideoFrame MessageType = "video_frame"
)

// Commands the server sends to every device right after accepting its
// registration.
const (
	CommandGetConfig     = "get_config"
	CommandResendDatalog = "resend_datalog"
)

// ErrUnknownType is returned when an inbound envelope's type is not
// one its role may send.
var ErrUnknownType = errors.New("protocol: unknown message type")

// DeviceMessage is any envelope a device sends. Which fields are
// meaningful depends on Type.
type DeviceMessage struct {
	Type     MessageType    `json:"type"`
	DeviceID string         `json:"device_id,omitempty"`
	Image    []byte         `json:"image,omitempty"`
	Mode     string         `json:"mode,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ServerCommand instructs one device. Payload is command-specific and
// may be nil.
type ServerCommand struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command"`
	Payload any         `json:"payload"`
}

// ErrorMessage tells a device one of its messages was rejected.
type ErrorMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id,omitempty"`
	Error    string      `json:"error"`
}

// ViewerMessage is any envelope a viewer sends.
type ViewerMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
}

// VideoFrame carries one frame to viewers watching a device. Image is
// base64 in the JSON encoding.
type VideoFrame struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
	Image    []byte      `json:"image"`
}

// DecodeDevice decodes one CBOR device envelope.
func DecodeDevice(data []byte) (DeviceMessage, error) {
	var message DeviceMessage
	if err := codec.Unmarshal(data, &message); err != nil {
		return DeviceMessage{}, fmt.Errorf("decoding device message: %w", err)
	}
	switch message.Type {
	case TypeRegister, TypeFrame, TypeTelemetry:
		return message, nil
	}
	return DeviceMessage{}, fmt.Errorf("%w from device: %q", ErrUnknownType, message.Type)
}

// DecodeViewer decodes one JSON viewer envelope.
func DecodeViewer(data []byte) (ViewerMessage, error) {
	var message ViewerMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return ViewerMessage{}, fmt.Errorf("decoding viewer message: %w", err)
	}
	switch message.Type {
	case TypeJoinDevice, TypeLeaveDevice:
		return message, nil
	}
	return ViewerMessage{}, fmt.Errorf("%w from viewer: %q", ErrUnknownType, message.Type)
}

// EncodeCommand encodes a server_command for a device.
func EncodeCommand(command string, payload any) ([]byte, error) {
	return codec.Marshal(ServerCommand{Type: TypeServerCommand, Command: command, Payload: payload})
}

// EncodeError encodes an error message for a device.
func EncodeError(deviceID, reason string) ([]byte, error) {
	return codec.Marshal(ErrorMessage{Type: TypeError, DeviceID: deviceID, Error: reason})
}

// EncodeVideoFrame encodes a video_frame for viewers.
func EncodeVideoFrame(deviceID string, image []byte) ([]byte, error) {
	return json.Marshal(VideoFrame{Type: TypeVideoFrame, DeviceID: deviceID, Image: image})
}
