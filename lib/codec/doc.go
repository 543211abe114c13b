// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides fleetrelay's CBOR encoding configuration.
//
// Edge devices speak CBOR on their WebSocket connection: frames carry
// raw JPEG bytes, which CBOR encodes as byte strings without the
// base64 inflation JSON would impose, and telemetry carries free-form
// maps. Viewers are browsers and speak JSON. Protocol types therefore
// use `json` struct tags only; fxamacker/cbor falls back to `json`
// tags when no `cbor` tag is present, so one set of tags names the
// fields on both wires.
//
// Every device message is one WebSocket message, so the API is
// buffer-oriented:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// [Diagnose] renders a message in CBOR diagnostic notation for debug
// logs.
//
// The decoder bounds nesting depth and map size so a misbehaving
// device cannot make the server allocate without limit while decoding
// a telemetry map.
package codec
