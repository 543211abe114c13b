// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the relay's message types and envelopes.
//
// Every message on either WebSocket endpoint is one envelope whose
// "type" field names a [MessageType]. The set of types is closed;
// anything else is rejected at decode time so the per-role dispatch
// functions can switch exhaustively.
//
// Devices exchange CBOR envelopes (binary WebSocket messages), which
// carry JPEG frames as raw byte strings. Viewers exchange JSON
// envelopes (text WebSocket messages); encoding/json renders the same
// []byte image field as base64. Struct tags are `json` only: the CBOR
// codec falls back to them, so one set of field names serves both.
package protocol
