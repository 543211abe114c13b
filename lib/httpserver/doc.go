// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpserver runs the relay's single HTTP listener, which
// carries the REST API, the MJPEG streams, and the WebSocket upgrades
// for devices and viewers.
//
// [Server.Serve] blocks until its context is cancelled. Every request
// context derives from that context, so long-lived MJPEG streams end
// as soon as shutdown begins instead of holding it open until the
// shutdown timeout.
package httpserver
