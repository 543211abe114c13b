// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package mjpeg serves a device's latest frame as a pull-based
// multipart/x-mixed-replace stream, the format browsers render natively
// inside an <img> tag.
//
// The stream polls the live-state store rather than subscribing to
// broadcasts: every pass it reads the current frame, writes it as one
// part, and waits. Every pass ends with a 30ms wait; a pass that found
// no registered device first waits an extra second, and one that found
// a registered device without a frame an extra 100ms. The same frame is repeated
// until the device sends a new one, so a client that connects late still
// gets a picture immediately.
//
// All waits go through an injected [clock.Clock] and end when the
// request context is cancelled. Cancelling one stream releases only
// that stream's resources.
package mjpeg
