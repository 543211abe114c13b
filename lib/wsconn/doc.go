// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsconn terminates the two WebSocket endpoints and adapts each
// connection to a [relay.Session].
//
// /ws/device carries binary messages, one CBOR envelope each, in both
// directions. /ws/viewer carries text messages holding JSON envelopes.
//
// Every connection has one reader goroutine (the HTTP handler itself)
// and one writer goroutine draining a bounded outbound queue. The
// managers only ever enqueue: [Conn.Send] returns false instead of
// blocking when the queue is full, so a slow viewer loses frames
// without delaying ingestion from the camera. The writer also sends
// periodic pings, and the reader drops the connection when pongs stop.
//
// When the read loop ends, for any reason, the connection is
// unregistered from its manager and closed. Graceful leave and
// transport failure take the same path.
package wsconn
