// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal keeps an append-only SQLite log of device session
// events: registrations, rejections, disconnects, commands, and
// staleness transitions. Operators read it through the events API to
// answer "when did camA last drop off, and what did we send it?".
//
// The journal is an audit trail, not a state store. Nothing is ever
// restored from it into live state.
//
// [Journal.Record] never blocks the caller: events go into a bounded
// buffer that [Journal.Run] drains in batches, one IMMEDIATE
// transaction per batch. When the buffer is full the event is dropped
// and counted. Rows older than the retention window are pruned hourly.
//
// Connections use WAL mode with NORMAL synchronous, so readers never
// block the writer.
package journal
