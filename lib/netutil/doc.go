// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O helpers shared by the
// relay's transports and API.
//
// JSON helpers bound every body read: request bodies at
// MaxRequestSize, response bodies at MaxResponseSize. They are for
// small control-plane documents, not frames or uploads, which are
// streamed.
//
// [IsExpectedCloseError] classifies the errors a read or write returns
// when the peer hangs up normally, so connection loops can log them at
// debug level instead of as failures.
package netutil
