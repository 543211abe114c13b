// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The relay has two time-driven loops: the MJPEG stream adapter,
// which paces each viewer's multipart writer, and the staleness
// monitor, which periodically marks silent devices offline. Both take
// a Clock instead of calling the time package so tests can drive them
// deterministically:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go stream.Serve(ctx, writer)
//	fake.WaitForTimers(1)               // loop is parked on its cadence timer
//	fake.Advance(100 * time.Millisecond) // release exactly one pass
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
