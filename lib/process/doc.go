// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the one piece of raw output a fleetrelay
// binary needs: reporting a startup failure that happened before the
// structured logger existed.
package process
