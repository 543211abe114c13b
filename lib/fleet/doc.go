// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet holds the static fleet topology: which production
// lines exist and which device ids belong to each.
//
// The topology is a JSON document (comments and trailing commas
// allowed) keyed by line id:
//
//	{
//	  // Packaging hall
//	  "L1": {"name": "Line 1", "devices": ["camA", "camB"]},
//	}
//
// A [Registry] answers membership questions for the device session
// manager. It is fail-closed: when the document is missing or
// malformed the registry becomes empty and every device is refused
// until a later [Registry.Reload] succeeds. A successful load replaces
// the whole topology in one atomic swap, so readers never observe a
// half-loaded fleet.
//
// A device belongs to exactly one line. A device id listed on two
// lines is refused, with a warning naming it, while every other device
// in the document loads.
package fleet
