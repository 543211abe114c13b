// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes the BLAKE3 content digests the relay hands
// out: frame ETags on the API and upload receipts returned to cameras.
//
// The canonical text form is lowercase hex of the full 32-byte digest.
// Short forms (see [Digest.Short]) are only for cache validators, never
// for integrity checks.
package digest
