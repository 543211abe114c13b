// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload receives files that cameras push over plain HTTP:
// recorded clips, annotated clips, snapshots, datalogs, and training
// dataset samples.
//
// Device files land in <upload root>/<device id>/<sub folder>/<name>,
// where the sub folder follows from the declared file type (see
// [SubFolder]). Dataset files land in <dataset root>/<sub folder>/<name>.
// Every path component a client supplies is validated; nothing can
// escape the configured roots.
//
// Files are written to a temporary name and renamed into place, so a
// reader never sees a partial file. The response carries the BLAKE3
// digest of what was stored so the camera can verify the transfer
// before deleting its local copy.
//
// Uploads never touch live device state.
package upload
