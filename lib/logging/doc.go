// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the relay's process logger.
//
// Every component receives a *slog.Logger by injection. [New] returns
// a JSON handler writing to stderr and, when a directory is
// configured, also to a size-rotated file. When the active file would
// exceed its size limit it is closed, compressed with zstd to
// fleetrelay.log.1.zst, and older segments shift up by one; the oldest
// beyond the backup count is removed.
package logging
