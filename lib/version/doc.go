// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity of the fleetrelay binary.
//
// Values are injected with -ldflags -X at build time:
//
//	go build -ldflags "-X github.com/qaeye/fleetrelay/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "unknown" and "0.1.0-dev". [Info] feeds
// the --version flag; [LogAttrs] is attached to the startup log line
// and [Full] to the status endpoint.
package version
