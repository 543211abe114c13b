// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the fleetrelay
// server.
//
// Configuration is loaded from a single file named either by the
// FLEETRELAY_CONFIG environment variable (via [Load]) or by the
// --config flag (via [LoadFile]). There is no discovery and no
// per-field environment override: the file is the single source of
// truth.
//
// The file may carry development and production sections. After the
// base document is decoded, the section matching [Config].Environment
// is decoded on top of it, so an override only needs to name the
// fields it changes.
//
// Path fields (fleet topology, storage roots, journal database, log
// directory) support ${HOME}, ${FLEETRELAY_ROOT}, and ${VAR:-default}
// expansion.
//
// Key exports:
//
//   - [Config] -- master struct, one field per concern
//   - [Default] -- development defaults
//   - [Load] and [LoadFile] -- the two entry points
//   - [Config.Validate] -- reports every problem at once via errors.Join
package config
