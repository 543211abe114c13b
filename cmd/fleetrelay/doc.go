// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// fleetrelay is the live relay between a fleet of edge cameras and the
// people watching them.
//
// Cameras connect to /ws/device, register with their device id, and
// stream JPEG frames and telemetry. Viewers connect to /ws/viewer and
// join the devices they want to watch; browsers can also pull
// /api/video_feed/{device_id} as MJPEG. Operators send commands through
// the HTTP API or the plant MQTT bus.
//
// Only devices listed in the fleet topology file may register. The
// topology is re-read on SIGHUP or POST /api/fleet/reload.
//
// Usage:
//
//	fleetrelay --config /etc/fleetrelay/fleetrelay.yaml
//
// Without --config the path is taken from FLEETRELAY_CONFIG. SIGINT and
// SIGTERM shut down gracefully.
package main
