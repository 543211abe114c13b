// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the relay's HTTP surface on one
// [http.ServeMux]: the WebSocket endpoints, the MJPEG stream, the
// read-only device and fleet views, operator commands, fleet reload,
// the session journal, uploads, and the media tree.
//
// Routes:
//
//	GET  /ws/device                          device WebSocket
//	GET  /ws/viewer                          viewer WebSocket
//	GET  /api/video_feed/{device_id}         MJPEG stream
//	GET  /api/devices                        every live record
//	GET  /api/devices/{device_id}            one live record
//	GET  /api/devices/{device_id}/frame      current frame as image/jpeg
//	POST /api/devices/{device_id}/command    deliver a server_command
//	GET  /api/lines                          fleet topology
//	POST /api/fleet/reload                   re-read the topology file
//	GET  /api/events                         session journal
//	GET  /api/status                         counters and host load
//	GET  /health                             liveness
//	POST /upload, /dataset_upload            file uploads
//	GET  /media/...                          stored uploads, read-only
//
// Errors are JSON bodies of the form {"error": "..."}.
package api
