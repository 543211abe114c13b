// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package mqttbridge connects the relay to the plant's MQTT bus.
//
// Outbound, every device status flip is published retained to
// {prefix}/{line}/{device}/presence with payload "online" or
// "offline", so PLCs and dashboards on the bus see camera presence
// without talking to the relay. The relay's own availability is
// published retained to {prefix}/relay/status and backed by a last
// will, so a crashed relay reads as "offline".
//
// Inbound, the bridge subscribes to {prefix}/+/+/command. A payload
// {"command": ..., "payload": ...} is routed to the named device's
// live session exactly as an operator HTTP command would be, and the
// outcome is published (not retained) to .../command/result.
//
// Publishing never blocks the caller: [Bridge.PresenceChanged] queues
// onto a bounded channel drained by [Bridge.Run], and drops when the
// queue is full. Retained presence is republished for every known
// device each time the broker connection is (re)established.
package mqttbridge
