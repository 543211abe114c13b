// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/qaeye/fleetrelay/lib/fleet"
	"github.com/qaeye/fleetrelay/lib/livestate"
)

const (
	// unassignedLine stands in for the line of a device a reload has
	// removed from the topology.
	unassignedLine = "unassigned"

	queueSize       = 256
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // milliseconds
)

// LineResolver maps a device to its production line.
type LineResolver interface {
	LineOf(deviceID string) (fleet.Line, bool)
}

// CommandSender delivers a command to a device's live session.
type CommandSender interface {
	SendCommand(deviceID, command string, payload any) bool
}

// StatusSource lists every live record, for republishing presence on
// reconnect.
type StatusSource interface {
	Snapshots() []livestate.Snapshot
}

// Config configures a Bridge. Broker, Registry, Commands, Devices, and
// Logger are required.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string

	Registry LineResolver
	Commands CommandSender
	Devices  StatusSource
	Logger   *slog.Logger
}

// message is one pending publish.
type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge is the relay's MQTT client. It implements
// relay.PresenceListener.
type Bridge struct {
	client   mqtt.Client
	prefix   string
	qos      byte
	registry LineResolver
	commands CommandSender
	devices  StatusSource
	logger   *slog.Logger

	outbound chan message
	dropped  atomic.Uint64
}

// New builds a Bridge. Nothing connects until Run.
func New(config Config) *Bridge {
	b := &Bridge{
		prefix:   strings.TrimSuffix(config.TopicPrefix, "/"),
		qos:      config.QoS,
		registry: config.Registry,
		commands: config.Commands,
		devices:  config.Devices,
		logger:   config.Logger.With("broker", config.Broker),
		outbound: make(chan message, queueSize),
	}

	options := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.relayStatusTopic(), "offline", config.QoS, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "error", err)
		})
	b.client = mqtt.NewClient(options)
	return b
}

// PresenceTopic is where a device's retained presence lives.
func PresenceTopic(prefix, lineID, deviceID string) string {
	return prefix + "/" + lineID + "/" + deviceID + "/presence"
}

// CommandFilter is the subscription covering every device's command
// topic.
func CommandFilter(prefix string) string {
	return prefix + "/+/+/command"
}

// ParseCommandTopic splits {prefix}/{line}/{device}/command.
func ParseCommandTopic(prefix, topic string) (lineID, deviceID string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "command" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (b *Bridge) relayStatusTopic() string {
	return b.prefix + "/relay/status"
}

func (b *Bridge) lineOf(deviceID string) string {
	if line, ok := b.registry.LineOf(deviceID); ok {
		return line.ID
	}
	return unassignedLine
}

// enqueue offers one publish to the Run loop without blocking.
func (b *Bridge) enqueue(topic string, payload []byte, retained bool) bool {
	select {
	case b.outbound <- message{topic: topic, payload: payload, retained: retained}:
		return true
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("mqtt publish queue full; dropping messages")
		}
		return false
	}
}

// Dropped returns how many publishes were discarded for a full queue.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// PresenceChanged queues a retained presence publish. It never blocks.
func (b *Bridge) PresenceChanged(deviceID string, status livestate.Status) {
	b.enqueue(PresenceTopic(b.prefix, b.lineOf(deviceID), deviceID), []byte(status), true)
}

// onConnect runs on every (re)connect: subscribe, announce the relay,
// and republish presence for every known device.
func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info("mqtt connected")

	token := client.Subscribe(CommandFilter(b.prefix), b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go b.await(token, "subscribing to command topics")

	b.enqueue(b.relayStatusTopic(), []byte("online"), true)
	for _, snapshot := range b.devices.Snapshots() {
		b.PresenceChanged(snapshot.DeviceID, snapshot.Status)
	}
}

func (b *Bridge) await(token mqtt.Token, what string) {
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("mqtt operation timed out", "operation", what)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("mqtt operation failed", "operation", what, "error", err)
	}
}

// CommandMessage is the payload of a command topic.
type CommandMessage struct {
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

// CommandResult is published to {command topic}/result.
type CommandResult struct {
	Command   string `json:"command"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// handleCommand routes one inbound command message.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	lineID, deviceID, ok := ParseCommandTopic(b.prefix, topic)
	if !ok {
		b.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return
	}

	result := b.routeCommand(lineID, deviceID, payload)
	if encoded, err := json.Marshal(result); err == nil {
		b.enqueue(topic+"/result", encoded, false)
	}
}

func (b *Bridge) routeCommand(lineID, deviceID string, payload []byte) CommandResult {
	var command CommandMessage
	if err := json.Unmarshal(payload, &command); err != nil {
		b.logger.Warn("malformed mqtt command", "device_id", deviceID, "error", err)
		return CommandResult{Error: "malformed command payload"}
	}
	if command.Command == "" {
		return CommandResult{Error: "command is required"}
	}

	line, known := b.registry.LineOf(deviceID)
	if !known || line.ID != lineID {
		b.logger.Warn("mqtt command for device not on line",
			"device_id", deviceID,
			"line_id", lineID,
			"command", command.Command,
		)
		return CommandResult{Command: command.Command, Error: "device is not on this line"}
	}

	if !b.commands.SendCommand(deviceID, command.Command, command.Payload) {
		return CommandResult{Command: command.Command, Error: "device is not connected"}
	}
	b.logger.Info("mqtt command delivered", "device_id", deviceID, "command", command.Command)
	return CommandResult{Command: command.Command, Delivered: true}
}

// Run connects to the broker and publishes queued messages until ctx
// is cancelled, then marks the relay offline and disconnects.
func (b *Bridge) Run(ctx context.Context) {
	// With connect retry enabled the token only completes once a
	// connection is up, so it is not waited on here.
	b.client.Connect()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case msg := <-b.outbound:
			b.publish(msg)
		}
	}
}

func (b *Bridge) publish(msg message) {
	if !b.client.IsConnectionOpen() {
		b.logger.Debug("mqtt not connected; dropping publish", "topic", msg.topic)
		return
	}
	token := b.client.Publish(msg.topic, b.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("mqtt publish timed out", "topic", msg.topic)
		return
	}
	if err := token.Error(); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		b.logger.Warn("mqtt publish failed", "topic", msg.topic, "error", err)
	}
}

func (b *Bridge) shutdown() {
	if b.client.IsConnectionOpen() {
		b.publish(message{topic: b.relayStatusTopic(), payload: []byte("offline"), retained: true})
	}
	b.client.Disconnect(disconnectQuiet)
	b.logger.Info("mqtt bridge stopped")
}
