// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the master configuration for the relay server.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server  ServerConfig  `yaml:"server"`
	Fleet   FleetConfig   `yaml:"fleet"`
	Devices DevicesConfig `yaml:"devices"`
	Viewers ViewersConfig `yaml:"viewers"`
	Storage StorageConfig `yaml:"storage"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
	MQTT    MQTTConfig    `yaml:"mqtt"`

	// Per-environment overrides, kept as raw YAML so they can be
	// decoded over the base config field by field.
	Development *yaml.Node `yaml:"development,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// ServerConfig configures the HTTP listener that carries the API, the
// MJPEG streams, and both WebSocket endpoints.
type ServerConfig struct {
	// Address is the TCP listen address. Default: ":8000".
	Address string `yaml:"address"`

	// ReadHeaderTimeout bounds how long a client may take to send
	// request headers. No write timeout is applied: MJPEG responses
	// and WebSocket connections are unbounded in length.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FleetConfig locates the fleet topology document.
type FleetConfig struct {
	// TopologyPath is a JSON (comments allowed) document mapping line
	// id to {name, devices}.
	TopologyPath string `yaml:"topology_path"`
}

// DevicesConfig tunes device sessions.
type DevicesConfig struct {
	// StaleAfter is how long a device may stay silent on an open
	// connection before it is marked offline. Zero disables the
	// staleness monitor. Default: 60s.
	StaleAfter time.Duration `yaml:"stale_after"`

	// SweepInterval is how often the staleness monitor runs.
	// Default: 5s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// OutboundQueue is the per-connection buffer of server commands
	// awaiting the writer. Default: 32.
	OutboundQueue int `yaml:"outbound_queue"`

	// MaxMessageBytes bounds one inbound WebSocket message (a JPEG
	// frame plus envelope). Default: 10 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// ViewersConfig tunes viewer sessions.
type ViewersConfig struct {
	// OutboundQueue is the per-viewer buffer of pending video frames.
	// A viewer whose buffer is full misses frames. Default: 8.
	OutboundQueue int `yaml:"outbound_queue"`

	// MaxMessageBytes bounds one inbound viewer message. Viewers only
	// send join/leave requests. Default: 4 KiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// StorageConfig locates the upload trees.
type StorageConfig struct {
	// UploadRoot receives device uploads, laid out as
	// <device_id>/<sub_folder>/<file>. Served read-only under /media/.
	UploadRoot string `yaml:"upload_root"`

	// DatasetRoot receives dataset uploads, laid out as
	// <sub_folder>/<file>.
	DatasetRoot string `yaml:"dataset_root"`

	// MaxUploadBytes bounds one upload request body. Default: 1 GiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// JournalConfig configures the session event journal.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`

	// Retention is how long journal entries are kept. Zero keeps
	// them forever. Default: 168h.
	Retention time.Duration `yaml:"retention"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Dir, when set, adds a rotating log file in this directory
	// alongside stderr.
	Dir string `yaml:"dir"`

	// MaxFileBytes is the size at which the log file is rotated.
	// Default: 5 MiB.
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	// Backups is how many compressed rotated files are kept.
	// Default: 3.
	Backups int `yaml:"backups"`
}

// MQTTConfig configures the plant message bus bridge.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://broker:1883. Empty disables
	// the bridge.
	Broker string `yaml:"broker"`

	// ClientID identifies this relay to the broker.
	ClientID string `yaml:"client_id"`

	// TopicPrefix roots every topic the bridge publishes or
	// subscribes to. Default: "fleet".
	TopicPrefix string `yaml:"topic_prefix"`

	// QoS is the MQTT quality of service for presence and commands.
	QoS byte `yaml:"qos"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the development defaults that a config file is
// decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Address:           ":8000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Fleet: FleetConfig{
			TopologyPath: "${FLEETRELAY_ROOT}/fleet.jsonc",
		},
		Devices: DevicesConfig{
			StaleAfter:      60 * time.Second,
			SweepInterval:   5 * time.Second,
			OutboundQueue:   32,
			MaxMessageBytes: 10 << 20,
		},
		Viewers: ViewersConfig{
			OutboundQueue:   8,
			MaxMessageBytes: 4 << 10,
		},
		Storage: StorageConfig{
			UploadRoot:     "${FLEETRELAY_ROOT}/uploads",
			DatasetRoot:    "${FLEETRELAY_ROOT}/datasets",
			MaxUploadBytes: 1 << 30,
		},
		Journal: JournalConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:        "info",
			MaxFileBytes: 5 << 20,
			Backups:      3,
		},
		MQTT: MQTTConfig{
			ClientID:    "fleetrelay",
			TopicPrefix: "fleet",
			QoS:         1,
		},
	}
}

// Load loads configuration from the file named by FLEETRELAY_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("FLEETRELAY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FLEETRELAY_CONFIG environment variable not set; " +
			"set it to the path of your fleetrelay.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the section for the
// configured environment, and expands path variables. It does not
// validate; call Validate on the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var overrides *yaml.Node
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return nil
	}

	environment := c.Environment
	if err := overrides.Decode(c); err != nil {
		return fmt.Errorf("%s section: %w", environment, err)
	}
	// An override section cannot switch environments.
	c.Environment = environment
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// FLEETRELAY_ROOT defaults to ~/.cache/fleetrelay when unset.
func (c *Config) expandVariables() {
	homeDirectory, _ := os.UserHomeDir()
	root := os.Getenv("FLEETRELAY_ROOT")
	if root == "" {
		root = filepath.Join(homeDirectory, ".cache", "fleetrelay")
	}
	vars := map[string]string{
		"HOME":            homeDirectory,
		"FLEETRELAY_ROOT": root,
	}

	for _, field := range []*string{
		&c.Fleet.TopologyPath,
		&c.Storage.UploadRoot,
		&c.Storage.DatasetRoot,
		&c.Journal.Path,
		&c.Logging.Dir,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, consulting vars first
// and then the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Fleet.TopologyPath == "" {
		errs = append(errs, errors.New("fleet.topology_path is required"))
	}

	if c.Devices.StaleAfter < 0 {
		errs = append(errs, errors.New("devices.stale_after must not be negative"))
	}
	if c.Devices.StaleAfter > 0 && c.Devices.SweepInterval <= 0 {
		errs = append(errs, errors.New("devices.sweep_interval must be positive when stale_after is set"))
	}
	if c.Devices.OutboundQueue <= 0 {
		errs = append(errs, errors.New("devices.outbound_queue must be positive"))
	}
	if c.Devices.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("devices.max_message_bytes must be positive"))
	}
	if c.Viewers.OutboundQueue <= 0 {
		errs = append(errs, errors.New("viewers.outbound_queue must be positive"))
	}
	if c.Viewers.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("viewers.max_message_bytes must be positive"))
	}

	if c.Storage.UploadRoot == "" {
		errs = append(errs, errors.New("storage.upload_root is required"))
	}
	if c.Storage.DatasetRoot == "" {
		errs = append(errs, errors.New("storage.dataset_root is required"))
	}
	if c.Storage.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("storage.max_upload_bytes must be positive"))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, errors.New("journal.retention must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	if c.Logging.Dir != "" {
		if c.Logging.MaxFileBytes <= 0 {
			errs = append(errs, errors.New("logging.max_file_bytes must be positive"))
		}
		if c.Logging.Backups < 0 {
			errs = append(errs, errors.New("logging.backups must not be negative"))
		}
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			errs = append(errs, errors.New("mqtt.client_id is required when mqtt.broker is set"))
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, errors.New("mqtt.topic_prefix is required when mqtt.broker is set"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1, or 2; got %d", c.MQTT.QoS))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the storage and log directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{
		c.Storage.UploadRoot,
		c.Storage.DatasetRoot,
		c.Logging.Dir,
	} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	if c.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Journal.Path), 0o755); err != nil {
			return fmt.Errorf("creating journal directory: %w", err)
		}
	}
	return nil
}
