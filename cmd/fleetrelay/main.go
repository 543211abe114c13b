// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/qaeye/fleetrelay/lib/api"
	"github.com/qaeye/fleetrelay/lib/clock"
	"github.com/qaeye/fleetrelay/lib/config"
	"github.com/qaeye/fleetrelay/lib/fleet"
	"github.com/qaeye/fleetrelay/lib/httpserver"
	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
	"github.com/qaeye/fleetrelay/lib/logging"
	"github.com/qaeye/fleetrelay/lib/mjpeg"
	"github.com/qaeye/fleetrelay/lib/mqttbridge"
	"github.com/qaeye/fleetrelay/lib/process"
	"github.com/qaeye/fleetrelay/lib/relay"
	"github.com/qaeye/fleetrelay/lib/upload"
	"github.com/qaeye/fleetrelay/lib/version"
	"github.com/qaeye/fleetrelay/lib/wsconn"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("fleetrelay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to fleetrelay.yaml (default: $FLEETRELAY_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("fleetrelay %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:        cfg.Logging.Level,
		Dir:          cfg.Logging.Dir,
		MaxFileBytes: cfg.Logging.MaxFileBytes,
		Backups:      cfg.Logging.Backups,
	})
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("fleetrelay starting", append(version.LogAttrs(), "environment", cfg.Environment)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, stop, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// serve wires the relay together and runs it until ctx is cancelled.
func serve(ctx context.Context, stop context.CancelFunc, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.Real()

	var background sync.WaitGroup
	start := func(loop func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			loop()
		}()
	}
	var sessionJournal *journal.Journal
	defer func() {
		stop()
		background.Wait()
		if sessionJournal != nil {
			if err := sessionJournal.Close(); err != nil {
				logger.Error("closing session journal", "error", err)
			}
		}
	}()

	registry := fleet.New(logger)
	if err := registry.Load(cfg.Fleet.TopologyPath); err != nil {
		// Fail closed: the relay runs, but refuses every registration
		// until a reload succeeds.
		logger.Warn("starting with an empty fleet", "error", err)
	}
	start(func() { reloadOnHangup(ctx, registry, logger) })

	var recorder relay.EventRecorder
	var events api.EventSource
	var journalDrops, mqttDrops api.DropCounter
	if cfg.Journal.Path != "" {
		var err error
		sessionJournal, err = journal.Open(journal.Config{
			Path:      cfg.Journal.Path,
			Retention: cfg.Journal.Retention,
			Clock:     clk,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		start(func() { sessionJournal.Run(ctx) })
		recorder = sessionJournal
		events = sessionJournal
		journalDrops = sessionJournal
	}

	store := livestate.NewStore(clk, livestate.Placeholder())
	viewers := relay.NewViewerManager(logger)
	devices := relay.NewDeviceManager(relay.DeviceManagerConfig{
		Registry: registry,
		Store:    store,
		Viewers:  viewers,
		Clock:    clk,
		Logger:   logger,
		Journal:  recorder,
	})

	if cfg.MQTT.Broker != "" {
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Registry:    registry,
			Commands:    devices,
			Devices:     store,
			Logger:      logger,
		})
		devices.AddPresenceListener(bridge)
		mqttDrops = bridge
		start(func() { bridge.Run(ctx) })
	}

	if cfg.Devices.StaleAfter > 0 {
		monitor := relay.NewStalenessMonitor(devices, cfg.Devices.StaleAfter, cfg.Devices.SweepInterval)
		start(func() { monitor.Run(ctx) })
	}

	handler := api.New(api.Config{
		Registry: registry,
		Store:    store,
		Devices:  devices,
		Viewers:  viewers,
		Streamer: mjpeg.New(store, clk, logger),
		Sockets: wsconn.New(wsconn.Config{
			Devices:         devices,
			Viewers:         viewers,
			DeviceQueue:     cfg.Devices.OutboundQueue,
			ViewerQueue:     cfg.Viewers.OutboundQueue,
			DeviceReadLimit: cfg.Devices.MaxMessageBytes,
			ViewerReadLimit: cfg.Viewers.MaxMessageBytes,
			Logger:          logger,
		}),
		Uploads: upload.NewHandler(
			upload.NewStore(cfg.Storage.UploadRoot, cfg.Storage.DatasetRoot, cfg.Storage.MaxUploadBytes),
			logger,
		),
		MediaRoot:    cfg.Storage.UploadRoot,
		Journal:      events,
		JournalDrops: journalDrops,
		MQTTDrops:    mqttDrops,
		Clock:        clk,
		Logger:       logger,
	})

	server := httpserver.New(httpserver.Config{
		Address:           cfg.Server.Address,
		Handler:           handler,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Logger:            logger,
	})

	logger.Info("fleetrelay running",
		"address", cfg.Server.Address,
		"lines", len(registry.AllLines()),
		"devices", registry.DeviceCount(),
	)
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("fleetrelay stopped")
	return nil
}

// reloadOnHangup re-reads the fleet topology on every SIGHUP.
func reloadOnHangup(ctx context.Context, registry *fleet.Registry, logger *slog.Logger) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			if err := registry.Reload(); err != nil {
				logger.Error("fleet reload failed", "error", err)
				continue
			}
			logger.Info("fleet reloaded",
				"lines", len(registry.AllLines()),
				"devices", registry.DeviceCount(),
			)
		}
	}
}
