// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the active log file name inside the log directory.
const FileName = "fleetrelay.log"

// Config selects level and sinks.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Dir enables the rotating file sink when non-empty.
	Dir string

	// MaxFileBytes and Backups control rotation of the file sink.
	MaxFileBytes int64
	Backups      int

	// Stderr overrides the console sink. Nil means os.Stderr.
	Stderr io.Writer
}

// New builds the process logger and installs it as the slog default
// so third-party code using slog.Info shares the handler. The returned
// closer releases the file sink; it is a no-op when Dir is empty.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	console := cfg.Stderr
	if console == nil {
		console = os.Stderr
	}

	var (
		sink   io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if cfg.Dir != "" {
		file, err := OpenRotatingFile(filepath.Join(cfg.Dir, FileName), cfg.MaxFileBytes, cfg.Backups)
		if err != nil {
			return nil, nil, err
		}
		sink = io.MultiWriter(console, file)
		closer = file
	}

	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps a configured level name to a slog.Level. The empty
// string means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
