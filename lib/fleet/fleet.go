// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/jsonc"
)

// ErrNotConfigured is returned by Reload before any Load call has
// named a topology file.
var ErrNotConfigured = errors.New("fleet: no topology path configured")

// Line is one production line and the devices installed on it.
type Line struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Devices []string `json:"devices"`
}

func (l Line) clone() Line {
	l.Devices = slices.Clone(l.Devices)
	return l
}

// lineDocument is one entry of the topology file.
type lineDocument struct {
	Name    string   `json:"name"`
	Devices []string `json:"devices"`
}

// topology is an immutable parsed fleet. Registries swap whole
// topologies and never mutate one in place.
type topology struct {
	lines      []Line // sorted by ID
	lineIndex  map[string]int
	deviceLine map[string]int
}

var emptyTopology = &topology{
	lineIndex:  map[string]int{},
	deviceLine: map[string]int{},
}

// Parse decodes a topology document. An empty device id or an empty
// line id is an error. A device listed on more than one line belongs
// to none: it is left off every line and returned in excluded, sorted,
// and the rest of the document loads normally.
func Parse(data []byte) (lines []Line, excluded []string, err error) {
	var document map[string]lineDocument
	if err := json.Unmarshal(jsonc.ToJSON(data), &document); err != nil {
		return nil, nil, fmt.Errorf("parsing topology: %w", err)
	}

	owner := make(map[string]string)
	conflicted := make(map[string]bool)
	for lineID, entry := range document {
		if lineID == "" {
			return nil, nil, errors.New("topology has a line with an empty id")
		}
		for _, deviceID := range entry.Devices {
			if deviceID == "" {
				return nil, nil, fmt.Errorf("line %q lists an empty device id", lineID)
			}
			if previous, ok := owner[deviceID]; ok && previous != lineID {
				conflicted[deviceID] = true
			}
			owner[deviceID] = lineID
		}
	}

	lines = make([]Line, 0, len(document))
	for lineID, entry := range document {
		devices := slices.DeleteFunc(slices.Clone(entry.Devices), func(deviceID string) bool {
			return conflicted[deviceID]
		})
		lines = append(lines, Line{ID: lineID, Name: entry.Name, Devices: devices})
	}
	slices.SortFunc(lines, func(a, b Line) int {
		return strings.Compare(a.ID, b.ID)
	})
	excluded = slices.Sorted(maps.Keys(conflicted))
	return lines, excluded, nil
}

func newTopology(lines []Line) *topology {
	built := &topology{
		lines:      lines,
		lineIndex:  make(map[string]int, len(lines)),
		deviceLine: make(map[string]int),
	}
	for index, line := range lines {
		built.lineIndex[line.ID] = index
		for _, deviceID := range line.Devices {
			built.deviceLine[deviceID] = index
		}
	}
	return built
}

// Registry answers fleet membership queries. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	// loadMu serializes Load and Reload so two concurrent reloads
	// cannot interleave read and swap.
	loadMu sync.Mutex
	path   string

	current atomic.Pointer[topology]
}

// New returns an empty registry. Every device is refused until Load
// succeeds.
func New(logger *slog.Logger) *Registry {
	registry := &Registry{logger: logger}
	registry.current.Store(emptyTopology)
	return registry
}

// Load reads the topology at path and swaps it in. On failure the
// registry is emptied, the error is logged, and the error is returned;
// the path is remembered either way so Reload can retry it.
func (r *Registry) Load(path string) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.path = path
	return r.loadLocked()
}

// Reload re-reads the most recently loaded path.
func (r *Registry) Reload() error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.path == "" {
		return ErrNotConfigured
	}
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	data, err := os.ReadFile(r.path)
	if err == nil {
		var lines []Line
		var excluded []string
		lines, excluded, err = Parse(data)
		if err == nil {
			if len(excluded) > 0 {
				r.logger.Warn("devices listed on more than one line; refusing them",
					"path", r.path,
					"device_ids", excluded,
				)
			}
			loaded := newTopology(lines)
			r.current.Store(loaded)
			r.logger.Info("fleet topology loaded",
				"path", r.path,
				"lines", len(loaded.lines),
				"devices", len(loaded.deviceLine),
			)
			return nil
		}
	}

	r.current.Store(emptyTopology)
	r.logger.Error("fleet topology load failed; refusing all devices",
		"path", r.path,
		"error", err,
	)
	return fmt.Errorf("loading fleet topology %s: %w", r.path, err)
}

// IsAllowed reports whether deviceID appears in the current topology.
func (r *Registry) IsAllowed(deviceID string) bool {
	_, ok := r.current.Load().deviceLine[deviceID]
	return ok
}

// LineOf returns the line deviceID belongs to.
func (r *Registry) LineOf(deviceID string) (Line, bool) {
	current := r.current.Load()
	index, ok := current.deviceLine[deviceID]
	if !ok {
		return Line{}, false
	}
	return current.lines[index].clone(), true
}

// Line returns the line with the given id.
func (r *Registry) Line(lineID string) (Line, bool) {
	current := r.current.Load()
	index, ok := current.lineIndex[lineID]
	if !ok {
		return Line{}, false
	}
	return current.lines[index].clone(), true
}

// AllLines returns every line ordered by line id.
func (r *Registry) AllLines() []Line {
	current := r.current.Load()
	lines := make([]Line, len(current.lines))
	for index, line := range current.lines {
		lines[index] = line.clone()
	}
	return lines
}

// DeviceCount returns the number of devices in the current topology.
func (r *Registry) DeviceCount() int {
	return len(r.current.Load().deviceLine)
}
