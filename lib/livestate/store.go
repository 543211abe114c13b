// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package livestate

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/qaeye/fleetrelay/lib/clock"
)

var (
	// ErrUnknownDevice is returned for a device id with no live
	// record, meaning the device has never registered.
	ErrUnknownDevice = errors.New("livestate: unknown device")

	// ErrUnknownMode is returned for a telemetry mode other than
	// stats or configs.
	ErrUnknownMode = errors.New("livestate: unknown telemetry mode")
)

// Status is a device's connectivity as last observed.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Mode selects which telemetry map a telemetry message merges into.
type Mode string

const (
	ModeStats   Mode = "stats"
	ModeConfigs Mode = "configs"
)

// ParseMode accepts exactly the two telemetry targets.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeStats, ModeConfigs:
		return Mode(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

// Snapshot is a read-only copy of one live record.
type Snapshot struct {
	DeviceID   string         `json:"device_id"`
	Status     Status         `json:"status"`
	Stats      map[string]any `json:"stats"`
	Configs    map[string]any `json:"configs"`
	LastSeenAt time.Time      `json:"last_seen_at"`

	// Frame is the latest frame, or the placeholder before the device
	// has sent one. Shared with the store; do not modify.
	Frame []byte `json:"-"`

	// Placeholder is true while Frame is still the synthesized
	// no-signal image.
	Placeholder bool `json:"placeholder"`
}

// HasFrame reports whether the record holds any frame, real or
// placeholder.
func (s Snapshot) HasFrame() bool { return len(s.Frame) > 0 }

type record struct {
	mu          sync.Mutex
	status      Status
	frame       []byte
	placeholder bool
	stats       map[string]any
	configs     map[string]any
	lastSeenAt  time.Time
}

// touchLocked marks the device as heard from now and reports whether
// that brought it back online.
func (r *record) touchLocked(now time.Time) bool {
	wasOffline := r.status != Online
	r.status = Online
	r.lastSeenAt = now
	return wasOffline
}

func (r *record) snapshotLocked(deviceID string) Snapshot {
	return Snapshot{
		DeviceID:    deviceID,
		Status:      r.status,
		Stats:       maps.Clone(r.stats),
		Configs:     maps.Clone(r.configs),
		LastSeenAt:  r.lastSeenAt,
		Frame:       r.frame,
		Placeholder: r.placeholder,
	}
}

// Store maps device id to live record. Construct with NewStore.
type Store struct {
	clock       clock.Clock
	placeholder []byte

	mu      sync.RWMutex
	records map[string]*record
}

// NewStore returns an empty store. placeholder is the frame a record
// starts with; nil leaves new records frameless until the device sends
// its first frame.
func NewStore(clk clock.Clock, placeholder []byte) *Store {
	return &Store{
		clock:       clk,
		placeholder: placeholder,
		records:     make(map[string]*record),
	}
}

func (s *Store) lookup(deviceID string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[deviceID]
}

// Activate creates the record for deviceID, or reactivates it if it
// exists. A new record is online with the placeholder frame and empty
// telemetry maps; an existing one keeps its frame and telemetry and is
// set online. created reports which happened; cameOnline reports
// whether the status changed.
func (s *Store) Activate(deviceID string) (created, cameOnline bool) {
	now := s.clock.Now()

	s.mu.Lock()
	existing, ok := s.records[deviceID]
	if !ok {
		s.records[deviceID] = &record{
			status:      Online,
			frame:       s.placeholder,
			placeholder: s.placeholder != nil,
			stats:       map[string]any{},
			configs:     map[string]any{},
			lastSeenAt:  now,
		}
		s.mu.Unlock()
		return true, true
	}
	s.mu.Unlock()

	existing.mu.Lock()
	defer existing.mu.Unlock()
	return false, existing.touchLocked(now)
}

// UpdateFrame replaces the device's frame and marks it online.
func (s *Store) UpdateFrame(deviceID string, frame []byte) (cameOnline bool, err error) {
	entry := s.lookup(deviceID)
	if entry == nil {
		return false, ErrUnknownDevice
	}
	now := s.clock.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.frame = frame
	entry.placeholder = false
	return entry.touchLocked(now), nil
}

// MergeTelemetry merges data into the map mode selects, field by
// field: keys in data overwrite, keys absent from data are kept. The
// message also counts as proof of life.
//
// NaN and infinite floats, at any depth, are stored as the strings
// "NaN", "+Inf", and "-Inf" so every record stays JSON-encodable.
func (s *Store) MergeTelemetry(deviceID string, mode Mode, data map[string]any) (cameOnline bool, err error) {
	if mode != ModeStats && mode != ModeConfigs {
		return false, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	entry := s.lookup(deviceID)
	if entry == nil {
		return false, ErrUnknownDevice
	}
	now := s.clock.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	target := entry.stats
	if mode == ModeConfigs {
		target = entry.configs
	}
	for key, value := range data {
		target[key] = finiteValue(value)
	}
	return entry.touchLocked(now), nil
}

// finiteValue returns value with every non-finite float replaced by
// its string form. Maps and slices are copied only on the way down;
// the caller's data is never modified.
func finiteValue(value any) any {
	switch v := value.(type) {
	case float64:
		return finiteFloat(v)
	case float32:
		return finiteFloat(float64(v))
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, element := range v {
			out[key] = finiteValue(element)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = finiteValue(element)
		}
		return out
	}
	return value
}

func finiteFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return f
}

// SetOffline marks the device offline, retaining every other field.
func (s *Store) SetOffline(deviceID string) (wentOffline bool, err error) {
	entry := s.lookup(deviceID)
	if entry == nil {
		return false, ErrUnknownDevice
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	wentOffline = entry.status == Online
	entry.status = Offline
	return wentOffline, nil
}

// MarkStale sets offline every online device last heard from before
// cutoff and returns their ids, sorted.
func (s *Store) MarkStale(cutoff time.Time) []string {
	s.mu.RLock()
	candidates := make(map[string]*record, len(s.records))
	maps.Copy(candidates, s.records)
	s.mu.RUnlock()

	var stale []string
	for deviceID, entry := range candidates {
		entry.mu.Lock()
		if entry.status == Online && entry.lastSeenAt.Before(cutoff) {
			entry.status = Offline
			stale = append(stale, deviceID)
		}
		entry.mu.Unlock()
	}
	slices.Sort(stale)
	return stale
}

// Frame returns the device's current frame. known is false when the
// device has no record; frame is nil when the record has no frame.
func (s *Store) Frame(deviceID string) (frame []byte, known bool) {
	entry := s.lookup(deviceID)
	if entry == nil {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.frame, true
}

// Snapshot returns a copy of one record.
func (s *Store) Snapshot(deviceID string) (Snapshot, bool) {
	entry := s.lookup(deviceID)
	if entry == nil {
		return Snapshot{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshotLocked(deviceID), true
}

// Snapshots returns a copy of every record, ordered by device id.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	deviceIDs := slices.Sorted(maps.Keys(s.records))
	entries := make([]*record, len(deviceIDs))
	for index, deviceID := range deviceIDs {
		entries[index] = s.records[deviceID]
	}
	s.mu.RUnlock()

	snapshots := make([]Snapshot, len(entries))
	for index, entry := range entries {
		entry.mu.Lock()
		snapshots[index] = entry.snapshotLocked(deviceIDs[index])
		entry.mu.Unlock()
	}
	return snapshots
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Known reports whether deviceID has a record.
func (s *Store) Known(deviceID string) bool {
	return s.lookup(deviceID) != nil
}
