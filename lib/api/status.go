// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/qaeye/fleetrelay/lib/netutil"
	"github.com/qaeye/fleetrelay/lib/version"
)

// HostStatus is the relay host's load and resource use.
type HostStatus struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`

	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`

	// Storage fields describe the filesystem holding uploads. Zero
	// when no storage path is configured.
	StorageTotal       uint64  `json:"storage_total,omitempty"`
	StorageUsed        uint64  `json:"storage_used,omitempty"`
	StorageUsedPercent float64 `json:"storage_used_percent,omitempty"`
}

// ReadHostStatus samples load averages, memory, and the usage of the
// filesystem holding storagePath. Whatever can be read is returned
// alongside the joined errors of what could not.
func ReadHostStatus(ctx context.Context, storagePath string) (*HostStatus, error) {
	var status HostStatus
	var errs []error

	if average, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load average: %w", err))
	} else {
		status.Load1, status.Load5, status.Load15 = average.Load1, average.Load5, average.Load15
	}

	if memory, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		status.MemoryTotal = memory.Total
		status.MemoryUsed = memory.Used
		status.MemoryUsedPercent = memory.UsedPercent
	}

	if storagePath != "" {
		if usage, err := disk.UsageWithContext(ctx, storagePath); err != nil {
			errs = append(errs, fmt.Errorf("storage %s: %w", storagePath, err))
		} else {
			status.StorageTotal = usage.Total
			status.StorageUsed = usage.Used
			status.StorageUsedPercent = usage.UsedPercent
		}
	}
	return &status, errors.Join(errs...)
}

// Status is the body of GET /api/status.
type Status struct {
	Build         version.BuildInfo `json:"build"`
	StartedAt     time.Time         `json:"started_at"`
	UptimeSeconds float64           `json:"uptime_seconds"`

	ConfiguredDevices int `json:"configured_devices"`
	KnownDevices      int `json:"known_devices"`
	ConnectedDevices  int `json:"connected_devices"`
	ConnectedViewers  int `json:"connected_viewers"`

	FramesDelivered uint64 `json:"frames_delivered"`
	FramesDropped   uint64 `json:"frames_dropped"`
	JournalDropped  uint64 `json:"journal_dropped"`
	MQTTDropped     uint64 `json:"mqtt_dropped"`

	Host *HostStatus `json:"host,omitempty"`
}

func droppedBy(counter DropCounter) uint64 {
	if counter == nil {
		return 0
	}
	return counter.Dropped()
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	delivered, dropped := s.viewers.FrameCounts()
	status := Status{
		Build:             version.Build(),
		StartedAt:         s.startedAt,
		UptimeSeconds:     now.Sub(s.startedAt).Seconds(),
		ConfiguredDevices: s.registry.DeviceCount(),
		KnownDevices:      s.store.Len(),
		ConnectedDevices:  s.devices.ConnectedDevices(),
		ConnectedViewers:  s.viewers.ConnectedViewers(),
		FramesDelivered:   delivered,
		FramesDropped:     dropped,
		JournalDropped:    droppedBy(s.journalDrops),
		MQTTDropped:       droppedBy(s.mqttDrops),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	host, err := s.hostStats(ctx)
	if err != nil {
		s.logger.Debug("host status incomplete", "error", err)
	}
	status.Host = host

	s.writeJSON(w, r, http.StatusOK, status)
}
