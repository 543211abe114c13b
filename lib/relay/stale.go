// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"time"

	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
)

// StalenessMonitor periodically marks offline the devices that have
// sent nothing for longer than staleAfter. Session bindings are left
// intact: commands still reach the device, and its next frame or
// telemetry message brings it back online.
type StalenessMonitor struct {
	manager    *DeviceManager
	staleAfter time.Duration
	interval   time.Duration
}

// NewStalenessMonitor returns a monitor sweeping every interval.
func NewStalenessMonitor(manager *DeviceManager, staleAfter, interval time.Duration) *StalenessMonitor {
	return &StalenessMonitor{manager: manager, staleAfter: staleAfter, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *StalenessMonitor) Run(ctx context.Context) {
	ticker := s.manager.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.manager.logger.Info("staleness monitor started",
		"stale_after", s.staleAfter.String(),
		"interval", s.interval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass and returns the ids it marked offline.
func (s *StalenessMonitor) Sweep() []string {
	m := s.manager
	stale := m.store.MarkStale(m.clock.Now().Add(-s.staleAfter))
	for _, deviceID := range stale {
		m.logger.Warn("device stale; marked offline",
			"device_id", deviceID,
			"stale_after", s.staleAfter.String(),
		)
		sessionID, _ := m.BoundSession(deviceID)
		m.record(journal.KindStale, deviceID, sessionID, "no messages for "+s.staleAfter.String())
		m.notifyPresence(deviceID, livestate.Offline)
	}
	return stale
}
