// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/qaeye/fleetrelay/lib/digest"
	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
	"github.com/qaeye/fleetrelay/lib/netutil"
)

// DeviceView is one live record as the API presents it.
type DeviceView struct {
	livestate.Snapshot
	LineID    string `json:"line_id,omitempty"`
	HasFrame  bool   `json:"has_frame"`
	Connected bool   `json:"connected"`
}

func (s *Server) view(snapshot livestate.Snapshot) DeviceView {
	view := DeviceView{Snapshot: snapshot, HasFrame: snapshot.HasFrame()}
	if line, ok := s.registry.LineOf(snapshot.DeviceID); ok {
		view.LineID = line.ID
	}
	_, view.Connected = s.devices.BoundSession(snapshot.DeviceID)
	return view
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	snapshots := s.store.Snapshots()
	views := make([]DeviceView, len(snapshots))
	for i, snapshot := range snapshots {
		views[i] = s.view(snapshot)
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	snapshot, ok := s.store.Snapshot(deviceID)
	if !ok {
		netutil.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %q has no live record", deviceID))
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.view(snapshot))
}

// frameETag is a strong validator derived from the frame bytes.
func frameETag(frame []byte) string {
	return `"` + digest.Sum(frame).Short() + `"`
}

func (s *Server) getFrame(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	frame, _ := s.store.Frame(deviceID)
	if len(frame) == 0 {
		netutil.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %q has no frame", deviceID))
		return
	}

	etag := frameETag(frame)
	header := w.Header()
	header.Set("ETag", etag)
	header.Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(frame)))
	w.WriteHeader(http.StatusOK)
	w.Write(frame)
}

// CommandRequest is the body of POST /api/devices/{device_id}/command.
type CommandRequest struct {
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var request CommandRequest
	if err := netutil.DecodeRequest(r.Body, &request); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, netutil.ErrRequestTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		netutil.WriteError(w, status, err.Error())
		return
	}
	if request.Command == "" {
		netutil.WriteError(w, http.StatusBadRequest, "command is required")
		return
	}
	if !s.registry.IsAllowed(deviceID) {
		netutil.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %q is not in the fleet", deviceID))
		return
	}

	if !s.devices.SendCommand(deviceID, request.Command, request.Payload) {
		netutil.WriteError(w, http.StatusConflict, fmt.Sprintf("device %q is not connected", deviceID))
		return
	}
	s.logger.Info("operator command delivered",
		"device_id", deviceID,
		"command", request.Command,
		"remote_addr", r.RemoteAddr,
	)
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "delivered"})
}

func (s *Server) listLines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.registry.AllLines())
}

// ReloadResponse is the body of a successful POST /api/fleet/reload.
type ReloadResponse struct {
	Status  string `json:"status"`
	Lines   int    `json:"lines"`
	Devices int    `json:"devices"`
}

func (s *Server) reloadFleet(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(); err != nil {
		netutil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, ReloadResponse{
		Status:  "ok",
		Lines:   len(s.registry.AllLines()),
		Devices: s.registry.DeviceCount(),
	})
}

const defaultEventLimit = 100

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		netutil.WriteError(w, http.StatusNotFound, "session journal is disabled")
		return
	}
	query := r.URL.Query()
	limit := defaultEventLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			netutil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(parsed, journal.MaxRecentLimit)
	}

	events, err := s.journal.Recent(r.Context(), query.Get("device_id"), limit)
	if err != nil {
		s.logger.Error("reading session journal", "error", err)
		netutil.WriteError(w, http.StatusInternalServerError, "reading session journal failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, events)
}
