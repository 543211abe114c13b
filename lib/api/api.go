// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/qaeye/fleetrelay/lib/clock"
	"github.com/qaeye/fleetrelay/lib/fleet"
	"github.com/qaeye/fleetrelay/lib/journal"
	"github.com/qaeye/fleetrelay/lib/livestate"
	"github.com/qaeye/fleetrelay/lib/mjpeg"
	"github.com/qaeye/fleetrelay/lib/netutil"
	"github.com/qaeye/fleetrelay/lib/relay"
	"github.com/qaeye/fleetrelay/lib/upload"
	"github.com/qaeye/fleetrelay/lib/wsconn"
)

// EventSource reads the session journal.
type EventSource interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]journal.Event, error)
}

// DropCounter reports messages a background writer discarded because
// its queue was full.
type DropCounter interface {
	Dropped() uint64
}

// Config holds everything the API serves. Registry, Store, Devices,
// Viewers, Streamer, Sockets, Clock, and Logger are required.
type Config struct {
	Registry *fleet.Registry
	Store    *livestate.Store
	Devices  *relay.DeviceManager
	Viewers  *relay.ViewerManager
	Streamer *mjpeg.Streamer
	Sockets  *wsconn.Handler

	// Uploads serves /upload, /dataset_upload, and /media/. Nil
	// leaves those routes unregistered.
	Uploads *upload.Handler

	// MediaRoot is the directory served under /media/.
	MediaRoot string

	// Journal backs /api/events. Nil reports the journal as disabled.
	Journal EventSource

	// JournalDrops and MQTTDrops feed the drop counters of
	// /api/status. Nil reports zero.
	JournalDrops DropCounter
	MQTTDrops    DropCounter

	// HostStats reports host load. Nil samples the real host with
	// ReadHostStatus against MediaRoot.
	HostStats func(ctx context.Context) (*HostStatus, error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server holds the handlers' collaborators.
type Server struct {
	registry     *fleet.Registry
	store        *livestate.Store
	devices      *relay.DeviceManager
	viewers      *relay.ViewerManager
	journal      EventSource
	journalDrops DropCounter
	mqttDrops    DropCounter
	hostStats    func(ctx context.Context) (*HostStatus, error)
	clock        clock.Clock
	logger       *slog.Logger
	startedAt    time.Time
	mux          *http.ServeMux
}

// New builds the API and registers every route.
func New(config Config) *Server {
	hostStats := config.HostStats
	if hostStats == nil {
		hostStats = func(ctx context.Context) (*HostStatus, error) {
			return ReadHostStatus(ctx, config.MediaRoot)
		}
	}
	s := &Server{
		registry:     config.Registry,
		store:        config.Store,
		devices:      config.Devices,
		viewers:      config.Viewers,
		journal:      config.Journal,
		journalDrops: config.JournalDrops,
		mqttDrops:    config.MQTTDrops,
		hostStats:    hostStats,
		clock:        config.Clock,
		logger:       config.Logger,
		startedAt:    config.Clock.Now(),
		mux:          http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /ws/device", config.Sockets.ServeDevice)
	s.mux.HandleFunc("GET /ws/viewer", config.Sockets.ServeViewer)
	s.mux.Handle("GET /api/video_feed/{device_id}", config.Streamer)

	s.mux.HandleFunc("GET /api/devices", s.listDevices)
	s.mux.HandleFunc("GET /api/devices/{device_id}", s.getDevice)
	s.mux.HandleFunc("GET /api/devices/{device_id}/frame", s.getFrame)
	s.mux.HandleFunc("POST /api/devices/{device_id}/command", s.sendCommand)
	s.mux.HandleFunc("GET /api/lines", s.listLines)
	s.mux.HandleFunc("POST /api/fleet/reload", s.reloadFleet)
	s.mux.HandleFunc("GET /api/events", s.listEvents)
	s.mux.HandleFunc("GET /api/status", s.status)
	s.mux.HandleFunc("GET /health", s.health)

	if config.Uploads != nil {
		s.mux.HandleFunc("POST /upload", config.Uploads.ServeDeviceUpload)
		s.mux.HandleFunc("POST /dataset_upload", config.Uploads.ServeDatasetUpload)
		media := http.FileServer(noListing{http.Dir(config.MediaRoot)})
		s.mux.Handle("GET /media/", http.StripPrefix("/media", media))
	}
	return s
}

// ServeHTTP dispatches to the registered routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// writeJSON sends v, logging values that cannot be encoded.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := netutil.WriteJSON(w, status, v); err != nil {
		s.logger.Error("writing response", "method", r.Method, "path", r.URL.Path, "error", err)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// noListing serves files but reports directories as missing.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	file, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}
