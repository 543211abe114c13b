// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package mjpeg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/qaeye/fleetrelay/lib/clock"
)

// Boundary separates parts in the multipart stream.
const Boundary = "frame"

// ContentType is the response Content-Type of a stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Poll intervals. FrameInterval follows every pass; the other two are
// added to it when a pass writes nothing.
const (
	UnknownDeviceWait = time.Second
	NoFrameWait       = 100 * time.Millisecond
	FrameInterval     = 30 * time.Millisecond
)

// FrameSource reports the current frame of a device and whether the
// device has a live record at all. *livestate.Store satisfies it.
type FrameSource interface {
	Frame(deviceID string) (frame []byte, known bool)
}

// Streamer writes MJPEG streams. It holds no per-stream state and is
// safe for concurrent use.
type Streamer struct {
	source FrameSource
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Streamer reading frames from source.
func New(source FrameSource, clk clock.Clock, logger *slog.Logger) *Streamer {
	return &Streamer{source: source, clock: clk, logger: logger}
}

// ServeHTTP streams the device named by the {device_id} path value
// until the client goes away.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	header := w.Header()
	header.Set("Content-Type", ContentType)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	controller := http.NewResponseController(w)
	flush := func() {
		// Flush fails only when the writer does not support it, in
		// which case the server buffers and the client sees frames late.
		_ = controller.Flush()
	}
	flush()

	err := s.Stream(r.Context(), w, flush, deviceID)
	if err != nil {
		s.logger.Debug("mjpeg stream ended", "device_id", deviceID, "error", err)
	}
}

// Stream writes parts for deviceID to w until ctx is cancelled or a
// write fails. flush, if non-nil, is called after each part. A nil
// return means ctx ended the stream.
func (s *Streamer) Stream(ctx context.Context, w io.Writer, flush func(), deviceID string) error {
	parts := multipart.NewWriter(w)
	if err := parts.SetBoundary(Boundary); err != nil {
		return fmt.Errorf("mjpeg: setting boundary: %w", err)
	}

	for {
		frame, known := s.source.Frame(deviceID)

		var wait time.Duration
		switch {
		case !known:
			wait = UnknownDeviceWait + FrameInterval
		case frame == nil:
			wait = NoFrameWait + FrameInterval
		default:
			if err := writePart(parts, frame); err != nil {
				return fmt.Errorf("mjpeg: writing frame for %s: %w", deviceID, err)
			}
			if flush != nil {
				flush()
			}
			wait = FrameInterval
		}

		select {
		case <-ctx.Done():
			// Best effort: the client is usually gone already.
			_ = parts.Close()
			return nil
		case <-s.clock.After(wait):
		}
	}
}

func writePart(parts *multipart.Writer, frame []byte) error {
	header := make(textproto.MIMEHeader, 2)
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(frame)))
	part, err := parts.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(frame)
	return err
}
