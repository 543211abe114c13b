// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/qaeye/fleetrelay/lib/netutil"
)

// maxMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const maxMemory = 32 << 20

// Response is the JSON body of a successful upload.
type Response struct {
	Status string `json:"status"`
	Result
}

// Handler serves the two upload endpoints.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler returns a Handler writing into store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// ServeDeviceUpload handles POST /upload with multipart fields file,
// device_id, file_type, and filename.
func (h *Handler) ServeDeviceUpload(w http.ResponseWriter, r *http.Request) {
	file, ok := h.openFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	deviceID := r.FormValue("device_id")
	fileType := r.FormValue("file_type")
	filename := r.FormValue("filename")

	result, err := h.store.SaveDeviceFile(deviceID, fileType, filename, file)
	if err != nil {
		h.fail(w, err, "device_id", deviceID, "filename", filename)
		return
	}
	h.logger.Info("device file received",
		"device_id", deviceID,
		"path", result.Path,
		"bytes", result.Size,
	)
	h.writeResult(w, result)
}

// ServeDatasetUpload handles POST /dataset_upload with multipart
// fields file and sub_folder. The stored name is the file part's own
// filename.
func (h *Handler) ServeDatasetUpload(w http.ResponseWriter, r *http.Request) {
	file, ok := h.openFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	subFolder := r.FormValue("sub_folder")
	filename := h.partFilename(r)

	result, err := h.store.SaveDatasetFile(subFolder, filename, file)
	if err != nil {
		h.fail(w, err, "sub_folder", subFolder, "filename", filename)
		return
	}
	h.logger.Info("dataset file received", "path", result.Path, "bytes", result.Size)
	h.writeResult(w, result)
}

func (h *Handler) writeResult(w http.ResponseWriter, result Result) {
	if err := netutil.WriteJSON(w, http.StatusOK, Response{Status: "success", Result: result}); err != nil {
		h.logger.Error("writing upload response", "path", result.Path, "error", err)
	}
}

func (h *Handler) openFile(w http.ResponseWriter, r *http.Request) (multipart.File, bool) {
	if h.store.maxBytes > 0 {
		// Leave room for the other form fields and multipart framing.
		r.Body = http.MaxBytesReader(w, r.Body, h.store.maxBytes+1<<20)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			netutil.WriteError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return nil, false
		}
		netutil.WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return nil, false
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		netutil.WriteError(w, http.StatusBadRequest, "missing file part")
		return nil, false
	}
	return file, true
}

func (h *Handler) partFilename(r *http.Request) string {
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		return ""
	}
	return headers[0].Filename
}

func (h *Handler) fail(w http.ResponseWriter, err error, attrs ...any) {
	switch {
	case errors.Is(err, ErrInvalidPath):
		netutil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTooLarge):
		netutil.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		h.logger.Error("storing upload failed", append(attrs, "error", err)...)
		netutil.WriteError(w, http.StatusInternalServerError, "storing upload failed")
	}
}
