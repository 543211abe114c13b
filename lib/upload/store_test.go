// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qaeye/fleetrelay/lib/digest"
	"github.com/qaeye/fleetrelay/lib/testutil"
)

func TestSubFolder(t *testing.T) {
	tests := []struct {
		fileType, filename, want string
	}{
		{"video", "camA_20260301_ANN_0001.mp4", "annotated_videos"},
		{"video", "camA_20260301_0001.mp4", "videos"},
		{"image", "snap.jpg", "images"},
		{"datalog", "run.csv", "datalogs"},
		{"config", "camA.json", "configs"},
	}
	for _, test := range tests {
		t.Run(test.fileType+"_"+test.want, func(t *testing.T) {
			if got := SubFolder(test.fileType, test.filename); got != test.want {
				t.Errorf("SubFolder(%q, %q) = %q, want %q", test.fileType, test.filename, got, test.want)
			}
		})
	}
}

func TestValidateComponent(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "../etc", "x\x00y"} {
		if err := ValidateComponent(bad); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ValidateComponent(%q) = %v, want ErrInvalidPath", bad, err)
		}
	}
	for _, good := range []string{"camA", "clip.mp4", "..hidden", "a..b"} {
		if err := ValidateComponent(good); err != nil {
			t.Errorf("ValidateComponent(%q) = %v", good, err)
		}
	}
}

func TestValidateRelative(t *testing.T) {
	if err := ValidateRelative("line1/defects"); err != nil {
		t.Errorf("nested path rejected: %v", err)
	}
	for _, bad := range []string{"", "/abs", "a//b", "a/../b", "trailing/"} {
		if err := ValidateRelative(bad); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ValidateRelative(%q) = %v, want ErrInvalidPath", bad, err)
		}
	}
}

func TestSaveDeviceFile(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "dataset"), 0)
	content := []byte("mp4 bytes")

	result, err := store.SaveDeviceFile("camA", "video", "camA_ANN_1.mp4", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("SaveDeviceFile: %v", err)
	}
	if result.Path != "camA/annotated_videos/camA_ANN_1.mp4" || result.Folder != "annotated_videos" {
		t.Errorf("result = %+v", result)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", result.Size, len(content))
	}
	storedPath := filepath.Join(root, "uploads", "camA", "annotated_videos", "camA_ANN_1.mp4")
	if result.BLAKE3 != digest.Sum(content).String() {
		t.Errorf("digest = %s, want %s", result.BLAKE3, digest.Sum(content))
	}

	stored, err := os.ReadFile(storedPath)
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Errorf("stored %q, want %q", stored, content)
	}

	entries, err := os.ReadDir(filepath.Join(root, "uploads", "camA", "annotated_videos"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the stored file", len(entries))
	}
}

func TestSaveRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "dataset"), 0)

	if _, err := store.SaveDeviceFile("..", "image", "x.jpg", strings.NewReader("x")); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("device id '..' accepted: %v", err)
	}
	if _, err := store.SaveDeviceFile("camA", "image", "../../x.jpg", strings.NewReader("x")); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("traversing filename accepted: %v", err)
	}
	if _, err := store.SaveDatasetFile("../outside", "x.jpg", strings.NewReader("x")); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("traversing sub folder accepted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "outside")); !os.IsNotExist(err) {
		t.Errorf("something was written outside the roots: %v", err)
	}
}

func TestSaveEnforcesLimit(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, root, 4)

	if _, err := store.SaveDatasetFile("s", "ok.bin", strings.NewReader("1234")); err != nil {
		t.Fatalf("file at the limit rejected: %v", err)
	}
	if _, err := store.SaveDatasetFile("s", "big.bin", strings.NewReader("12345")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized file: got %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(filepath.Join(root, "s", "big.bin")); !os.IsNotExist(err) {
		t.Errorf("oversized file left on disk: %v", err)
	}
}

func multipartRequest(t *testing.T, path string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(content)
	if err := writer.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func TestServeDeviceUpload(t *testing.T) {
	root := t.TempDir()
	handler := NewHandler(NewStore(root, t.TempDir(), 1<<20), testutil.DiscardLogger())

	request := multipartRequest(t, "/upload", map[string]string{
		"device_id": "camB",
		"file_type": "image",
		"filename":  "snap_0001.jpg",
	}, "ignored.jpg", []byte("jpeg"))
	recorder := httptest.NewRecorder()
	handler.ServeDeviceUpload(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	var response Response
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if response.Status != "success" || response.Path != "camB/images/snap_0001.jpg" || response.Folder != "images" {
		t.Errorf("response = %+v", response)
	}
	if _, err := os.Stat(filepath.Join(root, "camB", "images", "snap_0001.jpg")); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
}

func TestServeDatasetUpload(t *testing.T) {
	datasetRoot := t.TempDir()
	handler := NewHandler(NewStore(t.TempDir(), datasetRoot, 0), testutil.DiscardLogger())

	request := multipartRequest(t, "/dataset_upload", map[string]string{"sub_folder": "line1/defects"}, "sample_7.jpg", []byte("sample"))
	recorder := httptest.NewRecorder()
	handler.ServeDatasetUpload(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	stored, err := os.ReadFile(filepath.Join(datasetRoot, "line1", "defects", "sample_7.jpg"))
	if err != nil || string(stored) != "sample" {
		t.Fatalf("stored = %q, %v", stored, err)
	}
}

func TestServeUploadErrors(t *testing.T) {
	handler := NewHandler(NewStore(t.TempDir(), t.TempDir(), 0), testutil.DiscardLogger())

	t.Run("missing_file", func(t *testing.T) {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		writer.WriteField("device_id", "camA")
		writer.Close()
		request := httptest.NewRequest(http.MethodPost, "/upload", &body)
		request.Header.Set("Content-Type", writer.FormDataContentType())
		recorder := httptest.NewRecorder()
		handler.ServeDeviceUpload(recorder, request)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", recorder.Code)
		}
	})

	t.Run("not_multipart", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
		request.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		handler.ServeDeviceUpload(recorder, request)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", recorder.Code)
		}
	})

	t.Run("traversal", func(t *testing.T) {
		request := multipartRequest(t, "/upload", map[string]string{
			"device_id": "..",
			"file_type": "image",
			"filename":  "x.jpg",
		}, "x.jpg", []byte("x"))
		recorder := httptest.NewRecorder()
		handler.ServeDeviceUpload(recorder, request)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", recorder.Code)
		}
	})
}
