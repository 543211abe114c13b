// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/qaeye/fleetrelay/lib/digest"
)

var (
	// ErrInvalidPath is returned when a client-supplied path
	// component is empty, relative (".", ".."), or contains a
	// separator.
	ErrInvalidPath = errors.New("upload: invalid path component")

	// ErrTooLarge is returned when a file exceeds the size limit.
	ErrTooLarge = errors.New("upload: file too large")
)

// SubFolder maps a declared file type to the folder it is stored in.
// Videos whose name carries the _ANN_ marker are annotated output.
func SubFolder(fileType, filename string) string {
	switch fileType {
	case "video":
		if strings.Contains(filename, "_ANN_") {
			return "annotated_videos"
		}
		return "videos"
	case "image":
		return "images"
	default:
		return fileType + "s"
	}
}

// ValidateComponent accepts a single path element safe to join under a
// storage root.
func ValidateComponent(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return nil
}

// ValidateRelative accepts a slash-separated relative path whose
// every element passes ValidateComponent.
func ValidateRelative(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for element := range strings.SplitSeq(path, "/") {
		if err := ValidateComponent(element); err != nil {
			return err
		}
	}
	return nil
}

// Result describes one stored file.
type Result struct {
	// Path is the stored file relative to its root, slash-separated.
	Path string `json:"path"`

	// Folder is the sub folder the file was placed in.
	Folder string `json:"folder"`

	Filename string `json:"filename"`
	Size     int64  `json:"size"`

	// BLAKE3 is the hex digest of the stored bytes.
	BLAKE3 string `json:"blake3"`
}

// Store writes uploads under two roots.
type Store struct {
	uploadRoot  string
	datasetRoot string
	maxBytes    int64
}

// NewStore returns a Store. maxBytes bounds a single file; zero means
// unlimited.
func NewStore(uploadRoot, datasetRoot string, maxBytes int64) *Store {
	return &Store{uploadRoot: uploadRoot, datasetRoot: datasetRoot, maxBytes: maxBytes}
}

// UploadRoot returns the directory device files are stored under.
func (s *Store) UploadRoot() string { return s.uploadRoot }

// SaveDeviceFile stores content as <device>/<SubFolder(fileType)>/<filename>.
func (s *Store) SaveDeviceFile(deviceID, fileType, filename string, content io.Reader) (Result, error) {
	for _, component := range []string{deviceID, fileType, filename} {
		if err := ValidateComponent(component); err != nil {
			return Result{}, err
		}
	}
	folder := SubFolder(fileType, filename)
	relative := deviceID + "/" + folder + "/" + filename
	return s.save(s.uploadRoot, relative, folder, filename, content)
}

// SaveDatasetFile stores content as <subFolder>/<filename> under the
// dataset root. subFolder may be nested ("line1/defects").
func (s *Store) SaveDatasetFile(subFolder, filename string, content io.Reader) (Result, error) {
	if err := ValidateRelative(subFolder); err != nil {
		return Result{}, err
	}
	if err := ValidateComponent(filename); err != nil {
		return Result{}, err
	}
	return s.save(s.datasetRoot, subFolder+"/"+filename, subFolder, filename, content)
}

func (s *Store) save(root, relative, folder, filename string, content io.Reader) (Result, error) {
	finalPath := filepath.Join(root, filepath.FromSlash(relative))
	directory := filepath.Dir(finalPath)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return Result{}, fmt.Errorf("upload: creating %s: %w", directory, err)
	}

	tmpFile, err := os.CreateTemp(directory, ".upload-*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("upload: creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	source := content
	if s.maxBytes > 0 {
		source = io.LimitReader(content, s.maxBytes+1)
	}
	hasher := digest.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), source)
	if err != nil {
		tmpFile.Close()
		return Result{}, fmt.Errorf("upload: writing %s: %w", relative, err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		tmpFile.Close()
		return Result{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, relative, s.maxBytes)
	}
	if err := tmpFile.Close(); err != nil {
		return Result{}, fmt.Errorf("upload: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("upload: renaming into %s: %w", relative, err)
	}

	success = true
	return Result{
		Path:     relative,
		Folder:   folder,
		Filename: filename,
		Size:     size,
		BLAKE3:   digest.FromHash(hasher).String(),
	}, nil
}
