// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// RotatingFile is an io.WriteCloser that rotates the underlying file
// once it reaches a size limit. Rotated segments are zstd-compressed.
// Safe for concurrent use; each Write lands entirely in one segment.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// OpenRotatingFile opens (or appends to) path. maxBytes must be
// positive; backups may be zero, in which case the file is truncated
// on rotation.
func OpenRotatingFile(path string, maxBytes int64, backups int) (*RotatingFile, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("logging: max file size must be positive, got %d", maxBytes)
	}
	rotating := &RotatingFile{path: path, maxBytes: maxBytes, backups: backups}
	if err := rotating.open(); err != nil {
		return nil, err
	}
	return rotating, nil
}

// Write appends p, rotating first if p would push the active file past
// the limit. A single write larger than the limit still goes into one
// (fresh) segment.
//
// If rotation fails, p is still appended to the unrotated active file
// and the rotation error is returned with the byte count; the next
// Write over the limit tries again.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, fs.ErrClosed
	}
	var rotateErr error
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		rotateErr = r.rotate()
		if r.file == nil {
			return 0, rotateErr
		}
	}
	written, err := r.file.Write(p)
	r.size += int64(written)
	return written, errors.Join(rotateErr, err)
}

// Close closes the active file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: opening %s: %w", r.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("logging: stat %s: %w", r.path, err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// rotate shifts path.N.zst to path.N+1.zst, compresses the active
// file into path.1.zst, and reopens an empty active file. On failure
// the active file is reopened as it was, so r.file is nil afterwards
// only if even that failed. Must be called with r.mu held.
func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		r.file = nil
		return errors.Join(fmt.Errorf("logging: closing %s: %w", r.path, err), r.open())
	}
	r.file = nil

	if err := r.shift(); err != nil {
		return errors.Join(err, r.open())
	}
	return r.open()
}

// shift moves the closed active file into the compressed segments.
func (r *RotatingFile) shift() error {
	if r.backups > 0 {
		if err := os.Remove(r.segmentPath(r.backups)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("logging: removing oldest segment: %w", err)
		}
		for index := r.backups - 1; index >= 1; index-- {
			err := os.Rename(r.segmentPath(index), r.segmentPath(index+1))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("logging: shifting segment %d: %w", index, err)
			}
		}
		if err := compressFile(r.path, r.segmentPath(1)); err != nil {
			return err
		}
	}
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("logging: removing rotated file: %w", err)
	}
	return nil
}

func (r *RotatingFile) segmentPath(index int) string {
	return fmt.Sprintf("%s.%d.zst", r.path, index)
}

// compressFile writes a zstd-compressed copy of source to destination
// via a temporary file, so a crash never leaves a truncated segment
// under the final name.
func compressFile(source, destination string) error {
	input, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("logging: opening %s for compression: %w", source, err)
	}
	defer input.Close()

	temporary := destination + ".tmp"
	output, err := os.Create(temporary)
	if err != nil {
		return fmt.Errorf("logging: creating %s: %w", temporary, err)
	}

	encoder, err := zstd.NewWriter(output, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		output.Close()
		os.Remove(temporary)
		return fmt.Errorf("logging: zstd encoder: %w", err)
	}
	if _, err := io.Copy(encoder, input); err != nil {
		encoder.Close()
		output.Close()
		os.Remove(temporary)
		return fmt.Errorf("logging: compressing %s: %w", source, err)
	}
	if err := encoder.Close(); err != nil {
		output.Close()
		os.Remove(temporary)
		return fmt.Errorf("logging: finishing zstd stream: %w", err)
	}
	if err := output.Close(); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("logging: closing %s: %w", temporary, err)
	}
	return os.Rename(temporary, destination)
}
