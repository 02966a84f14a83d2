// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fileio provides crash-safe atomic file operations and SHA-256
// content fingerprinting for the file coordination service.
//
// All writes go through a temp-file + fsync + rename protocol so a file is
// only ever observable in its pre- or post-write state. Blocking filesystem
// syscalls are funneled through a bounded worker pool (semaphore) so one
// slow disk cannot stall every other request.
package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrFileTooLarge is returned when a file exceeds the configured size limit.
var ErrFileTooLarge = errors.New("file too large")

// tmpPrefix is the prefix used for sibling temp files during atomic writes.
const tmpPrefix = ".filecoord-tmp-"

// replaceRetries bounds the Windows rename retry loop. Antivirus and file
// indexers hold transient sharing locks; three attempts with exponential
// backoff (50ms, 100ms, 200ms) covers the common cases.
const replaceRetries = 3

// IO performs filesystem operations through a bounded syscall pool.
//
// # Description
//
// Every public method acquires a slot in the pool before touching the
// filesystem and releases it when the syscall completes. The pool size
// caps the number of filesystem operations in flight at once.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines.
type IO struct {
	pool   *semaphore.Weighted
	logger *slog.Logger
}

// New creates an IO layer with the given syscall pool size.
//
// # Inputs
//
//   - poolSize: Maximum concurrent filesystem operations. Values < 1
//     fall back to 2x GOMAXPROCS.
//   - logger: Structured logger. Must not be nil.
func New(poolSize int, logger *slog.Logger) *IO {
	if poolSize < 1 {
		poolSize = 2 * runtime.GOMAXPROCS(0)
	}
	return &IO{
		pool:   semaphore.NewWeighted(int64(poolSize)),
		logger: logger.With(slog.String("subsystem", "fileio")),
	}
}

// do runs fn inside the syscall pool, honoring context cancellation while
// waiting for a slot. Once fn starts it runs to completion; holders are
// never cancelled mid-syscall.
func (f *IO) do(ctx context.Context, fn func() error) error {
	if err := f.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.pool.Release(1)
	return fn()
}

// ReadFile reads a file's full bytes, enforcing the size limit.
//
// # Outputs
//
//   - []byte: Raw file bytes (no normalization).
//   - error: os.ErrNotExist, ErrFileTooLarge, or another I/O error.
func (f *IO) ReadFile(ctx context.Context, path string, maxSizeBytes int64) ([]byte, error) {
	var data []byte
	err := f.do(ctx, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if maxSizeBytes > 0 && info.Size() > maxSizeBytes {
			return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFileTooLarge, path, info.Size(), maxSizeBytes)
		}
		data, err = os.ReadFile(path)
		return err
	})
	return data, err
}

// AtomicWrite writes content to path with crash-safe durability.
//
// # Description
//
// The protocol is:
//
//  1. Create a temp file in the target's directory (same filesystem).
//  2. Write content and fsync the temp file.
//  3. Close it (required before rename on Windows).
//  4. Rename over the target, retrying on Windows sharing violations.
//  5. Fsync the parent directory on platforms where the rename itself
//     needs it for durability.
//
// On any failure the temp file is removed and the target is untouched,
// so a crash or ENOSPC mid-write leaves the pre-write state intact.
func (f *IO) AtomicWrite(ctx context.Context, path string, content []byte) error {
	return f.do(ctx, func() error {
		return atomicWrite(path, content)
	})
}

func atomicWrite(path string, content []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err = replaceWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file over %s: %w", path, err)
	}

	syncParentDir(path)
	return nil
}

// replaceWithRetry renames src over dst, retrying transient permission
// errors on Windows with exponential backoff.
func replaceWithRetry(src, dst string) error {
	if runtime.GOOS != "windows" {
		return os.Rename(src, dst)
	}

	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < replaceRetries; attempt++ {
		err = os.Rename(src, dst)
		if err == nil || !errors.Is(err, os.ErrPermission) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// syncParentDir fsyncs the directory containing path. Needed on Linux and
// macOS for the rename's directory entry to be durable; a no-op on Windows
// and on filesystems that refuse directory fsync.
func syncParentDir(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	dir := filepath.Dir(path)
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}

// Append appends content to a file, creating it if requested.
//
// # Description
//
// Opens (or creates) the file in append mode, writes separator followed by
// content when the file already has bytes, fsyncs, and returns the total
// size after the write. The separator is omitted for empty or new files so
// appends compose byte-exactly.
//
// # Outputs
//
//   - appended: Bytes written by this call.
//   - totalSize: File size after the append.
func (f *IO) Append(ctx context.Context, path string, content, separator []byte, createIfMissing bool) (appended, totalSize int64, err error) {
	err = f.do(ctx, func() error {
		flags := os.O_WRONLY | os.O_APPEND
		if createIfMissing {
			flags |= os.O_CREATE
		}
		f, openErr := os.OpenFile(path, flags, 0o644)
		if openErr != nil {
			return openErr
		}
		defer f.Close()

		info, statErr := f.Stat()
		if statErr != nil {
			return statErr
		}

		payload := content
		if info.Size() > 0 && len(separator) > 0 {
			payload = append(append([]byte{}, separator...), content...)
		}

		n, writeErr := f.Write(payload)
		if writeErr != nil {
			return writeErr
		}
		if syncErr := f.Sync(); syncErr != nil {
			return syncErr
		}

		appended = int64(n)
		totalSize = info.Size() + int64(n)
		return nil
	})
	return appended, totalSize, err
}

// Delete removes a file.
func (f *IO) Delete(ctx context.Context, path string) error {
	return f.do(ctx, func() error {
		return os.Remove(path)
	})
}

// Rename moves src to dst.
//
// # Description
//
// Uses an atomic rename when both paths are on the same filesystem. When
// the kernel reports EXDEV (cross-device link), falls back to copy + fsync
// + delete and reports crossFilesystem=true; atomicity is lost in that
// case, which is a documented contract of the rename operation.
func (f *IO) Rename(ctx context.Context, src, dst string) (crossFilesystem bool, err error) {
	err = f.do(ctx, func() error {
		renameErr := replaceWithRetry(src, dst)
		if renameErr == nil {
			syncParentDir(dst)
			return nil
		}
		if !isCrossDevice(renameErr) {
			return renameErr
		}

		crossFilesystem = true
		f.logger.Warn("cross-filesystem rename, falling back to copy+delete",
			slog.String("src", src),
			slog.String("dst", dst))

		if copyErr := copyFileSync(src, dst); copyErr != nil {
			return copyErr
		}
		syncParentDir(dst)
		return os.Remove(src)
	})
	return crossFilesystem, err
}

// isCrossDevice reports whether err is the kernel's cross-device rename
// rejection.
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyFileSync copies src to dst preserving the source's mode, fsyncing
// the destination before returning.
func copyFileSync(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// MkdirAll creates a directory tree through the syscall pool.
func (f *IO) MkdirAll(ctx context.Context, dir string) error {
	return f.do(ctx, func() error {
		return os.MkdirAll(dir, 0o755)
	})
}

// Stat returns file info through the syscall pool.
func (f *IO) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	var info os.FileInfo
	err := f.do(ctx, func() error {
		var statErr error
		info, statErr = os.Stat(path)
		return statErr
	})
	return info, err
}
