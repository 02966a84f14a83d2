// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist snapshots the hash registry and pending-waiter metadata
// to a schema-versioned JSON file, and recovers it on startup.
//
// No file contents are ever persisted: the snapshot holds fingerprints
// and queue metadata only. Writes are debounced to at most one per
// configured interval; shutdown forces a final write.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
	"github.com/AleutianAI/filecoord/services/filecoord/lockmgr"
	"github.com/AleutianAI/filecoord/services/filecoord/registry"
)

// SchemaVersion identifies the snapshot layout. Older or unknown versions
// are discarded and rebuilt rather than migrated.
const SchemaVersion = 1

// DefaultWriteDebounce caps snapshot writes at 1 Hz.
const DefaultWriteDebounce = time.Second

// waiterRecord is the persisted form of a pending lock request.
type waiterRecord struct {
	Path            string       `json:"path"`
	Mode            lockmgr.Mode `json:"mode"`
	Ordinal         uint64       `json:"ordinal"`
	DeadlineEpochMS int64        `json:"deadline_epoch_ms"`
}

// snapshot is the on-disk layout.
type snapshot struct {
	SchemaVersion  int               `json:"schema_version"`
	SavedAt        string            `json:"saved_at"`
	HashRegistry   map[string]string `json:"hash_registry"`
	PendingWaiters []waiterRecord    `json:"pending_waiters"`
}

// Store writes and recovers state snapshots.
//
// # Thread Safety
//
// Safe for concurrent use. MarkDirty never blocks on disk I/O; writes
// happen on the store's own goroutine.
type Store struct {
	stateFile string
	reg       *registry.Registry
	locks     *lockmgr.Manager
	io        *fileio.IO
	logger    *slog.Logger

	limiter  *rate.Limiter
	dirty    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a persistence store writing to stateFile.
func New(stateFile string, reg *registry.Registry, locks *lockmgr.Manager, fio *fileio.IO, debounce time.Duration, logger *slog.Logger) *Store {
	if debounce <= 0 {
		debounce = DefaultWriteDebounce
	}
	return &Store{
		stateFile: stateFile,
		reg:       reg,
		locks:     locks,
		io:        fio,
		logger:    logger.With(slog.String("subsystem", "persist")),
		limiter:   rate.NewLimiter(rate.Every(debounce), 1),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Load reads the snapshot and performs startup recovery.
//
// # Description
//
// Recovery steps:
//
//  1. Read and decode the snapshot; a missing file starts fresh, a
//     corrupt or version-mismatched file is discarded with a warning.
//  2. Restore the hash registry.
//  3. Drop every pending-waiter record whose deadline has passed. The
//     surviving records are informational only: a waiter cannot outlive
//     the connection that created it, so none are re-queued.
//  4. Revalidate every registry entry against the file's current bytes;
//     missing files are dropped, changed files are re-fingerprinted.
func (s *Store) Load(ctx context.Context) error {
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("no state file, starting fresh", slog.String("state_file", s.stateFile))
			return nil
		}
		return fmt.Errorf("reading state file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("corrupt state file, starting fresh",
			slog.String("state_file", s.stateFile),
			slog.String("error", err.Error()))
		return nil
	}
	if snap.SchemaVersion != SchemaVersion {
		s.logger.Warn("state file schema mismatch, discarding",
			slog.Int("found", snap.SchemaVersion),
			slog.Int("want", SchemaVersion))
		return nil
	}

	s.reg.Restore(snap.HashRegistry, registry.SourceStartupRevalidation)
	s.logger.Info("restored hash registry",
		slog.Int("entries", len(snap.HashRegistry)))

	expired := 0
	now := time.Now().UnixMilli()
	for _, w := range snap.PendingWaiters {
		if w.DeadlineEpochMS > 0 && w.DeadlineEpochMS <= now {
			expired++
		}
	}
	if len(snap.PendingWaiters) > 0 {
		s.logger.Info("discarded persisted waiters; connections do not survive restarts",
			slog.Int("total", len(snap.PendingWaiters)),
			slog.Int("expired", expired))
	}

	s.revalidate(ctx)
	return nil
}

// revalidate re-reads every registry entry's file and reconciles hashes.
func (s *Store) revalidate(ctx context.Context) {
	removed, updated := 0, 0
	for path, entry := range s.reg.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		current, err := fileio.ComputeFileHash(path, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.reg.Remove(path)
				removed++
				continue
			}
			s.logger.Warn("failed to revalidate registry entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			s.reg.Remove(path)
			removed++
			continue
		}
		if current != entry.Hash {
			s.reg.Update(path, current, registry.SourceStartupRevalidation)
			updated++
			s.logger.Warn("hash mismatch on startup, file changed while down",
				slog.String("path", path))
		}
	}
	if removed > 0 || updated > 0 {
		s.logger.Info("registry revalidation complete",
			slog.Int("removed", removed),
			slog.Int("updated", updated))
	}
}

// Start launches the debounced writer goroutine.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.writeLoop(ctx)
}

// Stop flushes a final snapshot and terminates the writer.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	if err := s.save(context.Background()); err != nil {
		s.logger.Error("final state flush failed", slog.String("error", err.Error()))
	}
}

// MarkDirty schedules a debounced snapshot write. Never blocks.
func (s *Store) MarkDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.dirty:
			// The limiter enforces the write debounce: bursts of
			// dirty marks collapse into one write per interval.
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			// Absorb marks that arrived while waiting.
			select {
			case <-s.dirty:
			default:
			}
			if err := s.save(ctx); err != nil {
				s.logger.Error("state snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// save serializes current state and writes it atomically.
func (s *Store) save(ctx context.Context) error {
	hashes := make(map[string]string)
	for path, entry := range s.reg.Snapshot() {
		hashes[path] = entry.Hash
	}

	now := time.Now()
	var waiters []waiterRecord
	for _, w := range s.locks.PendingWaiters() {
		// Invariant: a snapshot never references a waiter whose
		// deadline already passed.
		if !w.Deadline.IsZero() && !w.Deadline.After(now) {
			continue
		}
		var deadlineMS int64
		if !w.Deadline.IsZero() {
			deadlineMS = w.Deadline.UnixMilli()
		}
		waiters = append(waiters, waiterRecord{
			Path:            w.Path,
			Mode:            w.Mode,
			Ordinal:         w.Ordinal,
			DeadlineEpochMS: deadlineMS,
		})
	}

	snap := snapshot{
		SchemaVersion:  SchemaVersion,
		SavedAt:        now.UTC().Format(time.RFC3339),
		HashRegistry:   hashes,
		PendingWaiters: waiters,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := s.io.AtomicWrite(ctx, s.stateFile, data); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	s.logger.Debug("state snapshot written",
		slog.Int("tracked_files", len(hashes)),
		slog.Int("pending_waiters", len(waiters)))
	return nil
}
