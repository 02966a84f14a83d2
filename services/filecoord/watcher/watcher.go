// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher observes filesystem events under the configured base
// directories and keeps the hash registry in sync with out-of-band edits.
//
// Events are debounced per path so editor save patterns (temp-write then
// rename, visible as delete+create) coalesce into a single modification.
// Watcher processing runs on its own goroutines and never blocks CRUD
// operations. When the native watcher is unavailable (inotify limits,
// network filesystems), a polling observer takes over.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
	"github.com/AleutianAI/filecoord/services/filecoord/pathval"
	"github.com/AleutianAI/filecoord/services/filecoord/registry"
)

// DefaultDebounce is the per-path coalescing window.
const DefaultDebounce = 100 * time.Millisecond

// pollInterval is the rescan period of the fallback polling observer.
const pollInterval = 2 * time.Second

// eventBuffer sizes the channel between the fsnotify reader and the
// debouncer. Overflow drops events; the startup revalidation and write
// paths recompute hashes from disk, so a dropped event self-heals.
const eventBuffer = 1024

// kind classifies a coalesced event.
type kind int

const (
	kindCreated kind = iota
	kindModified
	kindDeleted
)

type rawEvent struct {
	path string
	kind kind
}

type pendingEvent struct {
	kind kind
	at   time.Time
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the per-path coalescing window. Default: 100ms.
	Debounce time.Duration

	// MaxFileSizeBytes bounds hash recomputation. Files beyond the limit
	// are left untouched in the registry.
	MaxFileSizeBytes int64

	// ForcePolling skips fsnotify entirely. Set for network filesystems
	// where inotify/kqueue semantics are unreliable.
	ForcePolling bool

	// OnChange, when set, is invoked after the registry was updated for
	// a coalesced event. Persistence uses this to mark state dirty.
	OnChange func(path string)
}

// Watcher keeps the registry synchronized with external modifications.
//
// # Thread Safety
//
// Start and Stop must not be called concurrently with each other; all
// internal state is goroutine-safe.
type Watcher struct {
	baseDirs []string
	reg      *registry.Registry
	opts     Options
	logger   *slog.Logger

	fw      *fsnotify.Watcher
	polling bool

	events   chan rawEvent
	pending  map[string]pendingEvent
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher over the given base directories.
func New(baseDirs []string, reg *registry.Registry, opts Options, logger *slog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		baseDirs: baseDirs,
		reg:      reg,
		opts:     opts,
		logger:   logger.With(slog.String("subsystem", "watcher")),
		events:   make(chan rawEvent, eventBuffer),
		pending:  make(map[string]pendingEvent),
		done:     make(chan struct{}),
	}
}

// Start begins observing. Falls back to polling when the native watcher
// cannot be created or a base directory cannot be registered.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.opts.ForcePolling {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("native watcher unavailable, falling back to polling",
				slog.String("error", err.Error()))
		} else {
			w.fw = fw
			addFailed := false
			for _, dir := range w.baseDirs {
				if err := w.addRecursive(dir); err != nil {
					w.logger.Warn("failed to watch directory, falling back to polling",
						slog.String("dir", dir),
						slog.String("error", err.Error()))
					addFailed = true
					break
				}
			}
			if addFailed {
				fw.Close()
				w.fw = nil
			}
		}
	}

	w.polling = w.fw == nil
	if w.polling {
		w.wg.Add(1)
		go w.pollLoop(ctx)
	} else {
		w.wg.Add(1)
		go w.readLoop(ctx)
	}

	w.wg.Add(1)
	go w.flushLoop(ctx)

	w.logger.Info("file watcher started",
		slog.Int("base_directories", len(w.baseDirs)),
		slog.Bool("polling", w.polling),
		slog.Duration("debounce", w.opts.Debounce))
	return nil
}

// Stop terminates all watcher goroutines and flushes nothing further.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fw != nil {
			w.fw.Close()
		}
	})
	w.wg.Wait()
}

// Polling reports whether the fallback observer is active.
func (w *Watcher) Polling() bool {
	return w.polling
}

// addRecursive registers dir and every subdirectory with fsnotify.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, keep walking
		}
		if !d.IsDir() {
			return nil
		}
		return w.fw.Add(path)
	})
}

// readLoop converts fsnotify events into raw events for the debouncer.
func (w *Watcher) readLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleFsnotify(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleFsnotify(event fsnotify.Event) {
	// Ignore the atomic-write temp files the I/O layer creates; their
	// rename shows up as a create/write on the target.
	if strings.HasPrefix(filepath.Base(event.Name), ".filecoord-tmp-") {
		return
	}

	var k kind
	switch {
	case event.Has(fsnotify.Create):
		k = kindCreated
		// A new directory needs to join the watch set.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fw.Add(event.Name); err != nil {
				w.logger.Debug("failed to watch new directory",
					slog.String("dir", event.Name),
					slog.String("error", err.Error()))
			}
			return
		}
	case event.Has(fsnotify.Write):
		k = kindModified
	case event.Has(fsnotify.Remove):
		k = kindDeleted
	case event.Has(fsnotify.Rename):
		// The old name disappears; the new name arrives as Create.
		k = kindDeleted
	default:
		return
	}

	select {
	case w.events <- rawEvent{path: event.Name, kind: k}:
	default:
		w.logger.Warn("watcher event buffer full, dropping event",
			slog.String("path", event.Name))
	}
}

// flushLoop debounces raw events per path and applies expired ones.
func (w *Watcher) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case ev := <-w.events:
			w.coalesce(ev)

		case <-ticker.C:
			w.flushExpired()
		}
	}
}

// coalesce folds a raw event into the pending buffer.
//
// Rules: deleted+created becomes modified (editor save pattern),
// created+deleted cancels out, modified absorbs everything else.
func (w *Watcher) coalesce(ev rawEvent) {
	canonical, err := pathval.Canonical(ev.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	existing, ok := w.pending[canonical]
	if !ok {
		w.pending[canonical] = pendingEvent{kind: ev.kind, at: now}
		return
	}

	switch {
	case existing.kind == kindDeleted && ev.kind == kindCreated:
		w.pending[canonical] = pendingEvent{kind: kindModified, at: now}
	case existing.kind == kindCreated && ev.kind == kindDeleted:
		delete(w.pending, canonical)
	case existing.kind == kindModified:
		w.pending[canonical] = pendingEvent{kind: kindModified, at: now}
	default:
		w.pending[canonical] = pendingEvent{kind: ev.kind, at: now}
	}
}

// flushExpired applies every pending event older than the debounce window.
func (w *Watcher) flushExpired() {
	now := time.Now()

	w.mu.Lock()
	var expired []struct {
		path string
		kind kind
	}
	for path, pe := range w.pending {
		if now.Sub(pe.at) >= w.opts.Debounce {
			expired = append(expired, struct {
				path string
				kind kind
			}{path, pe.kind})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	// Registry updates happen outside the pending-buffer mutex so slow
	// hashing never delays event intake.
	for _, e := range expired {
		w.apply(e.path, e.kind)
	}
}

// apply updates the registry for one coalesced event.
//
// Created and modified events only refresh files the registry already
// tracks; untracked files enter the registry on their first CRUD access,
// not on watcher events.
func (w *Watcher) apply(path string, k kind) {
	switch k {
	case kindCreated, kindModified:
		if _, tracked := w.reg.Get(path); !tracked {
			return
		}
		hash, err := fileio.ComputeFileHash(path, w.opts.MaxFileSizeBytes)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Vanished between event and hash.
				w.reg.Remove(path)
				w.notify(path)
				return
			}
			w.logger.Warn("failed to rehash externally modified file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return
		}
		w.reg.Update(path, hash, registry.SourceWatcherEvent)
		w.logger.Debug("external modification observed",
			slog.String("path", path),
			slog.String("hash", hash))
		w.notify(path)

	case kindDeleted:
		if _, tracked := w.reg.Get(path); tracked {
			w.reg.Remove(path)
			w.logger.Debug("external deletion observed", slog.String("path", path))
			w.notify(path)
		}
	}
}

func (w *Watcher) notify(path string) {
	if w.opts.OnChange != nil {
		w.opts.OnChange(path)
	}
}

// pollLoop is the fallback observer: every pollInterval it re-stats the
// registry's tracked files, rehashing changed ones and dropping missing
// ones. Coarser than the native watcher but correct.
func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	mtimes := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
		}

		for path := range w.reg.Snapshot() {
			info, err := os.Stat(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					w.reg.Remove(path)
					w.notify(path)
					delete(mtimes, path)
				}
				continue
			}
			if prev, ok := mtimes[path]; ok && info.ModTime().Equal(prev) {
				continue
			}
			mtimes[path] = info.ModTime()

			hash, err := fileio.ComputeFileHash(path, w.opts.MaxFileSizeBytes)
			if err != nil {
				continue
			}
			if w.reg.Hash(path) != hash {
				w.reg.Update(path, hash, registry.SourceWatcherEvent)
				w.notify(path)
			}
		}
	}
}
