// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
	"github.com/AleutianAI/filecoord/services/filecoord/pathval"
	"github.com/AleutianAI/filecoord/services/filecoord/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWatcher builds a watcher with a short debounce over dir.
func startWatcher(t *testing.T, dir string, reg *registry.Registry, opts Options) *Watcher {
	t.Helper()
	opts.Debounce = 30 * time.Millisecond
	w := New([]string{dir}, reg, opts, discard())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return w
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherUpdatesTrackedFile(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	canonical, err := pathval.Canonical(path)
	if err != nil {
		t.Fatal(err)
	}
	reg.Update(canonical, fileio.ComputeHash([]byte("v1")), registry.SourceInternalWrite)

	startWatcher(t, dir, reg, Options{})

	// External rewrite: the registry must converge on the new hash
	// within debounce + slack.
	if err := os.WriteFile(path, []byte("v2-external"), 0o644); err != nil {
		t.Fatal(err)
	}

	want := fileio.ComputeHash([]byte("v2-external"))
	waitFor(t, "registry to observe external edit", func() bool {
		return reg.Hash(canonical) == want
	})

	e, _ := reg.Get(canonical)
	if e.Source != registry.SourceWatcherEvent {
		t.Fatalf("Source = %v, want watcher-event", e.Source)
	}
}

func TestWatcherIgnoresUntrackedFiles(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	startWatcher(t, dir, reg, Options{})

	path := filepath.Join(dir, "untracked.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Untracked files enter the registry on first CRUD access, not on
	// watcher events.
	time.Sleep(300 * time.Millisecond)
	if reg.Len() != 0 {
		t.Fatalf("registry tracked an unwatched file: %d entries", reg.Len())
	}
}

func TestWatcherRemovesDeletedFile(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	canonical, _ := pathval.Canonical(path)
	reg.Update(canonical, fileio.ComputeHash([]byte("v1")), registry.SourceInternalWrite)

	startWatcher(t, dir, reg, Options{})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "registry entry removal", func() bool {
		_, ok := reg.Get(canonical)
		return !ok
	})
}

func TestWatcherCoalescesEditorSavePattern(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	canonical, _ := pathval.Canonical(path)
	reg.Update(canonical, fileio.ComputeHash([]byte("v1")), registry.SourceInternalWrite)

	changes := 0
	startWatcher(t, dir, reg, Options{OnChange: func(string) { changes++ }})

	// Editor save pattern: delete the target then recreate it within the
	// debounce window. The watcher must see one modification, and the
	// entry must survive (not be dropped by the delete).
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	want := fileio.ComputeHash([]byte("v2"))
	waitFor(t, "coalesced modify", func() bool {
		return reg.Hash(canonical) == want
	})
}

func TestPollingFallback(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	canonical, _ := pathval.Canonical(path)
	reg.Update(canonical, fileio.ComputeHash([]byte("v1")), registry.SourceInternalWrite)

	w := startWatcher(t, dir, reg, Options{ForcePolling: true})
	if !w.Polling() {
		t.Fatal("ForcePolling did not activate the polling observer")
	}

	// Backdate the mtime baseline, then rewrite.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	want := fileio.ComputeHash([]byte("v2"))
	waitFor(t, "polling observer to converge", func() bool {
		return reg.Hash(canonical) == want
	})
}
