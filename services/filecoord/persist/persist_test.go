// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
	"github.com/AleutianAI/filecoord/services/filecoord/lockmgr"
	"github.com/AleutianAI/filecoord/services/filecoord/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, stateFile string, reg *registry.Registry) (*Store, *lockmgr.Manager) {
	t.Helper()
	locks := lockmgr.NewManager(discard())
	fio := fileio.New(2, discard())
	return New(stateFile, reg, locks, fio, 10*time.Millisecond, discard()), locks
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	ctx := context.Background()

	// A real file so revalidation keeps the entry.
	tracked := filepath.Join(dir, "tracked.txt")
	content := []byte("payload")
	if err := os.WriteFile(tracked, content, 0o644); err != nil {
		t.Fatal(err)
	}
	hash := fileio.ComputeHash(content)

	reg := registry.New()
	reg.Update(tracked, hash, registry.SourceInternalWrite)

	store, _ := newTestStore(t, stateFile, reg)
	store.Start(ctx)
	store.MarkDirty()
	store.Stop() // forces the final flush

	if _, err := os.Stat(stateFile); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	// Fresh registry, fresh store: load and revalidate.
	reg2 := registry.New()
	store2, _ := newTestStore(t, stateFile, reg2)
	if err := store2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	e, ok := reg2.Get(tracked)
	if !ok {
		t.Fatal("tracked entry lost across restart")
	}
	if e.Hash != hash {
		t.Fatalf("hash = %s, want %s", e.Hash, hash)
	}
	if e.Source != registry.SourceStartupRevalidation {
		t.Fatalf("source = %v, want startup-revalidation", e.Source)
	}
}

func TestLoadDropsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	ctx := context.Background()

	gone := filepath.Join(dir, "gone.txt")
	reg := registry.New()
	reg.Update(gone, "sha256:whatever", registry.SourceInternalWrite)

	store, _ := newTestStore(t, stateFile, reg)
	store.Start(ctx)
	store.MarkDirty()
	store.Stop()

	reg2 := registry.New()
	store2, _ := newTestStore(t, stateFile, reg2)
	if err := store2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reg2.Get(gone); ok {
		t.Fatal("entry for a missing file survived revalidation")
	}
}

func TestLoadRefingerprintsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	ctx := context.Background()

	tracked := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(tracked, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	reg.Update(tracked, fileio.ComputeHash([]byte("v1")), registry.SourceInternalWrite)

	store, _ := newTestStore(t, stateFile, reg)
	store.Start(ctx)
	store.MarkDirty()
	store.Stop()

	// The file changes while the server is down.
	if err := os.WriteFile(tracked, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg2 := registry.New()
	store2, _ := newTestStore(t, stateFile, reg2)
	if err := store2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := reg2.Hash(tracked), fileio.ComputeHash([]byte("v2")); got != want {
		t.Fatalf("hash = %s, want refingerprinted %s", got, want)
	}
}

func TestLoadToleratesMissingAndCorruptState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		reg := registry.New()
		store, _ := newTestStore(t, filepath.Join(dir, "never-written.json"), reg)
		if err := store.Load(ctx); err != nil {
			t.Fatalf("missing state file must not error: %v", err)
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		stateFile := filepath.Join(dir, "corrupt.json")
		if err := os.WriteFile(stateFile, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		reg := registry.New()
		store, _ := newTestStore(t, stateFile, reg)
		if err := store.Load(ctx); err != nil {
			t.Fatalf("corrupt state file must start fresh, got: %v", err)
		}
		if reg.Len() != 0 {
			t.Fatal("corrupt state populated the registry")
		}
	})

	t.Run("schema_mismatch", func(t *testing.T) {
		stateFile := filepath.Join(dir, "old-schema.json")
		old := map[string]any{
			"schema_version": 99,
			"hash_registry":  map[string]string{"/x": "sha256:y"},
		}
		data, _ := json.Marshal(old)
		if err := os.WriteFile(stateFile, data, 0o644); err != nil {
			t.Fatal(err)
		}
		reg := registry.New()
		store, _ := newTestStore(t, stateFile, reg)
		if err := store.Load(ctx); err != nil {
			t.Fatalf("schema mismatch must start fresh, got: %v", err)
		}
		if reg.Len() != 0 {
			t.Fatal("mismatched schema populated the registry")
		}
	})
}

func TestSnapshotExcludesExpiredWaiters(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	ctx := context.Background()

	reg := registry.New()
	store, locks := newTestStore(t, stateFile, reg)

	// Occupy the lock, then queue a waiter with a generous deadline so
	// it is present while the snapshot is taken.
	holder, err := locks.AcquireExclusive(ctx, "/busy", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	go locks.AcquireExclusive(ctx, "/busy", time.Now().Add(time.Minute))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if locks.Status("/busy").QueueDepth == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	store.Start(ctx)
	store.MarkDirty()
	store.Stop()
	locks.Release("/busy", holder)

	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatal(err)
	}
	var snap struct {
		SchemaVersion  int `json:"schema_version"`
		PendingWaiters []struct {
			Path            string `json:"path"`
			DeadlineEpochMS int64  `json:"deadline_epoch_ms"`
		} `json:"pending_waiters"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.SchemaVersion != SchemaVersion {
		t.Fatalf("schema_version = %d", snap.SchemaVersion)
	}
	if len(snap.PendingWaiters) != 1 {
		t.Fatalf("pending_waiters = %d, want 1", len(snap.PendingWaiters))
	}
	now := time.Now().UnixMilli()
	if snap.PendingWaiters[0].DeadlineEpochMS <= now-1000 {
		t.Fatal("snapshot contains an already-expired waiter")
	}
}
