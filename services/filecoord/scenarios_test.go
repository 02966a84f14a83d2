// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filecoord

// End-to-end scenarios exercising the full engine through the public
// operation surface: concurrent readers and writers, diff-based
// contention, lock timeouts, rename races, batch partial failure, and
// restart recovery.

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filecoord/services/filecoord/diffengine"
	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
)

// Scenario: two readers observe the same fingerprint; a subsequent
// update publishes a fresh one to the next reader.
func TestScenarioTwoReadersOneWriter(t *testing.T) {
	svc, dir := newTestService(t, nil)
	path := filepath.Join(dir, "shared.txt")
	w := mustWrite(t, svc, path, "v0")

	var wg sync.WaitGroup
	hashes := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, oe := svc.Read(context.Background(), ReadRequest{Path: path})
			if oe == nil {
				hashes[n] = r.Hash
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, w.Hash, hashes[0])
	assert.Equal(t, w.Hash, hashes[1])

	next := "X"
	upd, contention, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: w.Hash, Content: &next,
	})
	require.Nil(t, oe)
	require.Nil(t, contention)
	require.NotEqual(t, w.Hash, upd.Hash)

	r, roe := svc.Read(context.Background(), ReadRequest{Path: path})
	require.Nil(t, roe)
	assert.Equal(t, "X", r.Content)
	assert.Equal(t, upd.Hash, r.Hash)
}

// Scenario: diff-based contention. Agent A wins with a content update;
// agent B, still holding the original hash, submits patches and gets an
// exact structured diff plus per-patch conflict analysis.
func TestScenarioDiffBasedContention(t *testing.T) {
	svc, dir := newTestService(t, nil)
	path := filepath.Join(dir, "doc.txt")
	w := mustWrite(t, svc, path, "a\nb\nc\n")
	h0 := w.Hash

	// Agent A rewrites line 2.
	aContent := "a\nB\nc\n"
	a, contention, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: h0, Content: &aContent,
	})
	require.Nil(t, oe)
	require.Nil(t, contention)
	h1 := a.Hash

	// Agent B still holds h0 and patches the line A already changed.
	_, c, oe := svc.Update(context.Background(), UpdateRequest{
		Path:         path,
		ExpectedHash: h0,
		Patches:      []diffengine.Patch{{OldString: "b", NewString: "B2"}},
	})
	require.Nil(t, oe)
	require.NotNil(t, c, "stale update must yield contention")

	assert.Equal(t, StatusContention, c.Status)
	assert.Equal(t, h0, c.ExpectedHash)
	assert.Equal(t, h1, c.CurrentHash)

	// The agent's expected version (h0) was recently served, so the
	// diff is exact: one modified region at line 2, old b, new B.
	require.Len(t, c.Diff.Changes, 1)
	region := c.Diff.Changes[0]
	assert.Equal(t, diffengine.ChangeModified, region.Type)
	assert.Equal(t, 2, region.StartLine)
	assert.Equal(t, "b", region.OldContent)
	assert.Equal(t, "B", region.NewContent)

	require.NotNil(t, c.PatchesApplicable)
	assert.False(t, *c.PatchesApplicable)
	require.Len(t, c.Conflicts, 1)
	assert.Equal(t, 0, c.Conflicts[0].PatchIndex)
	assert.Equal(t, diffengine.ReasonNotFound, c.Conflicts[0].Reason)
	assert.Empty(t, c.NonConflictingPatches)
}

// Scenario: applicable patches survive contention, and resubmitting the
// same patches against the reported current hash succeeds.
func TestScenarioApplicablePatchesResubmit(t *testing.T) {
	svc, dir := newTestService(t, nil)
	path := filepath.Join(dir, "doc.txt")
	w := mustWrite(t, svc, path, "a\nb\nc\n")

	// A concurrent writer changes line 1 only.
	aContent := "A\nb\nc\n"
	_, _, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: w.Hash, Content: &aContent,
	})
	require.Nil(t, oe)

	patches := []diffengine.Patch{{OldString: "c", NewString: "C"}}
	_, c, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: w.Hash, Patches: patches,
	})
	require.Nil(t, oe)
	require.NotNil(t, c)
	require.NotNil(t, c.PatchesApplicable)
	assert.True(t, *c.PatchesApplicable, "patch target was untouched by the other writer")
	assert.Equal(t, []int{0}, c.NonConflictingPatches)

	// Property: patches_applicable=true implies resubmission with the
	// reported current hash succeeds without contention.
	resp, c2, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: c.CurrentHash, Patches: patches,
	})
	require.Nil(t, oe)
	require.Nil(t, c2)
	require.NotNil(t, resp)

	r, roe := svc.Read(context.Background(), ReadRequest{Path: path})
	require.Nil(t, roe)
	assert.Equal(t, "A\nb\nC\n", r.Content)
}

// Scenario: lock timeout. A long-running writer holds the lock; a
// second update with a 300ms budget fails with lock-timeout in
// bounded time and leaves no queue residue.
func TestScenarioLockTimeout(t *testing.T) {
	svc, dir := newTestService(t, nil)
	path := filepath.Join(dir, "busy.txt")
	w := mustWrite(t, svc, path, "v0")

	canonical := w.Path
	holder, err := svc.locks.AcquireExclusive(context.Background(), canonical, time.Time{})
	require.NoError(t, err)

	start := time.Now()
	content := "blocked"
	_, _, oe := svc.Update(context.Background(), UpdateRequest{
		Path:           path,
		ExpectedHash:   w.Hash,
		Content:        &content,
		TimeoutSeconds: 0.3,
	})
	elapsed := time.Since(start)

	require.NotNil(t, oe)
	assert.Equal(t, KindLockTimeout, oe.Kind)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "timeout must fire with bounded slack")

	st, soe := svc.FileStatus(context.Background(), path)
	require.Nil(t, soe)
	assert.Equal(t, 0, st.QueueDepth, "queue depth drops after the timeout")

	svc.locks.Release(canonical, holder)
}

// Scenario: rename race. Two renames target the same destination with
// overwrite=false; exactly one wins and no deadlock occurs.
func TestScenarioRenameRace(t *testing.T) {
	svc, dir := newTestService(t, nil)
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	c := filepath.Join(dir, "c.txt")
	mustWrite(t, svc, a, "from-a")
	mustWrite(t, svc, b, "from-b")

	type outcome struct {
		ok bool
		oe *OpError
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, src := range []string{a, b} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			resp, _, oe := svc.Rename(context.Background(), RenameRequest{
				OldPath: src, NewPath: c, Overwrite: false,
			})
			results <- outcome{ok: resp != nil, oe: oe}
		}(src)
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for r := range results {
		if r.ok {
			wins++
		} else {
			losses++
			require.NotNil(t, r.oe)
			assert.Equal(t, KindFileExists, r.oe.Kind)
		}
	}
	assert.Equal(t, 1, wins, "exactly one rename must win")
	assert.Equal(t, 1, losses)

	_, err := os.Stat(filepath.Join(dir, "c.txt"))
	assert.NoError(t, err)
}

// Scenario: batch partial failure. Three updates where the middle item
// holds a stale hash: [ok, contention, ok], summary counts match, and
// only the contended file is untouched.
func TestScenarioBatchPartialFailure(t *testing.T) {
	svc, dir := newTestService(t, nil)

	paths := make([]string, 3)
	hashes := make([]string, 3)
	for i, name := range []string{"one.txt", "two.txt", "three.txt"} {
		paths[i] = filepath.Join(dir, name)
		w := mustWrite(t, svc, paths[i], "old-"+name)
		hashes[i] = w.Hash
	}

	// Invalidate the middle item's hash with an interleaved update.
	interleaved := "changed-under-it"
	_, _, oe := svc.Update(context.Background(), UpdateRequest{
		Path: paths[1], ExpectedHash: hashes[1], Content: &interleaved,
	})
	require.Nil(t, oe)

	newBody := func(i int) *string {
		s := "new-" + paths[i]
		return &s
	}
	batch := svc.BatchUpdate(context.Background(), BatchUpdateRequest{
		Files: []UpdateRequest{
			{Path: paths[0], ExpectedHash: hashes[0], Content: newBody(0)},
			{Path: paths[1], ExpectedHash: hashes[1], Content: newBody(1)},
			{Path: paths[2], ExpectedHash: hashes[2], Content: newBody(2)},
		},
	})

	assert.Equal(t, BatchSummary{Total: 3, Succeeded: 2, Failed: 0, Contention: 1}, batch.Summary)
	require.Len(t, batch.Results, 3)

	_, isOK0 := batch.Results[0].(*UpdateResponse)
	_, isContention1 := batch.Results[1].(*ContentionResponse)
	_, isOK2 := batch.Results[2].(*UpdateResponse)
	assert.True(t, isOK0, "item 0 must succeed")
	assert.True(t, isContention1, "item 1 must hit contention")
	assert.True(t, isOK2, "batches never short-circuit")

	// Disk state: first and third updated, middle untouched by the batch.
	r1, _ := svc.Read(context.Background(), ReadRequest{Path: paths[1]})
	assert.Equal(t, interleaved, r1.Content)
}

// Scenario: restart with persistence. Surviving entries match their
// files' bytes; entries whose files vanished are gone.
func TestScenarioPersistenceRestart(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(t.TempDir(), "state.json")

	mkCfg := func() Config {
		cfg := DefaultConfig()
		cfg.BaseDirectories = []string{dir}
		cfg.Watcher.Enabled = false
		cfg.Persistence.Enabled = true
		cfg.Persistence.StateFile = stateFile
		cfg.Persistence.WriteDebounce = 10 * time.Millisecond
		return cfg
	}

	svc1, err := NewService(mkCfg(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, svc1.Start(context.Background()))

	keep := filepath.Join(dir, "keep.txt")
	doomed := filepath.Join(dir, "doomed.txt")
	wKeep := mustWrite(t, svc1, keep, "survives restart")
	mustWrite(t, svc1, doomed, "will vanish")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc1.Shutdown(ctx))

	// The doomed file disappears while the service is down.
	require.NoError(t, os.Remove(doomed))

	svc2, err := NewService(mkCfg(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, svc2.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc2.Shutdown(ctx)
	})

	st, soe := svc2.FileStatus(context.Background(), keep)
	require.Nil(t, soe)
	assert.True(t, st.Exists)
	assert.Equal(t, wKeep.Hash, st.Hash, "restored fingerprint matches the file's bytes")

	stGone, soe := svc2.FileStatus(context.Background(), doomed)
	require.Nil(t, soe)
	assert.False(t, stGone.Exists)
	assert.Empty(t, stGone.Hash, "vanished files are purged on startup")
}

// Scenario: external edit with the watcher running. The registry
// converges on the new hash within debounce + slack, and the next stale
// update reports the external fingerprint.
func TestScenarioWatcherExternalEdit(t *testing.T) {
	svc, dir := newTestService(t, func(c *Config) {
		c.Watcher.Enabled = true
		c.Watcher.Debounce = 30 * time.Millisecond
	})
	path := filepath.Join(dir, "watched.txt")
	w := mustWrite(t, svc, path, "internal-v0")

	require.NoError(t, os.WriteFile(w.Path, []byte("external-v1"), 0o644))
	externalHash := fileio.ComputeHash([]byte("external-v1"))

	require.Eventually(t, func() bool {
		return svc.reg.Hash(w.Path) == externalHash
	}, 3*time.Second, 10*time.Millisecond, "registry must observe the external edit")

	content := "conflicting"
	_, c, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: w.Hash, Content: &content,
	})
	require.Nil(t, oe)
	require.NotNil(t, c)
	assert.Equal(t, externalHash, c.CurrentHash)
}

// Universal invariant: the fingerprint in every successful mutation's
// response equals the SHA-256 of the file's bytes on disk afterwards.
func TestInvariantResponseHashMatchesDisk(t *testing.T) {
	svc, dir := newTestService(t, nil)
	path := filepath.Join(dir, "inv.txt")

	w := mustWrite(t, svc, path, "one")
	onDisk, _ := os.ReadFile(w.Path)
	assert.Equal(t, fileio.ComputeHash(onDisk), w.Hash)

	two := "two"
	u, _, oe := svc.Update(context.Background(), UpdateRequest{
		Path: path, ExpectedHash: w.Hash, Content: &two,
	})
	require.Nil(t, oe)
	onDisk, _ = os.ReadFile(w.Path)
	assert.Equal(t, fileio.ComputeHash(onDisk), u.Hash)

	a, oe2 := svc.Append(context.Background(), AppendRequest{Path: path, Content: "-more"})
	require.Nil(t, oe2)
	onDisk, _ = os.ReadFile(w.Path)
	assert.Equal(t, fileio.ComputeHash(onDisk), a.Hash)
}
