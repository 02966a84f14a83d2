// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lockmgr implements the per-path read/write lock manager with
// FIFO queueing, shared coalescing, deadlines, and cancellation.
//
// Invariants enforced here:
//
//   - At most one exclusive holder per canonical path, excluding all
//     shared holders.
//   - Waiters are served in strict arrival order, with one relaxation:
//     when an exclusive lock releases, a contiguous prefix of shared
//     waiters at the head of the queue is granted together. Promotion
//     stops at the first exclusive waiter.
//   - A fresh shared request skips the queue only when the lock is
//     shared or free AND the queue is empty, so a continuous stream of
//     reads cannot starve a waiting write.
//
// Internal critical sections are short and never perform I/O or block.
package lockmgr

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// waiter is one queued acquisition. The ready channel is closed exactly
// once, under the manager mutex, when the grant is applied.
type waiter struct {
	mode     Mode
	token    string
	ordinal  uint64
	queuedAt time.Time
	deadline time.Time
	ready    chan struct{}
	granted  bool
}

// pathLock is the lock state for a single canonical path. Created lazily
// on first use and reclaimed once no holders remain and the queue is
// empty.
type pathLock struct {
	sharedHolders   map[string]struct{}
	exclusiveHolder string
	queue           []*waiter
}

func (pl *pathLock) idle() bool {
	return len(pl.sharedHolders) == 0 && pl.exclusiveHolder == "" && len(pl.queue) == 0
}

// Manager coordinates per-path locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A single manager-wide mutex
// guards the lock table; it is held only for queue manipulation, never
// across a wait.
type Manager struct {
	mu          sync.Mutex
	locks       map[string]*pathLock
	nextOrdinal uint64
	refusing    bool
	logger      *slog.Logger

	// WaitObserver, when set, is invoked after every acquisition attempt
	// with the time spent waiting and whether the lock was granted. Used
	// by the metrics layer.
	WaitObserver func(mode Mode, waited time.Duration, granted bool)
}

// NewManager creates an empty lock manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		locks:  make(map[string]*pathLock),
		logger: logger.With(slog.String("subsystem", "lockmgr")),
	}
}

// AcquireShared acquires a shared (read) lock on a canonical path.
//
// # Description
//
// Grants immediately when the lock is free or shared and nobody is
// queued. Otherwise the request joins the FIFO queue. A zero deadline
// waits until the context is cancelled.
//
// # Outputs
//
//   - string: Holder token for Release.
//   - error: ErrTimeout, ErrShuttingDown, or the context's error.
func (m *Manager) AcquireShared(ctx context.Context, path string, deadline time.Time) (string, error) {
	return m.acquire(ctx, path, ModeShared, deadline)
}

// AcquireExclusive acquires an exclusive (write) lock on a canonical path.
func (m *Manager) AcquireExclusive(ctx context.Context, path string, deadline time.Time) (string, error) {
	return m.acquire(ctx, path, ModeExclusive, deadline)
}

func (m *Manager) acquire(ctx context.Context, path string, mode Mode, deadline time.Time) (string, error) {
	token := uuid.NewString()
	start := time.Now()

	m.mu.Lock()
	if m.refusing {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}

	pl := m.locks[path]
	if pl == nil {
		pl = &pathLock{sharedHolders: make(map[string]struct{})}
		m.locks[path] = pl
	}

	// Immediate admission. Shared requests may only skip the queue when
	// no earlier waiter exists; exclusive requests additionally need the
	// lock to be completely free.
	if len(pl.queue) == 0 {
		switch mode {
		case ModeShared:
			if pl.exclusiveHolder == "" {
				pl.sharedHolders[token] = struct{}{}
				m.mu.Unlock()
				m.observe(mode, time.Since(start), true)
				return token, nil
			}
		case ModeExclusive:
			if pl.exclusiveHolder == "" && len(pl.sharedHolders) == 0 {
				pl.exclusiveHolder = token
				m.mu.Unlock()
				m.observe(mode, time.Since(start), true)
				return token, nil
			}
		}
	}

	w := &waiter{
		mode:     mode,
		token:    token,
		ordinal:  m.nextOrdinal,
		queuedAt: time.Now().UTC(),
		deadline: deadline,
		ready:    make(chan struct{}),
	}
	m.nextOrdinal++
	pl.queue = append(pl.queue, w)
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		m.observe(mode, time.Since(start), true)
		return token, nil

	case <-timeout:
		if m.abandonWaiter(path, w) {
			m.observe(mode, time.Since(start), false)
			return "", ErrTimeout
		}
		// The grant raced the deadline and won; the lock is ours.
		m.observe(mode, time.Since(start), true)
		return token, nil

	case <-ctx.Done():
		if m.abandonWaiter(path, w) {
			m.observe(mode, time.Since(start), false)
			return "", ctx.Err()
		}
		// Granted just as the request was cancelled: release so the
		// queue keeps moving, then propagate the cancellation.
		_ = m.Release(path, token)
		return "", ctx.Err()
	}
}

// abandonWaiter removes w from the queue if it has not been granted yet.
// Returns true when the waiter was removed (acquisition failed), false
// when the grant already happened.
func (m *Manager) abandonWaiter(path string, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.granted {
		return false
	}

	pl := m.locks[path]
	if pl == nil {
		return true
	}
	for i, qw := range pl.queue {
		if qw == w {
			pl.queue = append(pl.queue[:i], pl.queue[i+1:]...)
			break
		}
	}
	// Removing a queue head can unblock the waiters behind it.
	m.promoteLocked(path, pl)
	return true
}

// AcquireTwoExclusive acquires exclusive locks on two distinct canonical
// paths in lexicographic order.
//
// # Description
//
// The global sort order makes cycles impossible; this is the only place
// two locks are ever held at once. If the second acquisition fails, the
// first lock is released before the error is returned.
//
// # Outputs
//
//   - tokenA, tokenB: Holder tokens in the caller's argument order.
func (m *Manager) AcquireTwoExclusive(ctx context.Context, pathA, pathB string, deadline time.Time) (tokenA, tokenB string, err error) {
	if pathA == pathB {
		return "", "", ErrSamePath
	}

	ordered := []string{pathA, pathB}
	sort.Strings(ordered)

	first, err := m.AcquireExclusive(ctx, ordered[0], deadline)
	if err != nil {
		return "", "", err
	}
	second, err := m.AcquireExclusive(ctx, ordered[1], deadline)
	if err != nil {
		if relErr := m.Release(ordered[0], first); relErr != nil {
			m.logger.Warn("releasing first lock after failed two-lock acquisition",
				slog.String("path", ordered[0]),
				slog.String("error", relErr.Error()))
		}
		return "", "", err
	}

	if ordered[0] == pathA {
		return first, second, nil
	}
	return second, first, nil
}

// Release releases a held lock and promotes eligible waiters.
func (m *Manager) Release(path, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl := m.locks[path]
	if pl == nil {
		return ErrNotHeld
	}

	switch {
	case pl.exclusiveHolder == token:
		pl.exclusiveHolder = ""
	default:
		if _, ok := pl.sharedHolders[token]; !ok {
			return ErrNotHeld
		}
		delete(pl.sharedHolders, token)
	}

	m.promoteLocked(path, pl)
	return nil
}

// promoteLocked walks the queue head and grants every waiter the current
// state admits. Must be called with m.mu held.
//
// The scheduling rule: an exclusive head is granted only when the lock is
// completely free; a shared head is granted whenever no exclusive holder
// exists, and all contiguous shared waiters behind it are granted in the
// same pass. The first exclusive waiter pins the horizon.
func (m *Manager) promoteLocked(path string, pl *pathLock) {
	for len(pl.queue) > 0 {
		head := pl.queue[0]

		if head.mode == ModeExclusive {
			if len(pl.sharedHolders) == 0 && pl.exclusiveHolder == "" {
				pl.queue = pl.queue[1:]
				pl.exclusiveHolder = head.token
				head.granted = true
				close(head.ready)
			}
			break
		}

		// Shared head: admit the whole contiguous shared prefix.
		if pl.exclusiveHolder != "" {
			break
		}
		for len(pl.queue) > 0 && pl.queue[0].mode == ModeShared {
			w := pl.queue[0]
			pl.queue = pl.queue[1:]
			pl.sharedHolders[w.token] = struct{}{}
			w.granted = true
			close(w.ready)
		}
		break
	}

	if pl.idle() {
		delete(m.locks, path)
	}
}

// =============================================================================
// Introspection
// =============================================================================

// Status returns the lock view of one canonical path.
func (m *Manager) Status(path string) PathStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := PathStatus{Path: path}
	pl := m.locks[path]
	if pl == nil {
		return st
	}

	st.ActiveReaders = len(pl.sharedHolders)
	st.ExclusiveHeld = pl.exclusiveHolder != ""
	st.QueueDepth = len(pl.queue)
	for _, w := range pl.queue {
		st.Pending = append(st.Pending, PendingWaiter{
			Path:     path,
			Mode:     w.mode,
			Ordinal:  w.ordinal,
			QueuedAt: w.queuedAt,
			Deadline: w.deadline,
		})
	}
	return st
}

// Totals aggregates holder and queue counts across every path.
func (m *Manager) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()

	var t Totals
	for _, pl := range m.locks {
		t.SharedHolders += len(pl.sharedHolders)
		if pl.exclusiveHolder != "" {
			t.ExclusiveHolders++
		}
		t.QueueDepth += len(pl.queue)
	}
	return t
}

// PendingWaiters returns metadata for every queued request across all
// paths, ordered by arrival. Used by persistence snapshots.
func (m *Manager) PendingWaiters() []PendingWaiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingWaiter
	for path, pl := range m.locks {
		for _, w := range pl.queue {
			out = append(out, PendingWaiter{
				Path:     path,
				Mode:     w.mode,
				Ordinal:  w.ordinal,
				QueuedAt: w.queuedAt,
				Deadline: w.deadline,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// =============================================================================
// Shutdown
// =============================================================================

// RefuseNew makes every subsequent acquisition fail with ErrShuttingDown.
// Current holders and already-queued waiters are unaffected.
func (m *Manager) RefuseNew() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refusing = true
}

// WaitIdle blocks until no locks are held and no waiters are queued, or
// the context expires. Called during graceful shutdown after RefuseNew.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		t := m.Totals()
		if t.SharedHolders == 0 && t.ExclusiveHolders == 0 && t.QueueDepth == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) observe(mode Mode, waited time.Duration, granted bool) {
	if m.WaitObserver != nil {
		m.WaitObserver(mode, waited, granted)
	}
}
