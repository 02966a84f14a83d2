// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lockmgr

import (
	"errors"
	"time"
)

// Mode is a lock request's sharing mode.
type Mode string

const (
	// ModeShared allows concurrent holders (readers).
	ModeShared Mode = "shared"

	// ModeExclusive allows exactly one holder (writers).
	ModeExclusive Mode = "exclusive"
)

// Lock manager failures.
var (
	// ErrTimeout means a waiter's deadline elapsed before its grant.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld means a release named a token that holds nothing.
	ErrNotHeld = errors.New("lock not held")

	// ErrSamePath means a two-lock acquisition named the same canonical
	// path twice.
	ErrSamePath = errors.New("two-lock acquisition requires distinct paths")

	// ErrShuttingDown means the manager is refusing new waiters.
	ErrShuttingDown = errors.New("lock manager is shutting down")
)

// PendingWaiter describes one queued request, for status views and
// persistence snapshots. No content and no signaling state is exposed.
type PendingWaiter struct {
	Path     string    `json:"path"`
	Mode     Mode      `json:"mode"`
	Ordinal  uint64    `json:"ordinal"`
	QueuedAt time.Time `json:"queued_at"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// PathStatus is the lock view of a single canonical path.
type PathStatus struct {
	Path          string
	ActiveReaders int
	ExclusiveHeld bool
	QueueDepth    int
	Pending       []PendingWaiter
}

// Totals aggregates lock state across all paths.
type Totals struct {
	SharedHolders    int
	ExclusiveHolders int
	QueueDepth       int
}
