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

import (
	"time"

	"github.com/AleutianAI/filecoord/services/filecoord/diffengine"
	"github.com/AleutianAI/filecoord/services/filecoord/lockmgr"
)

// Status values carried by every response envelope.
const (
	StatusOK         = "ok"
	StatusContention = "contention"
	StatusError      = "error"
)

// nowISO stamps responses with an ISO-8601 UTC timestamp.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// =============================================================================
// Requests
// =============================================================================

// ReadRequest reads a window of lines from a file.
type ReadRequest struct {
	Path     string `json:"path" binding:"required"`
	Offset   int    `json:"offset" binding:"gte=0"`
	Limit    *int   `json:"limit,omitempty"`
	Encoding string `json:"encoding"`
}

// WriteRequest creates a new file (create-only semantics).
type WriteRequest struct {
	Path           string  `json:"path" binding:"required"`
	Content        string  `json:"content"`
	Encoding       string  `json:"encoding"`
	CreateDirs     bool    `json:"create_dirs"`
	TimeoutSeconds float64 `json:"timeout"`
}

// UpdateRequest replaces or patches an existing file under an expected
// fingerprint. Exactly one of Content or Patches must be set.
type UpdateRequest struct {
	Path           string             `json:"path" binding:"required"`
	ExpectedHash   string             `json:"expected_hash" binding:"required"`
	Content        *string            `json:"content,omitempty"`
	Patches        []diffengine.Patch `json:"patches,omitempty"`
	Encoding       string             `json:"encoding"`
	TimeoutSeconds float64            `json:"timeout"`
	DiffFormat     diffengine.Format  `json:"diff_format"`
}

// DeleteRequest removes a file, optionally guarded by an expected hash.
type DeleteRequest struct {
	Path           string            `json:"path" binding:"required"`
	ExpectedHash   string            `json:"expected_hash,omitempty"`
	TimeoutSeconds float64           `json:"timeout"`
	DiffFormat     diffengine.Format `json:"diff_format"`
}

// RenameRequest moves a file, optionally guarded by an expected hash on
// the source.
type RenameRequest struct {
	OldPath        string  `json:"old_path" binding:"required"`
	NewPath        string  `json:"new_path" binding:"required"`
	ExpectedHash   string  `json:"expected_hash,omitempty"`
	Overwrite      bool    `json:"overwrite"`
	CreateDirs     bool    `json:"create_dirs"`
	TimeoutSeconds float64 `json:"timeout"`
}

// AppendRequest appends content; no contention check, appends are
// commutative at the protocol level.
type AppendRequest struct {
	Path            string  `json:"path" binding:"required"`
	Content         string  `json:"content"`
	Encoding        string  `json:"encoding"`
	CreateIfMissing bool    `json:"create_if_missing"`
	CreateDirs      bool    `json:"create_dirs"`
	Separator       string  `json:"separator"`
	TimeoutSeconds  float64 `json:"timeout"`
}

// ListRequest enumerates a directory.
type ListRequest struct {
	Path          string `json:"path" binding:"required"`
	Pattern       string `json:"pattern"`
	Recursive     bool   `json:"recursive"`
	IncludeHashes bool   `json:"include_hashes"`
}

// StatusRequest queries global state, or one path's state when Path is
// set.
type StatusRequest struct {
	Path string `json:"path,omitempty"`
}

// Batch requests iterate their items sequentially; they are not
// transactional and never short-circuit.
type BatchReadRequest struct {
	Files []ReadRequest `json:"files" binding:"required,min=1,dive"`
}

type BatchWriteRequest struct {
	Files          []WriteRequest `json:"files" binding:"required,min=1,dive"`
	TimeoutSeconds float64        `json:"timeout"`
}

type BatchUpdateRequest struct {
	Files          []UpdateRequest   `json:"files" binding:"required,min=1,dive"`
	TimeoutSeconds float64           `json:"timeout"`
	DiffFormat     diffengine.Format `json:"diff_format"`
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the error arm of the envelope.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode Kind   `json:"error_code"`
	Message   string `json:"message"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

// newErrorResponse converts an operation failure into the wire shape.
func newErrorResponse(e *OpError) *ErrorResponse {
	return &ErrorResponse{
		Status:    StatusError,
		ErrorCode: e.Kind,
		Message:   e.Message,
		Path:      e.Path,
		Timestamp: nowISO(),
	}
}

// ContentionResponse is returned when an expected_hash no longer matches
// the file's current fingerprint. It is an alternative outcome, not an
// error: the diff tells the agent exactly what changed so it can re-craft
// its edit without re-reading the whole file.
type ContentionResponse struct {
	Status                string               `json:"status"`
	Path                  string               `json:"path"`
	ExpectedHash          string               `json:"expected_hash"`
	CurrentHash           string               `json:"current_hash"`
	Message               string               `json:"message"`
	Diff                  diffengine.Diff      `json:"diff"`
	PatchesApplicable     *bool                `json:"patches_applicable,omitempty"`
	Conflicts             []diffengine.Conflict `json:"conflicts,omitempty"`
	NonConflictingPatches []int                `json:"non_conflicting_patches,omitempty"`
	Timestamp             string               `json:"timestamp"`
}

// ReadResponse is a successful read.
type ReadResponse struct {
	Status        string `json:"status"`
	Path          string `json:"path"`
	Content       string `json:"content"`
	Encoding      string `json:"encoding"`
	Hash          string `json:"hash"`
	TotalLines    int    `json:"total_lines"`
	Offset        int    `json:"offset"`
	Limit         *int   `json:"limit"`
	LinesReturned int    `json:"lines_returned"`
	Timestamp     string `json:"timestamp"`
}

// WriteResponse is a successful create.
type WriteResponse struct {
	Status       string `json:"status"`
	Path         string `json:"path"`
	Hash         string `json:"hash"`
	BytesWritten int    `json:"bytes_written"`
	Timestamp    string `json:"timestamp"`
}

// UpdateResponse is a successful update.
type UpdateResponse struct {
	Status       string `json:"status"`
	Path         string `json:"path"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
	BytesWritten int    `json:"bytes_written"`
	Timestamp    string `json:"timestamp"`
}

// DeleteResponse is a successful delete.
type DeleteResponse struct {
	Status      string `json:"status"`
	Path        string `json:"path"`
	DeletedHash string `json:"deleted_hash"`
	Timestamp   string `json:"timestamp"`
}

// RenameResponse is a successful rename. CrossFilesystem is true when the
// copy+delete fallback ran and atomicity was lost.
type RenameResponse struct {
	Status          string `json:"status"`
	OldPath         string `json:"old_path"`
	NewPath         string `json:"new_path"`
	Hash            string `json:"hash"`
	CrossFilesystem bool   `json:"cross_filesystem"`
	Timestamp       string `json:"timestamp"`
}

// AppendResponse is a successful append.
type AppendResponse struct {
	Status         string `json:"status"`
	Path           string `json:"path"`
	Hash           string `json:"hash"`
	BytesAppended  int64  `json:"bytes_appended"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	Timestamp      string `json:"timestamp"`
}

// DirectoryEntry is one row of a listing.
type DirectoryEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"` // "file" | "directory"
	SizeBytes *int64 `json:"size_bytes,omitempty"`
	Modified  string `json:"modified,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// ListResponse is a successful directory listing.
type ListResponse struct {
	Status       string           `json:"status"`
	Path         string           `json:"path"`
	Entries      []DirectoryEntry `json:"entries"`
	TotalEntries int              `json:"total_entries"`
	Pattern      string           `json:"pattern"`
	Recursive    bool             `json:"recursive"`
	Timestamp    string           `json:"timestamp"`
}

// ServerInfo summarizes the running process for global status.
type ServerInfo struct {
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Transport     string  `json:"transport"`
	Persistence   string  `json:"persistence"`
}

// ActiveLocks counts current holders by mode.
type ActiveLocks struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// GlobalStatusResponse answers status without a path.
type GlobalStatusResponse struct {
	Status          string      `json:"status"`
	Server          ServerInfo  `json:"server"`
	TrackedFiles    int         `json:"tracked_files"`
	ActiveLocks     ActiveLocks `json:"active_locks"`
	QueueDepth      int         `json:"queue_depth"`
	BaseDirectories []string    `json:"base_directories"`
	Timestamp       string      `json:"timestamp"`
}

// PendingRequestInfo describes one queued waiter for per-path status.
type PendingRequestInfo struct {
	Mode     lockmgr.Mode `json:"type"`
	QueuedAt string       `json:"queued_at"`
	Deadline string       `json:"deadline,omitempty"`
}

// FileStatusResponse answers status for one path.
type FileStatusResponse struct {
	Status          string               `json:"status"`
	Path            string               `json:"path"`
	Exists          bool                 `json:"exists"`
	Hash            string               `json:"hash,omitempty"`
	LockState       string               `json:"lock_state"` // "unlocked" | "read_locked" | "write_locked"
	QueueDepth      int                  `json:"queue_depth"`
	ActiveReaders   int                  `json:"active_readers"`
	PendingRequests []PendingRequestInfo `json:"pending_requests"`
	Timestamp       string               `json:"timestamp"`
}

// BatchSummary aggregates a batch's per-item outcomes.
type BatchSummary struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Contention int `json:"contention"`
}

// BatchResponse carries one envelope per submitted item plus a summary.
// Items hold *ReadResponse/*WriteResponse/*UpdateResponse,
// *ContentionResponse, or *ErrorResponse values.
type BatchResponse struct {
	Status    string       `json:"status"`
	Results   []any        `json:"results"`
	Summary   BatchSummary `json:"summary"`
	Timestamp string       `json:"timestamp"`
}

// HealthResponse is the health() collaborator contract.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
