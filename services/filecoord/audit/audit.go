// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records every tool invocation as a JSONL trail.
//
// The trail is separate from operational logging: it is append-only,
// machine-parseable, and captures who did what to which path with what
// outcome. File contents are never recorded, only hashes and sizes.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audited tool call.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	RequestID    string `json:"request_id"`
	Tool         string `json:"tool"`
	Path         string `json:"path,omitempty"`
	ResultStatus string `json:"result_status"`
	ErrorCode    string `json:"error_code,omitempty"`
	PreviousHash string `json:"previous_hash,omitempty"`
	NewHash      string `json:"new_hash,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// Logger appends audit entries to a JSONL file.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized by an internal mutex.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	enabled bool
}

// New opens (or creates) the audit trail at path. A nil Logger methods-set
// is not used; pass enabled=false to get a no-op logger instead.
func New(path string, enabled bool) (*Logger, error) {
	if !enabled {
		return &Logger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, enc: json.NewEncoder(f), enabled: true}, nil
}

// Record appends one entry. Failures are swallowed; auditing must never
// fail an operation.
func (l *Logger) Record(e Entry) {
	if !l.enabled {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(e)
}

// Close flushes and closes the trail.
func (l *Logger) Close() error {
	if !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
