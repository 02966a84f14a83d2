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
	"context"
	"os"
	"time"
)

// GlobalStatus reports the engine-wide view.
func (s *Service) GlobalStatus(ctx context.Context) *GlobalStatusResponse {
	persistence := "disabled"
	if s.config.Persistence.Enabled {
		persistence = "enabled"
	}

	totals := s.locks.Totals()
	return &GlobalStatusResponse{
		Status: StatusOK,
		Server: ServerInfo{
			Version:       Version,
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
			Transport:     Transport,
			Persistence:   persistence,
		},
		TrackedFiles: s.reg.Len(),
		ActiveLocks: ActiveLocks{
			Read:  totals.SharedHolders,
			Write: totals.ExclusiveHolders,
		},
		QueueDepth:      totals.QueueDepth,
		BaseDirectories: s.validator.Bases(),
		Timestamp:       nowISO(),
	}
}

// FileStatus reports one path's lock and tracking state.
func (s *Service) FileStatus(ctx context.Context, path string) (*FileStatusResponse, *OpError) {
	canonical, oe := s.validate(path, "read")
	if oe != nil {
		return nil, oe
	}

	_, statErr := os.Stat(canonical)
	exists := statErr == nil

	hash := ""
	if exists {
		hash = s.reg.Hash(canonical)
	}

	lockStatus := s.locks.Status(canonical)
	state := "unlocked"
	switch {
	case lockStatus.ExclusiveHeld:
		state = "write_locked"
	case lockStatus.ActiveReaders > 0:
		state = "read_locked"
	}

	pending := make([]PendingRequestInfo, 0, len(lockStatus.Pending))
	for _, w := range lockStatus.Pending {
		info := PendingRequestInfo{
			Mode:     w.Mode,
			QueuedAt: w.QueuedAt.UTC().Format(time.RFC3339Nano),
		}
		if !w.Deadline.IsZero() {
			info.Deadline = w.Deadline.UTC().Format(time.RFC3339Nano)
		}
		pending = append(pending, info)
	}

	return &FileStatusResponse{
		Status:          StatusOK,
		Path:            canonical,
		Exists:          exists,
		Hash:            hash,
		LockState:       state,
		QueueDepth:      lockStatus.QueueDepth,
		ActiveReaders:   lockStatus.ActiveReaders,
		PendingRequests: pending,
		Timestamp:       nowISO(),
	}, nil
}

// Status dispatches between the global and per-path views.
func (s *Service) Status(ctx context.Context, req StatusRequest) (any, *OpError) {
	if req.Path == "" {
		return s.GlobalStatus(ctx), nil
	}
	resp, oe := s.FileStatus(ctx, req.Path)
	if oe != nil {
		return nil, oe
	}
	return resp, nil
}
