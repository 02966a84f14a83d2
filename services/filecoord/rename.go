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
	"errors"
	"os"
	"path/filepath"
)

// Rename moves a file to a new path.
//
// # Description
//
// The only operation holding two locks at once. Both exclusive locks are
// acquired in lexicographic path order, which makes deadlock impossible
// under adversarial concurrency; identical canonical paths are rejected
// before any lock is taken.
//
// On the same filesystem the rename is atomic. Across filesystems the
// I/O layer falls back to copy+delete and the response carries
// cross_filesystem=true; atomicity is lost in that case.
func (s *Service) Rename(ctx context.Context, req RenameRequest) (*RenameResponse, *ContentionResponse, *OpError) {
	oldCanonical, oe := s.validate(req.OldPath, "rename-src")
	if oe != nil {
		return nil, nil, oe
	}
	newCanonical, oe := s.validate(req.NewPath, "rename-dst")
	if oe != nil {
		return nil, nil, oe
	}
	if oldCanonical == newCanonical {
		return nil, nil, opErrf(KindInvalidPath, req.OldPath,
			"source and destination resolve to the same canonical path")
	}

	tokenOld, tokenNew, err := s.locks.AcquireTwoExclusive(ctx, oldCanonical, newCanonical, s.deadline(req.TimeoutSeconds))
	if err != nil {
		return nil, nil, acquireErr(err, oldCanonical, req.TimeoutSeconds)
	}
	defer s.locks.Release(oldCanonical, tokenOld)
	defer s.locks.Release(newCanonical, tokenNew)

	currentBytes, currentHash, oe := s.readCurrent(ctx, oldCanonical)
	if oe != nil {
		return nil, nil, oe
	}

	if req.ExpectedHash != "" && req.ExpectedHash != currentHash {
		currentContent, oe := decodeText(currentBytes, oldCanonical)
		if oe != nil {
			return nil, nil, oe
		}
		return nil, s.contention(oldCanonical, req.ExpectedHash, currentHash, currentContent, "", "", nil), nil
	}

	if _, err := s.io.Stat(ctx, newCanonical); err == nil {
		if !req.Overwrite {
			return nil, nil, opErrf(KindFileExists, newCanonical,
				"destination exists and overwrite is false")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, opErr(KindRenameError, newCanonical, "failed to stat destination", err)
	}

	if req.CreateDirs {
		if err := s.io.MkdirAll(ctx, filepath.Dir(newCanonical)); err != nil {
			return nil, nil, opErr(KindRenameError, newCanonical, "failed to create parent directories", err)
		}
	}

	crossFS, err := s.io.Rename(ctx, oldCanonical, newCanonical)
	if err != nil {
		return nil, nil, opErr(KindRenameError, oldCanonical, "failed to rename file", err)
	}

	s.reg.Remove(oldCanonical)
	s.publish(newCanonical, currentHash, currentBytes)

	return &RenameResponse{
		Status:          StatusOK,
		OldPath:         oldCanonical,
		NewPath:         newCanonical,
		Hash:            currentHash,
		CrossFilesystem: crossFS,
		Timestamp:       nowISO(),
	}, nil, nil
}
