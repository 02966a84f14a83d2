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

	"github.com/AleutianAI/filecoord/services/filecoord/diffengine"
	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
)

// Update replaces or patches an existing file under an expected hash.
//
// # Description
//
// The diff-based optimistic contention protocol:
//
//  1. Acquire the exclusive lock.
//  2. Recompute the file's fingerprint from disk (the registry is not
//     trusted on write paths).
//  3. If it differs from expected_hash, answer status=contention with a
//     diff of what changed and, for patch submissions, which patches
//     still apply. Nothing is written.
//  4. Otherwise apply the change atomically and publish the new
//     fingerprint before responding.
//
// Exactly one of Content or Patches must be provided.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*UpdateResponse, *ContentionResponse, *OpError) {
	hasContent := req.Content != nil
	hasPatches := req.Patches != nil
	if hasContent == hasPatches {
		return nil, nil, opErrf(KindContentOrPatchesRequired, req.Path,
			"exactly one of content or patches must be provided")
	}
	if oe := s.checkEncoding(req.Encoding, req.Path); oe != nil {
		return nil, nil, oe
	}

	canonical, oe := s.validate(req.Path, "update")
	if oe != nil {
		return nil, nil, oe
	}

	token, err := s.locks.AcquireExclusive(ctx, canonical, s.deadline(req.TimeoutSeconds))
	if err != nil {
		return nil, nil, acquireErr(err, canonical, req.TimeoutSeconds)
	}
	defer s.locks.Release(canonical, token)

	currentBytes, currentHash, oe := s.readCurrent(ctx, canonical)
	if oe != nil {
		return nil, nil, oe
	}

	// Contention check: exact, against the bytes on disk right now.
	if currentHash != req.ExpectedHash {
		currentContent, oe := decodeText(currentBytes, canonical)
		if oe != nil {
			return nil, nil, oe
		}

		fallback := ""
		if hasContent {
			fallback = *req.Content
		}
		var patches []diffengine.Patch
		if hasPatches {
			patches = req.Patches
		}
		return nil, s.contention(canonical, req.ExpectedHash, currentHash, currentContent, fallback, req.DiffFormat, patches), nil
	}

	var newContent string
	if hasContent {
		newContent = *req.Content
	} else {
		currentContent, oe := decodeText(currentBytes, canonical)
		if oe != nil {
			return nil, nil, oe
		}
		patched, err := diffengine.ApplyPatches(currentContent, req.Patches)
		if err != nil {
			if errors.Is(err, diffengine.ErrPatchNotApplicable) {
				return nil, nil, opErr(KindInvalidPatch, canonical, err.Error(), nil)
			}
			return nil, nil, opErr(KindServerError, canonical, "patch application failed", err)
		}
		newContent = patched
	}

	encoded := []byte(newContent)
	if int64(len(encoded)) > s.config.MaxFileSizeBytes {
		return nil, nil, opErrf(KindFileTooLarge, canonical,
			"updated content is %d bytes (max %d)", len(encoded), s.config.MaxFileSizeBytes)
	}

	if err := s.io.AtomicWrite(ctx, canonical, encoded); err != nil {
		return nil, nil, opErr(KindWriteError, canonical, "failed to write file", err)
	}

	newHash := fileio.ComputeHash(encoded)
	s.publish(canonical, newHash, encoded)

	return &UpdateResponse{
		Status:       StatusOK,
		Path:         canonical,
		PreviousHash: currentHash,
		Hash:         newHash,
		BytesWritten: len(encoded),
		Timestamp:    nowISO(),
	}, nil, nil
}
