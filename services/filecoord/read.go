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
	"strings"
	"time"

	"github.com/AleutianAI/filecoord/services/filecoord/registry"
)

// noDeadline marks a waiter that waits until granted or cancelled.
func noDeadline() time.Time {
	return time.Time{}
}

// Read reads a file under a shared lock.
//
// # Description
//
// The fingerprint is always computed over the full file bytes, even when
// the caller asks for a line window, so two agents holding the same hash
// agree on the file's content regardless of how much of it they consumed.
// Read locks carry no deadline; they wait until granted or the request is
// cancelled.
func (s *Service) Read(ctx context.Context, req ReadRequest) (*ReadResponse, *OpError) {
	if oe := s.checkEncoding(req.Encoding, req.Path); oe != nil {
		return nil, oe
	}
	canonical, oe := s.validate(req.Path, "read")
	if oe != nil {
		return nil, oe
	}

	token, err := s.locks.AcquireShared(ctx, canonical, noDeadline())
	if err != nil {
		return nil, acquireErr(err, canonical, 0)
	}
	defer s.locks.Release(canonical, token)

	data, hash, oe := s.readCurrent(ctx, canonical)
	if oe != nil {
		return nil, oe
	}

	content, oe := decodeText(data, canonical)
	if oe != nil {
		return nil, oe
	}

	if result := s.scanner.Scan(content); result.Blocked {
		return nil, opErrf(KindAccessDenied, canonical,
			"content blocked by rule %q (line %d)", result.MatchedPattern, result.MatchedLine)
	}

	// A read is the agent's knowledge anchor: track the fingerprint and
	// remember this version so a later stale update can be answered with
	// an exact diff.
	s.reg.Update(canonical, hash, registry.SourceInternalWrite)
	s.versions.Put(hash, data)

	totalLines := countLines(content)
	sliced, returned := sliceLines(content, req.Offset, req.Limit)

	return &ReadResponse{
		Status:        StatusOK,
		Path:          canonical,
		Content:       sliced,
		Encoding:      encodingOrDefault(req.Encoding, s.config.DefaultEncoding),
		Hash:          hash,
		TotalLines:    totalLines,
		Offset:        req.Offset,
		Limit:         req.Limit,
		LinesReturned: returned,
		Timestamp:     nowISO(),
	}, nil
}

func encodingOrDefault(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

// countLines counts lines the way the diff engine does: a trailing
// newline does not start an empty final line, and empty content has zero
// lines.
func countLines(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(content, "\n"), "\n") + 1
}

// sliceLines applies an (offset, limit) line window.
//
// Offset is zero-based. An offset at or beyond the total line count
// returns zero lines. A nil limit means "to the end". The full-content
// fast path returns the exact original bytes so read-after-write round
// trips are byte-identical.
func sliceLines(content string, offset int, limit *int) (string, int) {
	if offset <= 0 && limit == nil {
		return content, countLines(content)
	}

	if content == "" {
		return "", 0
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if offset >= len(lines) {
		return "", 0
	}
	if offset < 0 {
		offset = 0
	}

	end := len(lines)
	if limit != nil && offset+*limit < end {
		end = offset + *limit
	}
	return strings.Join(lines[offset:end], "\n"), end - offset
}
