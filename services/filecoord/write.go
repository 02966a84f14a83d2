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

	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
)

// Write creates a new file (create-only semantics).
//
// # Description
//
// Fails with file-exists when the target already exists; agents that
// want to change an existing file must use Update so the contention
// check protects concurrent edits.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*WriteResponse, *OpError) {
	if oe := s.checkEncoding(req.Encoding, req.Path); oe != nil {
		return nil, oe
	}
	content := []byte(req.Content)
	if int64(len(content)) > s.config.MaxFileSizeBytes {
		return nil, opErrf(KindFileTooLarge, req.Path,
			"content is %d bytes (max %d)", len(content), s.config.MaxFileSizeBytes)
	}

	canonical, oe := s.validate(req.Path, "write")
	if oe != nil {
		return nil, oe
	}

	token, err := s.locks.AcquireExclusive(ctx, canonical, s.deadline(req.TimeoutSeconds))
	if err != nil {
		return nil, acquireErr(err, canonical, req.TimeoutSeconds)
	}
	defer s.locks.Release(canonical, token)

	if _, err := s.io.Stat(ctx, canonical); err == nil {
		return nil, opErrf(KindFileExists, canonical, "file already exists (write is create-only; use update)")
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, opErr(KindWriteError, canonical, "failed to stat target", err)
	}

	if req.CreateDirs {
		if err := s.io.MkdirAll(ctx, filepath.Dir(canonical)); err != nil {
			return nil, opErr(KindWriteError, canonical, "failed to create parent directories", err)
		}
	}

	if err := s.io.AtomicWrite(ctx, canonical, content); err != nil {
		return nil, opErr(KindWriteError, canonical, "failed to write file", err)
	}

	hash := fileio.ComputeHash(content)
	s.publish(canonical, hash, content)

	return &WriteResponse{
		Status:       StatusOK,
		Path:         canonical,
		Hash:         hash,
		BytesWritten: len(content),
		Timestamp:    nowISO(),
	}, nil
}

// Append appends content to a file under an exclusive lock.
//
// # Description
//
// No contention check: appends are commutative at the protocol level, so
// two agents appending concurrently both succeed and both suffixes land.
// Agents that need compare-and-swap semantics use Update. The whole-file
// fingerprint is recomputed after the write; appends are not a hot path
// and correctness beats throughput.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*AppendResponse, *OpError) {
	if oe := s.checkEncoding(req.Encoding, req.Path); oe != nil {
		return nil, oe
	}

	canonical, oe := s.validate(req.Path, "append")
	if oe != nil {
		return nil, oe
	}

	token, err := s.locks.AcquireExclusive(ctx, canonical, s.deadline(req.TimeoutSeconds))
	if err != nil {
		return nil, acquireErr(err, canonical, req.TimeoutSeconds)
	}
	defer s.locks.Release(canonical, token)

	if _, err := s.io.Stat(ctx, canonical); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, opErr(KindWriteError, canonical, "failed to stat target", err)
		}
		if !req.CreateIfMissing {
			return nil, opErrf(KindFileNotFound, canonical, "file does not exist and create_if_missing is false")
		}
		if req.CreateDirs {
			if err := s.io.MkdirAll(ctx, filepath.Dir(canonical)); err != nil {
				return nil, opErr(KindWriteError, canonical, "failed to create parent directories", err)
			}
		}
	}

	appended, totalSize, err := s.io.Append(ctx, canonical, []byte(req.Content), []byte(req.Separator), req.CreateIfMissing)
	if err != nil {
		return nil, opErr(KindWriteError, canonical, "failed to append", err)
	}
	if totalSize > s.config.MaxFileSizeBytes {
		s.logger.Warn("append grew file past the size limit; subsequent reads will refuse it",
			"path", canonical, "size", totalSize)
	}

	// The size limit is not applied here: the append already happened,
	// and the registry must reflect reality.
	data, err := s.io.ReadFile(ctx, canonical, 0)
	if err != nil {
		return nil, opErr(KindServerError, canonical, "failed to rehash after append", err)
	}
	hash := fileio.ComputeHash(data)
	s.publish(canonical, hash, data)

	return &AppendResponse{
		Status:         StatusOK,
		Path:           canonical,
		Hash:           hash,
		BytesAppended:  appended,
		TotalSizeBytes: totalSize,
		Timestamp:      nowISO(),
	}, nil
}
