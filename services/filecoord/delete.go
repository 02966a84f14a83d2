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
)

// Delete removes a file, optionally guarded by an expected hash.
//
// # Description
//
// With an expected_hash, delete participates in the same contention
// protocol as update: a stale hash yields a contention payload with a
// diff, and the file survives. Without one, the delete is unconditional.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (*DeleteResponse, *ContentionResponse, *OpError) {
	canonical, oe := s.validate(req.Path, "delete")
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

	if req.ExpectedHash != "" && req.ExpectedHash != currentHash {
		currentContent, oe := decodeText(currentBytes, canonical)
		if oe != nil {
			return nil, nil, oe
		}
		return nil, s.contention(canonical, req.ExpectedHash, currentHash, currentContent, "", req.DiffFormat, nil), nil
	}

	if err := s.io.Delete(ctx, canonical); err != nil {
		return nil, nil, opErr(KindDeleteError, canonical, "failed to delete file", err)
	}

	s.reg.Remove(canonical)
	s.markDirty()

	return &DeleteResponse{
		Status:      StatusOK,
		Path:        canonical,
		DeletedHash: currentHash,
		Timestamp:   nowISO(),
	}, nil, nil
}
