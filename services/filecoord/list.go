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
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// List enumerates directory entries.
//
// # Description
//
// Read-family: takes no lock and no directory-wide snapshot, so a
// concurrent mutation can produce a torn view; the listing is explicitly
// best-effort. With include_hashes, each file carries the registry's
// current fingerprint or nothing when untracked -- the registry is not
// refreshed by listing.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResponse, *OpError) {
	canonical, oe := s.validate(req.Path, "list")
	if oe != nil {
		return nil, oe
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, opErrf(KindDirNotFound, canonical, "directory not found")
	}
	if !info.IsDir() {
		return nil, opErrf(KindDirNotFound, canonical, "path is not a directory")
	}

	pattern := req.Pattern
	if pattern == "" {
		pattern = "*"
	}

	var entries []DirectoryEntry
	appendEntry := func(relName, fullPath string, d fs.DirEntry) {
		if pattern != "*" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return
			}
		}

		entry := DirectoryEntry{Name: relName}
		if d.IsDir() {
			entry.Type = "directory"
		} else {
			entry.Type = "file"
		}

		if fi, err := d.Info(); err == nil {
			entry.Modified = fi.ModTime().UTC().Format(time.RFC3339)
			if !d.IsDir() {
				size := fi.Size()
				entry.SizeBytes = &size
			}
		}

		if req.IncludeHashes && !d.IsDir() {
			if c, err := s.validator.Validate(fullPath, "read"); err == nil {
				entry.Hash = s.reg.Hash(c)
			}
		}
		entries = append(entries, entry)
	}

	if req.Recursive {
		err = filepath.WalkDir(canonical, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil // unreadable subtree: skip, keep walking
			}
			if path == canonical {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, relErr := filepath.Rel(canonical, path)
			if relErr != nil {
				return nil
			}
			appendEntry(rel, path, d)
			return nil
		})
		if err != nil {
			return nil, opErr(KindServerError, canonical, "listing interrupted", err)
		}
	} else {
		dirEntries, err := os.ReadDir(canonical)
		if err != nil {
			return nil, opErr(KindServerError, canonical, "failed to read directory", err)
		}
		for _, d := range dirEntries {
			appendEntry(d.Name(), filepath.Join(canonical, d.Name()), d)
		}
	}

	if entries == nil {
		entries = []DirectoryEntry{}
	}
	return &ListResponse{
		Status:       StatusOK,
		Path:         canonical,
		Entries:      entries,
		TotalEntries: len(entries),
		Pattern:      pattern,
		Recursive:    req.Recursive,
		Timestamp:    nowISO(),
	}, nil
}
