// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashPrefix is prepended to every content fingerprint.
const HashPrefix = "sha256:"

// ComputeHash computes the content fingerprint of raw bytes.
//
// # Description
//
// Returns "sha256:" followed by the lowercase hex SHA-256 digest of data.
// No line-ending normalization is applied: the same logical content with
// CRLF vs LF line endings produces different fingerprints, which is the
// intended behavior for byte-exact contention checks.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// ComputeFileHash computes the content fingerprint of a file on disk.
//
// # Description
//
// Streams the file through SHA-256 without loading it fully into memory.
// Files larger than maxSizeBytes are refused with ErrFileTooLarge so the
// diff engine's O(N*M) worst case stays bounded.
//
// # Inputs
//
//   - path: Absolute file path.
//   - maxSizeBytes: Upper bound on file size. Zero disables the check.
//
// # Outputs
//
//   - string: Fingerprint in "sha256:<hex>" format.
//   - error: os.ErrNotExist if the file is missing, ErrFileTooLarge if
//     oversize, other I/O errors otherwise.
func ComputeFileHash(path string, maxSizeBytes int64) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if maxSizeBytes > 0 && info.Size() > maxSizeBytes {
		return "", fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFileTooLarge, path, info.Size(), maxSizeBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
