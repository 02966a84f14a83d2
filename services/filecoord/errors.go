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
	"errors"
	"fmt"
)

// Kind is a stable error identifier surfaced to callers. These strings
// are the wire contract; renaming one is a breaking change.
type Kind string

const (
	KindFileNotFound             Kind = "file-not-found"
	KindFileExists               Kind = "file-exists"
	KindDirNotFound              Kind = "dir-not-found"
	KindPathOutsideBase          Kind = "path-outside-base"
	KindAccessDenied             Kind = "access-denied"
	KindLockTimeout              Kind = "lock-timeout"
	KindEncodingError            Kind = "encoding-error"
	KindInvalidPatch             Kind = "invalid-patch"
	KindContentOrPatchesRequired Kind = "content-or-patches-required"
	KindFileTooLarge             Kind = "file-too-large"
	KindWriteError               Kind = "write-error"
	KindDeleteError              Kind = "delete-error"
	KindRenameError              Kind = "rename-error"
	KindInvalidPath              Kind = "invalid-path"
	KindServerError              Kind = "server-error"
)

// OpError is an operation failure with a stable kind.
//
// A contention outcome is NOT an OpError: contention is a first-class
// response status with its own payload, produced by the operation layer
// directly.
type OpError struct {
	Kind    Kind
	Path    string
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// opErr builds an OpError.
func opErr(kind Kind, path, message string, err error) *OpError {
	return &OpError{Kind: kind, Path: path, Message: message, Err: err}
}

// opErrf builds an OpError with a formatted message and no cause.
func opErrf(kind Kind, path, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}

// AsOpError extracts an OpError from an error chain, wrapping anything
// unclassified as server-error.
func AsOpError(err error, path string) *OpError {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe
	}
	return &OpError{Kind: KindServerError, Path: path, Message: "unexpected internal failure", Err: err}
}
