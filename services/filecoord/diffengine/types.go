// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diffengine computes structured and unified diffs between two
// file versions and decides whether string patches still apply.
//
// Files are treated as line sequences for diffing; raw bytes are only
// used for hashing. Binary content therefore produces poor diffs, which
// is acceptable under the service's text-only contract and size limit.
package diffengine

// Format selects the diff representation in contention responses.
type Format string

const (
	// FormatJSON is the structured region form.
	FormatJSON Format = "json"

	// FormatUnified is standard unified-diff text.
	FormatUnified Format = "unified"
)

// ChangeType tags a change region.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Region is a single contiguous change between two versions.
//
// Line numbers are 1-based. For added regions they refer to the new
// version; for removed and modified regions they refer to the old
// version. EndLine is zero for single-line regions.
type Region struct {
	Type          ChangeType `json:"type"`
	StartLine     int        `json:"start_line"`
	EndLine       int        `json:"end_line,omitempty"`
	OldContent    string     `json:"old_content,omitempty"`
	NewContent    string     `json:"new_content,omitempty"`
	ContextBefore string     `json:"context_before,omitempty"`
	ContextAfter  string     `json:"context_after,omitempty"`
}

// Summary aggregates a diff's line counts.
type Summary struct {
	LinesAdded     int `json:"lines_added"`
	LinesRemoved   int `json:"lines_removed"`
	LinesModified  int `json:"lines_modified"`
	RegionsChanged int `json:"regions_changed"`
}

// Diff is the engine's output in either format.
//
// Format is the discriminator: FormatJSON populates Changes, FormatUnified
// populates Content. Summary is always populated.
type Diff struct {
	Format  Format   `json:"format"`
	Changes []Region `json:"changes,omitempty"`
	Content string   `json:"content,omitempty"`
	Summary Summary  `json:"summary"`
}

// Patch is a single old-string to new-string edit.
//
// A patch is applicable iff OldString occurs exactly once in the target
// content; zero or multiple matches are conflicts.
type Patch struct {
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// ConflictReason classifies why a patch cannot be applied.
type ConflictReason string

const (
	// ReasonNotFound means OldString has no match in the current content.
	ReasonNotFound ConflictReason = "not-found"

	// ReasonAmbiguous means OldString matches more than once.
	ReasonAmbiguous ConflictReason = "ambiguous"

	// ReasonContextChanged means OldString's text is still present in
	// some form but its neighbourhood differs from the expected version.
	ReasonContextChanged ConflictReason = "context-changed"
)

// Conflict reports one inapplicable patch.
type Conflict struct {
	PatchIndex int            `json:"patch_index"`
	Reason     ConflictReason `json:"reason"`
}

// Applicability is the result of checking a patch list against changed
// content.
type Applicability struct {
	// Applicable is true when every patch can still be applied as-is.
	Applicable bool `json:"applicable"`

	// Conflicts lists the patches that can no longer apply.
	Conflicts []Conflict `json:"conflicts,omitempty"`

	// NonConflicting lists indices of patches that could still be
	// applied as submitted.
	NonConflicting []int `json:"non_conflicting,omitempty"`
}
