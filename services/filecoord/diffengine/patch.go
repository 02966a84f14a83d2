// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diffengine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPatchNotApplicable is wrapped by ApplyPatches failures.
var ErrPatchNotApplicable = errors.New("patch not applicable")

// ApplyPatches applies patches in submitted order.
//
// # Description
//
// Each patch's OldString must occur exactly once in the content at the
// moment it is applied (earlier patches change the content later patches
// see). Zero matches or multiple matches fail the whole application; the
// caller surfaces this as an invalid-patch error and writes nothing.
//
// # Outputs
//
//   - string: Content with all patches applied.
//   - error: ErrPatchNotApplicable (wrapped with the failing index).
func ApplyPatches(content string, patches []Patch) (string, error) {
	for i, p := range patches {
		switch strings.Count(content, p.OldString) {
		case 0:
			return "", fmt.Errorf("%w: patch %d: old_string not found", ErrPatchNotApplicable, i)
		case 1:
			content = strings.Replace(content, p.OldString, p.NewString, 1)
		default:
			return "", fmt.Errorf("%w: patch %d: old_string is ambiguous (multiple matches)", ErrPatchNotApplicable, i)
		}
	}
	return content, nil
}

// CheckApplicability reports which patches could still apply to changed
// content.
//
// # Description
//
// Used when an update hits contention: the agent's expected_hash no longer
// matches, and this check tells the agent which of its patches survive the
// external change. A patch is applicable iff its OldString occurs exactly
// once in currentContent. Conflicts are classified:
//
//   - not-found: no trace of OldString remains.
//   - ambiguous: OldString matches more than once.
//   - context-changed: OldString's text survives in loosened form
//     (whitespace-insensitive match) but its exact neighbourhood differs
//     from the expected version, so the patch as written misses.
//
// expectedContent may be empty when the expected version is unknown; the
// context-changed classification then degrades to the loose-match check
// alone.
func CheckApplicability(expectedContent, currentContent string, patches []Patch) Applicability {
	result := Applicability{Applicable: true}

	for i, p := range patches {
		switch strings.Count(currentContent, p.OldString) {
		case 1:
			result.NonConflicting = append(result.NonConflicting, i)
		case 0:
			reason := ReasonNotFound
			if looseContains(currentContent, p.OldString) {
				reason = ReasonContextChanged
			} else if expectedContent != "" && strings.Contains(expectedContent, p.OldString) && partialMatch(currentContent, p.OldString) {
				reason = ReasonContextChanged
			}
			result.Conflicts = append(result.Conflicts, Conflict{PatchIndex: i, Reason: reason})
			result.Applicable = false
		default:
			result.Conflicts = append(result.Conflicts, Conflict{PatchIndex: i, Reason: ReasonAmbiguous})
			result.Applicable = false
		}
	}
	return result
}

// looseContains reports whether needle occurs in haystack after collapsing
// all runs of whitespace. Catches reindented or rewrapped survivals of the
// patched text.
func looseContains(haystack, needle string) bool {
	h := strings.Join(strings.Fields(haystack), " ")
	n := strings.Join(strings.Fields(needle), " ")
	if n == "" {
		return false
	}
	return strings.Contains(h, n)
}

// partialMatch reports whether the interior lines of a multi-line needle
// still occur, indicating the site survives with edited edges.
func partialMatch(haystack, needle string) bool {
	lines := strings.Split(needle, "\n")
	if len(lines) < 3 {
		return false
	}
	interior := strings.Join(lines[1:len(lines)-1], "\n")
	return interior != "" && strings.Contains(haystack, interior)
}
