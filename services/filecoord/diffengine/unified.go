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
	"bytes"

	"github.com/sourcegraph/go-diff/diff"
)

// Labels used in unified-diff headers. The expected (agent-known) version
// is the "original" side; the on-disk version is the "new" side.
const (
	unifiedOrigName = "expected"
	unifiedNewName  = "current"
)

// renderUnified renders opcodes as unified-diff text.
//
// Hunks are assembled from the opcode stream with the engine's context
// width: changes separated by at most 2*context equal lines share a hunk.
// Rendering goes through go-diff's printer so the output is byte-for-byte
// standard unified format.
func (e *Engine) renderUnified(oldLines, newLines []string, ops []opcode) string {
	hunks := e.buildHunks(oldLines, newLines, ops)
	if len(hunks) == 0 {
		return ""
	}

	fd := &diff.FileDiff{
		OrigName: unifiedOrigName,
		NewName:  unifiedNewName,
		Hunks:    hunks,
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		// PrintFileDiff only fails on writer errors, which cannot
		// happen with an in-memory buffer.
		return ""
	}
	return string(bytes.TrimRight(out, "\n"))
}

// buildHunks groups opcodes into go-diff hunks.
func (e *Engine) buildHunks(oldLines, newLines []string, ops []opcode) []*diff.Hunk {
	// Indices of non-equal opcodes.
	var changed []int
	for i, op := range ops {
		if op.Tag != opEqual {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	// Group changes whose separating equal run is within 2*context.
	var groups [][]int
	current := []int{changed[0]}
	for _, ci := range changed[1:] {
		prev := current[len(current)-1]
		gap := 0
		for k := prev + 1; k < ci; k++ {
			gap += ops[k].I2 - ops[k].I1
		}
		if gap <= 2*e.contextLines {
			current = append(current, ci)
		} else {
			groups = append(groups, current)
			current = []int{ci}
		}
	}
	groups = append(groups, current)

	var hunks []*diff.Hunk
	for _, group := range groups {
		first := ops[group[0]]
		last := ops[group[len(group)-1]]

		// Leading context.
		startI := first.I1 - e.contextLines
		if startI < 0 {
			startI = 0
		}
		startJ := first.J1 - (first.I1 - startI)

		// Trailing context.
		endI := last.I2 + e.contextLines
		if endI > len(oldLines) {
			endI = len(oldLines)
		}
		endJ := last.J2 + (endI - last.I2)

		var body bytes.Buffer
		writeRange := func(prefix byte, lines []string) {
			for _, line := range lines {
				body.WriteByte(prefix)
				body.WriteString(line)
				body.WriteByte('\n')
			}
		}

		cursorI := startI
		for _, ci := range group {
			op := ops[ci]
			if op.I1 > cursorI {
				writeRange(' ', oldLines[cursorI:op.I1])
			}
			switch op.Tag {
			case opDelete:
				writeRange('-', oldLines[op.I1:op.I2])
			case opInsert:
				writeRange('+', newLines[op.J1:op.J2])
			case opReplace:
				writeRange('-', oldLines[op.I1:op.I2])
				writeRange('+', newLines[op.J1:op.J2])
			}
			cursorI = op.I2
		}
		if endI > cursorI {
			writeRange(' ', oldLines[cursorI:endI])
		}

		hunks = append(hunks, &diff.Hunk{
			OrigStartLine: int32(startI + 1),
			OrigLines:     int32(endI - startI),
			NewStartLine:  int32(startJ + 1),
			NewLines:      int32(endJ - startJ),
			Body:          body.Bytes(),
		})
	}
	return hunks
}
