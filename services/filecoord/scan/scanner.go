// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scan filters file content against configurable regex rules
// before it is served to an agent.
//
// Rules are evaluated per line in descending priority. Allow rules take
// precedence: a line matched by an allow rule passes even when a deny
// rule would also match it. A deny match blocks the whole read.
package scan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action is a rule outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is one content pattern.
type Rule struct {
	Name     string `yaml:"name" validate:"required"`
	Pattern  string `yaml:"pattern" validate:"required"`
	Action   Action `yaml:"action" validate:"oneof=allow deny"`
	Priority int    `yaml:"priority"`
}

// Result is the outcome of scanning one content blob.
type Result struct {
	Blocked        bool
	MatchedPattern string
	MatchedLine    int
}

type compiled struct {
	re   *regexp.Regexp
	name string
}

// Scanner evaluates content rules.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Scanner struct {
	enabled bool
	allow   []compiled
	deny    []compiled
}

// NewScanner compiles the rule set. Invalid patterns fail construction.
func NewScanner(rules []Rule, enabled bool) (*Scanner, error) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	s := &Scanner{enabled: enabled}
	for _, r := range sorted {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling content rule %q: %w", r.Name, err)
		}
		c := compiled{re: re, name: r.Name}
		if r.Action == ActionAllow {
			s.allow = append(s.allow, c)
		} else {
			s.deny = append(s.deny, c)
		}
	}
	return s, nil
}

// Scan checks content line by line, short-circuiting on the first deny
// match that no allow rule shields.
func (s *Scanner) Scan(content string) Result {
	if !s.enabled || len(s.deny) == 0 {
		return Result{}
	}

	for i, line := range strings.Split(content, "\n") {
		shielded := false
		for _, a := range s.allow {
			if a.re.MatchString(line) {
				shielded = true
				break
			}
		}
		if shielded {
			continue
		}
		for _, d := range s.deny {
			if d.re.MatchString(line) {
				return Result{Blocked: true, MatchedPattern: d.name, MatchedLine: i + 1}
			}
		}
	}
	return Result{}
}
