// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scan

import "testing"

func TestScannerDisabled(t *testing.T) {
	s, err := NewScanner([]Rule{{Name: "key", Pattern: "SECRET", Action: ActionDeny}}, false)
	if err != nil {
		t.Fatal(err)
	}
	if r := s.Scan("SECRET=x"); r.Blocked {
		t.Fatal("disabled scanner blocked content")
	}
}

func TestScannerDenyMatch(t *testing.T) {
	s, err := NewScanner([]Rule{
		{Name: "aws-key", Pattern: `AKIA[0-9A-Z]{16}`, Action: ActionDeny, Priority: 10},
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	r := s.Scan("line one\nAKIAABCDEFGHIJKLMNOP\nline three")
	if !r.Blocked {
		t.Fatal("deny pattern did not block")
	}
	if r.MatchedPattern != "aws-key" || r.MatchedLine != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestScannerAllowShieldsLine(t *testing.T) {
	s, err := NewScanner([]Rule{
		{Name: "example", Pattern: `EXAMPLE`, Action: ActionAllow, Priority: 20},
		{Name: "token", Pattern: `token=`, Action: ActionDeny, Priority: 10},
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	if r := s.Scan("token=EXAMPLE-ONLY"); r.Blocked {
		t.Fatal("allow rule did not shield the line")
	}
	if r := s.Scan("token=real-value"); !r.Blocked {
		t.Fatal("unshielded deny line passed")
	}
}

func TestScannerInvalidPattern(t *testing.T) {
	if _, err := NewScanner([]Rule{{Name: "bad", Pattern: "([", Action: ActionDeny}}, true); err == nil {
		t.Fatal("invalid regex accepted")
	}
}
