// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"fmt"
	"regexp"
)

// OODGate rejects variable names that belong to firmware, protocol, or
// debug plumbing rather than the physical domain the ontology models.
// OEM exports mix both freely (packet counters next to shaft speeds), and
// embedding similarity is unreliable on the former: a name like
// "PktLossRate" can land near a legitimate rate signal. The gate fires
// before any index or network access.
//
// # Thread Safety
//
// Safe for concurrent use after construction. Compiled patterns are
// read-only.
type OODGate struct {
	patterns []*regexp.Regexp
}

// NewOODGate compiles the disallowed patterns case-insensitively.
// A pattern that fails to compile is a configuration error.
func NewOODGate(patterns []string) (*OODGate, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile OOD pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &OODGate{patterns: compiled}, nil
}

// Matches reports whether the variable name is out of domain. Empty names
// are not OOD; they fall through to the similarity stages.
func (g *OODGate) Matches(name string) bool {
	if g == nil || name == "" {
		return false
	}
	for _, re := range g.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
