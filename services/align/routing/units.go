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

// =============================================================================
// Unit compatibility
// =============================================================================
//
// Marine OEM exports label the same physical quantity with wildly varied
// unit spellings (QUDT IRIs, bare suffixes, vendor shorthand). Unit gating
// collapses those into a small canonical vocabulary and scores how
// compatible two tokens are, so a thrust variable never auto-matches a
// temperature candidate on name similarity alone.

import "strings"

// unitEquiv maps each canonical unit token to the uppercase spellings that
// collapse into it. QUDT prefixes and fragment markers are stripped before
// lookup.
var unitEquiv = map[string][]string{
	"rpm":   {"REV-PER-MIN", "RPM"},
	"rev/s": {"REV-PER-SEC", "RPS"},
	"kN":    {"KILON", "KN"},
	"kNm":   {"KILON-M", "KNM"},
	"m":     {"M"},
	"Nm3":   {"NM3", "NORMAL_M3"},
	"degC":  {"DEG", "C"},
}

// NormalizeUnitToken maps a raw qudt:unit value to a canonical token.
// Unknown spellings normalize to "" (no unit information), never to an
// error: a novel unit must not abort routing.
func NormalizeUnitToken(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := strings.ReplaceAll(raw, "unit:", "")
	cleaned = strings.ReplaceAll(cleaned, "#", "")
	cleaned = strings.ToUpper(cleaned)
	for canon, variants := range unitEquiv {
		for _, v := range variants {
			if cleaned == v {
				return canon
			}
		}
	}
	return ""
}

// InferUnitFromName guesses a unit from conventional variable name
// suffixes. Ordering matters: "_knm" must be checked before "_kn", and the
// generic "_m" comes after the composite suffixes that contain it.
func InferUnitFromName(name string) string {
	if name == "" {
		return ""
	}
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "_rpm"):
		return "rpm"
	case strings.Contains(n, "_rps"), strings.Contains(n, "revpersec"):
		return "rev/s"
	case strings.Contains(n, "_knm"):
		return "kNm"
	case strings.Contains(n, "_kn"):
		return "kN"
	case strings.Contains(n, "_nm3"):
		return "Nm3"
	case strings.Contains(n, "_m"):
		return "m"
	case strings.Contains(n, "degc"), strings.Contains(n, "_c"):
		return "degC"
	}
	return ""
}

// UnitFromCandidateID guesses the unit encoded in an ontology candidate ID.
// Candidate IDs end in their unit suffix by ontology convention, so suffix
// matching is used here where name inference uses substring matching.
func UnitFromCandidateID(id string) string {
	if id == "" {
		return ""
	}
	c := strings.ToLower(id)
	switch {
	case strings.HasSuffix(c, "_rpm"):
		return "rpm"
	case strings.Contains(c, "revpersec"):
		return "rev/s"
	case strings.HasSuffix(c, "_knm"):
		return "kNm"
	case strings.HasSuffix(c, "_kn"):
		return "kN"
	case strings.HasSuffix(c, "_m"):
		return "m"
	case strings.HasSuffix(c, "_nm3"):
		return "Nm3"
	case strings.HasSuffix(c, "_degc"):
		return "degC"
	}
	return ""
}

// UnitCompatScore scores how compatible two canonical unit tokens are:
//
//	1.0  identical tokens, or both unknown
//	0.85 rpm vs rev/s (same quantity, different time base)
//	0.8  exactly one side unknown
//	0.5  known conflicting units
//
// The scores weight candidate similarities multiplicatively, so 1.0 is
// neutral and 0.5 halves a conflicting candidate's rank.
func UnitCompatScore(orig, cand string) float64 {
	if orig == "" && cand == "" {
		return 1.0
	}
	if orig == cand {
		return 1.0
	}
	if (orig == "rpm" && cand == "rev/s") || (orig == "rev/s" && cand == "rpm") {
		return 0.85
	}
	if orig == "" || cand == "" {
		return 0.8
	}
	return 0.5
}

// unitAbstainThreshold is the compatibility floor below which an LLM pick
// is overridden to an abstain verdict.
const unitAbstainThreshold = 0.7
