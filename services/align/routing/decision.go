// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing decides, per extracted OEM variable, whether a canonical
// ontology match is accepted automatically, queued for human review, or
// declared a non-match. Cheap gates run first (skip list, out-of-domain
// patterns), then embedding similarity, and only genuinely ambiguous
// variables escalate to the LLM reasoner.
package routing

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/AleutianAI/ontoalign/services/align/index"
)

// =============================================================================
// Status and Method
// =============================================================================

// Status is the terminal routing bucket of a variable.
type Status string

const (
	// StatusAccept marks a match confident enough to use unreviewed.
	StatusAccept Status = "ACCEPT"

	// StatusHumanReview marks a plausible match that needs a human check.
	StatusHumanReview Status = "HUMAN_REVIEW"

	// StatusNoMatch marks a variable with no usable ontology counterpart.
	StatusNoMatch Status = "NO_MATCH"

	// StatusSkipped marks a variable on the operator-curated skip list.
	// Skipped variables never reach the network.
	StatusSkipped Status = "SKIPPED_NOT_IN_STANDARD"
)

// Method records which transition rule produced a decision.
type Method string

const (
	MethodSkipList   Method = "SKIP_LIST"
	MethodOODGate    Method = "OOD_GATE"
	MethodLowSim     Method = "LOW_SIM"
	MethodAutoMargin Method = "AUTO_MARGIN"
	MethodLLM        Method = "LLM"
)

// =============================================================================
// Decision and AuditRow
// =============================================================================

// Decision is the user-facing outcome for one variable. Every routed
// variable yields exactly one Decision, so downstream tables have one row
// per (file, original_name) pair.
type Decision struct {
	File         string
	OriginalName string
	BestMatch    string
	Confidence   float64
	Reason       string
	Status       Status
}

// AuditRow extends a Decision with the evidence the engine saw: the rule
// that fired, the top and margin similarities, and the retrieved candidate
// set. Threshold sweeps re-bucket audit rows without re-running the network
// stages, so AuditRow must carry everything route_by_conf needs.
type AuditRow struct {
	Decision

	Method        Method
	TopSim        float64
	Margin        float64
	TopCandidates string
}

// compactCandidate is the wire shape of one entry in AuditRow.TopCandidates.
type compactCandidate struct {
	ID  string  `json:"id"`
	Sim float64 `json:"sim"`
}

// CompactCandidates serializes retrieved candidates as a compact JSON array
// of id/sim pairs with similarities rounded to 4 decimals. Candidate texts
// are dropped: they are reproducible from the index and would bloat the
// audit table.
func CompactCandidates(candidates []index.Candidate) string {
	compact := make([]compactCandidate, len(candidates))
	for i, c := range candidates {
		compact[i] = compactCandidate{
			ID:  c.ID,
			Sim: math.Round(c.Similarity*1e4) / 1e4,
		}
	}
	out, err := json.Marshal(compact)
	if err != nil {
		// Marshal of a flat struct slice cannot fail; keep the audit row
		// well-formed anyway.
		return "[]"
	}
	return string(out)
}

// =============================================================================
// Confidence router
// =============================================================================

// ConfidenceRouter partitions [0,1] confidences into the three terminal
// buckets. Boundaries are inclusive on the lower bucket: a confidence equal
// to NoMatchThr is NO_MATCH, equal to HumanReviewThr is HUMAN_REVIEW.
type ConfidenceRouter struct {
	noMatchThr     float64
	humanReviewThr float64
}

// NewConfidenceRouter validates the threshold ordering. NoMatchThr must be
// strictly below HumanReviewThr or the HUMAN_REVIEW bucket would be empty
// and every borderline match would silently drop to NO_MATCH.
func NewConfidenceRouter(noMatchThr, humanReviewThr float64) (ConfidenceRouter, error) {
	if noMatchThr >= humanReviewThr {
		return ConfidenceRouter{}, fmt.Errorf(
			"no_match threshold (%g) must be below human_review threshold (%g)",
			noMatchThr, humanReviewThr)
	}
	return ConfidenceRouter{noMatchThr: noMatchThr, humanReviewThr: humanReviewThr}, nil
}

// Route maps a confidence to its terminal bucket.
func (r ConfidenceRouter) Route(conf float64) Status {
	if conf <= r.noMatchThr {
		return StatusNoMatch
	}
	if conf <= r.humanReviewThr {
		return StatusHumanReview
	}
	return StatusAccept
}
