// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/ontoalign/services/align/routing"
)

// Report is the JSON run report: every decision plus enough metadata to
// reproduce the run. The CSV tables are the working outputs; the report is
// the archival one.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Config     any            `json:"config"`
	Counts     map[string]int `json:"status_counts"`
	APICalls   int            `json:"api_calls"`
	Decisions  []ReportRow    `json:"decisions"`
}

// ReportRow is one decision in the report, with the audit evidence inlined.
type ReportRow struct {
	File          string  `json:"file"`
	OriginalName  string  `json:"original_name"`
	BestMatch     string  `json:"best_match"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
	Status        string  `json:"status"`
	Method        string  `json:"method"`
	TopSim        float64 `json:"top_sim"`
	Margin        float64 `json:"margin"`
	TopCandidates string  `json:"top_candidates"`
}

// NewReport assembles a report from finished audit rows.
//
// # Inputs
//
//   - rows: All audit rows of the run, in routing order.
//   - cfg: Config snapshot to embed; any JSON-marshalable value.
//   - startedAt, finishedAt: Run wall-clock bounds.
//   - apiCalls: Total outbound API calls (embed + LLM).
func NewReport(rows []routing.AuditRow, cfg any, startedAt, finishedAt time.Time, apiCalls int) Report {
	decisions := make([]ReportRow, len(rows))
	counts := make(map[string]int)
	for i, r := range rows {
		counts[string(r.Status)]++
		decisions[i] = ReportRow{
			File:          r.File,
			OriginalName:  r.OriginalName,
			BestMatch:     r.BestMatch,
			Confidence:    r.Confidence,
			Reason:        r.Reason,
			Status:        string(r.Status),
			Method:        string(r.Method),
			TopSim:        r.TopSim,
			Margin:        r.Margin,
			TopCandidates: r.TopCandidates,
		}
	}
	return Report{
		RunID:      uuid.New().String(),
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
		Config:     cfg,
		Counts:     counts,
		APICalls:   apiCalls,
		Decisions:  decisions,
	}
}

// StatusCounts returns the per-status totals of a row set in sorted status
// order, for summary logging.
func StatusCounts(rows []routing.AuditRow) []StatusCount {
	counts := make(map[routing.Status]int)
	for _, r := range rows {
		counts[r.Status]++
	}
	out := make([]StatusCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, StatusCount{Status: s, Count: n})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Status < out[b].Status })
	return out
}

// StatusCount is one per-status total.
type StatusCount struct {
	Status routing.Status
	Count  int
}

// WriteReport writes the report as indented JSON.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
