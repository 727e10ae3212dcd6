// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweep

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/ontoalign/services/align/routing"
	"github.com/AleutianAI/ontoalign/services/align/sink"
)

func auditRow(name string, conf float64, method routing.Method, status routing.Status) routing.AuditRow {
	return routing.AuditRow{
		Decision: routing.Decision{
			File:         "f.ttl",
			OriginalName: name,
			Confidence:   conf,
			Status:       status,
		},
		Method:        method,
		TopCandidates: "[]",
	}
}

func sweepRows() []routing.AuditRow {
	return []routing.AuditRow{
		auditRow("v1", 0.92, routing.MethodAutoMargin, routing.StatusAccept),
		auditRow("v2", 0.55, routing.MethodLLM, routing.StatusAccept),
		auditRow("v3", 0.44, routing.MethodLLM, routing.StatusHumanReview),
		auditRow("v4", 0.20, routing.MethodLowSim, routing.StatusNoMatch),
		auditRow("v5", 0.0, routing.MethodOODGate, routing.StatusNoMatch),
		auditRow("v6", 0.0, routing.MethodSkipList, routing.StatusSkipped),
	}
}

func TestRun_ReBucketsByThreshold(t *testing.T) {
	results, err := Run(sweepRows(), 0.40, []float64{0.45, 0.60, 0.95})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len = %d, want 3", len(results))
	}

	// thr=0.45: v1 0.92 ACCEPT, v2 0.55 ACCEPT, v3 0.44 HR, v4 NO_MATCH,
	// v5 OOD stays NO_MATCH, v6 stays SKIPPED.
	if r := results[0]; r.Accept != 2 || r.HumanReview != 1 || r.NoMatch != 2 || r.Skipped != 1 {
		t.Errorf("thr 0.45: %+v", r)
	}
	// thr=0.60 pulls v2 into HUMAN_REVIEW.
	if r := results[1]; r.Accept != 1 || r.HumanReview != 2 || r.NoMatch != 2 || r.Skipped != 1 {
		t.Errorf("thr 0.60: %+v", r)
	}
	// thr=0.95 pulls everything routable into HUMAN_REVIEW.
	if r := results[2]; r.Accept != 0 || r.HumanReview != 3 || r.NoMatch != 2 || r.Skipped != 1 {
		t.Errorf("thr 0.95: %+v", r)
	}
	for _, r := range results {
		if r.Total() != len(sweepRows()) {
			t.Errorf("thr %g: total = %d, want %d", r.HumanReviewThr, r.Total(), len(sweepRows()))
		}
	}
}

func TestRun_GateRowsNeverMove(t *testing.T) {
	rows := []routing.AuditRow{
		auditRow("skipped", 0.0, routing.MethodSkipList, routing.StatusSkipped),
		auditRow("ood", 0.0, routing.MethodOODGate, routing.StatusNoMatch),
	}
	results, err := Run(rows, 0.40, []float64{0.99})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Skipped != 1 || results[0].NoMatch != 1 {
		t.Errorf("gate rows moved: %+v", results[0])
	}
}

func TestRun_RejectsThresholdBelowNoMatch(t *testing.T) {
	if _, err := Run(sweepRows(), 0.40, []float64{0.40}); err == nil {
		t.Error("threshold equal to no_match bound must be rejected")
	}
}

func TestWriteSummaryCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep_summary.csv")
	results := []Result{
		{HumanReviewThr: 0.45, Accept: 2, HumanReview: 1, NoMatch: 2, Skipped: 1},
		{HumanReviewThr: 0.6, Accept: 1, HumanReview: 2, NoMatch: 2, Skipped: 1},
	}
	if err := WriteSummaryCSV(path, results); err != nil {
		t.Fatalf("WriteSummaryCSV: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := "human_review_thr,accept,human_review,no_match,skipped,total\n" +
		"0.45,2,1,2,1,6\n" +
		"0.6,1,2,2,1,6\n"
	if string(got) != want {
		t.Errorf("summary csv:\n%s\nwant:\n%s", got, want)
	}
}

func TestReadAuditCSV_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.csv")

	rows := sweepRows()
	if err := sink.WriteAuditCSV(path, rows); err != nil {
		t.Fatalf("WriteAuditCSV: %v", err)
	}

	got, err := ReadAuditCSV(path)
	if err != nil {
		t.Fatalf("ReadAuditCSV: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("len = %d, want %d", len(got), len(rows))
	}
	for i := range rows {
		if got[i].OriginalName != rows[i].OriginalName ||
			got[i].Confidence != rows[i].Confidence ||
			got[i].Method != rows[i].Method ||
			got[i].Status != rows[i].Status {
			t.Errorf("row %d: got %+v, want %+v", i, got[i], rows[i])
		}
	}
}

func TestReadAuditCSV_MissingColumnFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("file,original_name\nf,v\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadAuditCSV(path); err == nil {
		t.Error("missing mandatory columns must be an error")
	}
}
