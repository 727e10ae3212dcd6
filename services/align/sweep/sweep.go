// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweep re-buckets a completed run's audit rows under alternative
// human-review thresholds. Methods and confidences are threshold-free
// evidence, so sweeping costs zero network calls: only the confidence
// router changes between thresholds.
package sweep

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/ontoalign/services/align/routing"
)

// Result is the per-status breakdown of one swept threshold.
type Result struct {
	HumanReviewThr float64
	Accept         int
	HumanReview    int
	NoMatch        int
	Skipped        int
}

// Total returns the number of rows the result covers.
func (r Result) Total() int {
	return r.Accept + r.HumanReview + r.NoMatch + r.Skipped
}

// Run re-buckets rows under each human-review threshold.
//
// # Description
//
// Skip-list and OOD rows keep their terminal status: both fire before any
// confidence exists, so no threshold can move them. Every other row is
// re-routed through a fresh confidence router with the original NoMatchThr
// and the swept HumanReviewThr.
//
// # Inputs
//
//   - rows: Audit rows of a completed run.
//   - noMatchThr: The run's NO_MATCH bound, held fixed.
//   - thresholds: HUMAN_REVIEW bounds to evaluate. Each must exceed
//     noMatchThr.
//
// # Outputs
//
//   - []Result: One per threshold, in input order.
//   - error: Non-nil when a threshold does not exceed noMatchThr.
func Run(rows []routing.AuditRow, noMatchThr float64, thresholds []float64) ([]Result, error) {
	out := make([]Result, 0, len(thresholds))
	for _, thr := range thresholds {
		router, err := routing.NewConfidenceRouter(noMatchThr, thr)
		if err != nil {
			return nil, fmt.Errorf("sweep threshold %g: %w", thr, err)
		}

		res := Result{HumanReviewThr: thr}
		for _, row := range rows {
			status := row.Status
			if row.Method != routing.MethodSkipList && row.Method != routing.MethodOODGate {
				status = router.Route(row.Confidence)
			}
			switch status {
			case routing.StatusAccept:
				res.Accept++
			case routing.StatusHumanReview:
				res.HumanReview++
			case routing.StatusNoMatch:
				res.NoMatch++
			case routing.StatusSkipped:
				res.Skipped++
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// WriteSummaryCSV writes sweep results as sweep_summary.csv.
func WriteSummaryCSV(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"human_review_thr", "accept", "human_review", "no_match", "skipped", "total"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, r := range results {
		record := []string{
			strconv.FormatFloat(r.HumanReviewThr, 'g', -1, 64),
			strconv.Itoa(r.Accept),
			strconv.Itoa(r.HumanReview),
			strconv.Itoa(r.NoMatch),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.Total()),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// LogResults emits one summary line per threshold.
func LogResults(logger *slog.Logger, results []Result) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range results {
		logger.Info("sweep threshold evaluated",
			slog.Float64("human_review_thr", r.HumanReviewThr),
			slog.Int("accept", r.Accept),
			slog.Int("human_review", r.HumanReview),
			slog.Int("no_match", r.NoMatch),
			slog.Int("skipped", r.Skipped),
		)
	}
}
