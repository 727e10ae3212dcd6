// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink writes run outputs: the decision table reviewers consume,
// the audit table threshold sweeps consume, and a JSON run report. All
// writers are deterministic: the same rows in produce byte-identical files
// out, so diffing two runs diffs the decisions and nothing else.
package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/AleutianAI/ontoalign/services/align/routing"
)

// decisionHeader is the column order of the decision table.
var decisionHeader = []string{
	"file", "original_name", "best_match", "confidence", "reason", "status",
}

// auditHeader is the column order of the audit table. Status precedes
// reason here, unlike the decision table; downstream tooling depends on
// both orders.
var auditHeader = []string{
	"file", "original_name", "best_match", "confidence", "status", "reason",
	"method", "top_sim", "margin", "top_candidates",
}

// WriteDecisionCSV writes the decision table for the given audit rows.
func WriteDecisionCSV(path string, rows []routing.AuditRow) error {
	return writeCSVFile(path, func(w *csv.Writer) error {
		if err := w.Write(decisionHeader); err != nil {
			return err
		}
		for _, r := range rows {
			record := []string{
				r.File,
				r.OriginalName,
				r.BestMatch,
				formatFloat(r.Confidence),
				r.Reason,
				string(r.Status),
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteAuditCSV writes the audit table for the given rows.
func WriteAuditCSV(path string, rows []routing.AuditRow) error {
	return writeCSVFile(path, func(w *csv.Writer) error {
		if err := w.Write(auditHeader); err != nil {
			return err
		}
		for _, r := range rows {
			record := []string{
				r.File,
				r.OriginalName,
				r.BestMatch,
				formatFloat(r.Confidence),
				string(r.Status),
				r.Reason,
				string(r.Method),
				formatFloat(r.TopSim),
				formatFloat(r.Margin),
				r.TopCandidates,
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeCSVFile opens path for truncating write and runs the body against a
// csv.Writer, flushing and surfacing the first error.
func writeCSVFile(path string, body func(w *csv.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := writeCSV(f, body); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func writeCSV(dst io.Writer, body func(w *csv.Writer) error) error {
	w := csv.NewWriter(dst)
	if err := body(w); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// formatFloat renders confidences and similarities with the shortest exact
// representation, so 0.5 stays "0.5" and not "0.500000".
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
