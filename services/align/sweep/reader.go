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
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/AleutianAI/ontoalign/services/align/routing"
)

// ReadAuditCSV loads a completed run's audit table back into audit rows.
//
// # Description
//
// Columns are resolved by header name, not position, so the reader stays
// compatible if later audit versions append columns. The columns the sweep
// needs (confidence, method, status) are mandatory; a file without them is
// not an audit table.
func ReadAuditCSV(path string) ([]routing.AuditRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit table: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse audit table %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("audit table %s is empty", path)
	}

	col := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		col[h] = i
	}
	for _, required := range []string{"confidence", "method", "status"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("audit table %s lacks required column %q", path, required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	rows := make([]routing.AuditRow, 0, len(records)-1)
	for n, record := range records[1:] {
		conf, err := strconv.ParseFloat(field(record, "confidence"), 64)
		if err != nil {
			return nil, fmt.Errorf("audit table %s row %d: bad confidence: %w", path, n+2, err)
		}
		topSim, _ := strconv.ParseFloat(field(record, "top_sim"), 64)
		margin, _ := strconv.ParseFloat(field(record, "margin"), 64)

		rows = append(rows, routing.AuditRow{
			Decision: routing.Decision{
				File:         field(record, "file"),
				OriginalName: field(record, "original_name"),
				BestMatch:    field(record, "best_match"),
				Confidence:   conf,
				Reason:       field(record, "reason"),
				Status:       routing.Status(field(record, "status")),
			},
			Method:        routing.Method(field(record, "method")),
			TopSim:        topSim,
			Margin:        margin,
			TopCandidates: field(record, "top_candidates"),
		})
	}
	return rows, nil
}
