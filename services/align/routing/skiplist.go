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
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// skipNameColumns are the header names accepted for the variable column,
// in preference order, matched case-insensitively. Operators hand-maintain
// the skip list in spreadsheets, so the column name drifts.
var skipNameColumns = []string{"original_name", "oem_variable", "variable", "name"}

// SkipSet is the set of variable names known to have no ontology
// counterpart, keyed by normalized (trimmed, lowercased) name.
type SkipSet map[string]struct{}

// Contains reports whether the (unnormalized) name is on the skip list.
func (s SkipSet) Contains(name string) bool {
	_, ok := s[NormalizeName(name)]
	return ok
}

// NormalizeName canonicalizes a variable name for skip-list membership:
// surrounding whitespace stripped, lowercased. Matching is intentionally
// loose because OEM exports are inconsistent about case.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LoadSkipSet reads the required skip-list CSV.
//
// # Description
//
// The skip list is a hard precondition of a run: routing variables that
// operators already classified as out-of-standard wastes paid API calls
// and pollutes review queues. A missing file or a CSV without a
// recognizable name column is therefore a fatal configuration error, not
// an empty set.
//
// # Inputs
//
//   - path: CSV file with a header row. The first column whose lowercased
//     header is one of original_name, oem_variable, variable, or name is
//     used; other columns are ignored.
//   - logger: Diagnostics logger. May be nil.
//
// # Outputs
//
//   - SkipSet: Normalized names. Blank cells are dropped.
//   - error: Non-nil when the file is missing, unreadable, or has no
//     usable column.
func LoadSkipSet(path string, logger *slog.Logger) (SkipSet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("skip list is required but unreadable: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse skip list %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("skip list %s is empty (header row required)", path)
	}

	col := findNameColumn(rows[0])
	if col < 0 {
		return nil, fmt.Errorf(
			"skip list %s must contain a column named one of %s",
			path, strings.Join(skipNameColumns, "/"))
	}

	skip := make(SkipSet)
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		name := NormalizeName(row[col])
		if name == "" {
			continue
		}
		skip[name] = struct{}{}
	}

	logger.Info("skip set loaded",
		slog.String("path", path),
		slog.Int("variables", len(skip)),
	)
	return skip, nil
}

// findNameColumn returns the index of the first acceptable header, or -1.
func findNameColumn(header []string) int {
	lowered := make([]string, len(header))
	for i, h := range header {
		lowered[i] = strings.ToLower(strings.TrimSpace(h))
	}
	for _, want := range skipNameColumns {
		for i, h := range lowered {
			if h == want {
				return i
			}
		}
	}
	return -1
}
