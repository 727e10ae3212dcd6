// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Load reads the three parallel index artifacts and builds the Index.
//
// # Description
//
// The artifacts are produced by `align embed-index`:
//
//   - vectorsPath: JSON array of equal-length float arrays (the dense matrix)
//   - idsPath:     JSON array of ontology entry ids, parallel to the matrix
//   - textsPath:   JSON array of display text, parallel to the matrix
//
// Any missing file, malformed JSON, or shape mismatch is a fatal load-time
// error — the pipeline refuses to start on a partial index.
//
// # Outputs
//
//   - *Index: Loaded, validated index. Nil on error.
//   - error: Non-nil on any read, parse, or shape failure.
func Load(vectorsPath, idsPath, textsPath string) (*Index, error) {
	var vectors [][]float32
	if err := readJSON(vectorsPath, &vectors); err != nil {
		return nil, fmt.Errorf("index: load vectors: %w", err)
	}

	var ids []string
	if err := readJSON(idsPath, &ids); err != nil {
		return nil, fmt.Errorf("index: load ids: %w", err)
	}

	var texts []string
	if err := readJSON(textsPath, &texts); err != nil {
		return nil, fmt.Errorf("index: load texts: %w", err)
	}

	ix, err := New(ids, texts, vectors)
	if err != nil {
		return nil, err
	}

	slog.Info("ontology index loaded",
		slog.Int("entries", ix.Len()),
		slog.Int("dim", ix.Dim()),
		slog.String("vectors", vectorsPath),
	)
	return ix, nil
}

func readJSON(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
