// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index holds the in-memory ontology embedding index and its cosine
// nearest-neighbor query. The index is loaded once per run from three
// parallel artifacts (vectors, ids, texts) and is read-only afterwards.
package index

import (
	"fmt"
	"math"
	"sort"
)

// Candidate is one nearest-neighbor result: an ontology entry id, its cosine
// similarity to the query, and the entry's display text. Candidates are
// ephemeral — produced per query, ranked descending by similarity.
type Candidate struct {
	ID         string
	Similarity float64
	Text       string
}

// Index is the in-memory store of precomputed ontology embeddings.
//
// # Description
//
// Rows are unit-normalized once at construction so each query costs one
// normalization plus a dot product per row. A zero-norm row stays a zero
// vector and therefore contributes similarity 0 to every query; the same
// degenerate rule applies to a zero-norm query, which guards the embedding
// client's degrade-to-zero fallback (a zero query vector yields similarity
// 0 everywhere and naturally routes to NO_MATCH downstream).
//
// # Thread Safety
//
// Immutable after New; safe for concurrent use.
type Index struct {
	ids   []string
	texts []string
	rows  [][]float32 // unit-normalized; zero rows stay zero
	dim   int
}

// New builds an Index from parallel id/text/vector slices.
//
// # Inputs
//
//   - ids: Opaque ontology entry identifiers.
//   - texts: Display text, same length as ids.
//   - vectors: Dense embedding rows, same length, uniform dimension.
//
// # Outputs
//
//   - *Index: Ready index. Nil on error.
//   - error: Non-nil on length mismatch, empty input, or ragged rows.
//     Shape errors are fatal configuration errors for the caller.
func New(ids, texts []string, vectors [][]float32) (*Index, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("index: no entries")
	}
	if len(texts) != len(ids) || len(vectors) != len(ids) {
		return nil, fmt.Errorf("index: artifact length mismatch: %d ids, %d texts, %d vectors",
			len(ids), len(texts), len(vectors))
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("index: first vector row is empty")
	}

	rows := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("index: row %d has dimension %d, want %d", i, len(v), dim)
		}
		rows[i] = normalize(v)
	}

	return &Index{
		ids:   append([]string(nil), ids...),
		texts: append([]string(nil), texts...),
		rows:  rows,
		dim:   dim,
	}, nil
}

// Dim returns the embedding dimension of the index.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of ontology entries.
func (ix *Index) Len() int { return len(ix.ids) }

// TopK returns the k entries most similar to the query vector, ordered by
// similarity descending.
//
// # Description
//
// Ties are broken by original row order (stable sort). The result length is
// min(k, Len()). A zero-norm query produces similarity 0 for every entry —
// the entries returned are then simply the first rows in index order, all
// at similarity 0, which the routing engine treats as a low-similarity
// abstain.
//
// # Inputs
//
//   - query: Query vector; its dimension must equal Dim().
//   - k: Number of candidates to return. Values < 1 return an empty slice.
//
// # Outputs
//
//   - []Candidate: Ranked candidates. Never nil on success.
//   - error: Non-nil only on dimension mismatch, which indicates a
//     misconfigured embedding model and is fatal.
func (ix *Index) TopK(query []float32, k int) ([]Candidate, error) {
	return ix.TopKWeighted(query, k, nil)
}

// TopKWeighted is TopK with a per-entry similarity weight applied before
// ranking.
//
// # Description
//
// When weight is non-nil, each entry's similarity is multiplied by
// weight(id) across the WHOLE index before the top k are selected, so a
// down-weighted entry can be displaced by one that ranked below it on raw
// similarity. The routing engine uses this for unit-compatibility gating.
// A nil weight is identical to TopK.
func (ix *Index) TopKWeighted(query []float32, k int, weight func(id string) float64) ([]Candidate, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("index: query dimension %d does not match index dimension %d", len(query), ix.dim)
	}
	if k < 1 {
		return []Candidate{}, nil
	}
	if k > len(ix.rows) {
		k = len(ix.rows)
	}

	q := normalize(query)

	sims := make([]float64, len(ix.rows))
	for i, row := range ix.rows {
		sims[i] = float64(dotProduct(q, row))
		if weight != nil {
			sims[i] *= weight(ix.ids[i])
		}
	}

	order := make([]int, len(sims))
	for i := range order {
		order[i] = i
	}
	// Stable keeps original index order for equal similarities.
	sort.SliceStable(order, func(a, b int) bool {
		return sims[order[a]] > sims[order[b]]
	})

	out := make([]Candidate, 0, k)
	for _, i := range order[:k] {
		out = append(out, Candidate{ID: ix.ids[i], Similarity: sims[i], Text: ix.texts[i]})
	}
	return out, nil
}

// =============================================================================
// Vector Helpers
// =============================================================================

// normalize returns a unit-length copy of v. A zero-norm (or non-finite)
// input returns an all-zero vector of the same length.
func normalize(v []float32) []float32 {
	norm := l2Norm(v)
	out := make([]float32, len(v))
	if norm == 0 || math.IsInf(norm, 0) || math.IsNaN(norm) {
		return out
	}
	for i, x := range v {
		out[i] = x / float32(norm)
	}
	return out
}

// l2Norm computes the L2 (Euclidean) norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// dotProduct computes the dot product of two float32 vectors.
// Both vectors must have the same length; mismatched lengths use the shorter.
func dotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
