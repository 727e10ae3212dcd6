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
	"math"
	"os"
	"path/filepath"
	"testing"
)

func makeIndex(t *testing.T, vectors [][]float32) *Index {
	t.Helper()
	ids := make([]string, len(vectors))
	texts := make([]string, len(vectors))
	for i := range vectors {
		ids[i] = "onto:" + string(rune('A'+i))
		texts[i] = "entry " + string(rune('A'+i))
	}
	ix, err := New(ids, texts, vectors)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ix
}

func TestNew_ShapeErrors(t *testing.T) {
	if _, err := New(nil, nil, nil); err == nil {
		t.Error("empty index must be rejected")
	}

	if _, err := New([]string{"a", "b"}, []string{"a"}, [][]float32{{1}, {1}}); err == nil {
		t.Error("length mismatch must be rejected")
	}

	if _, err := New([]string{"a", "b"}, []string{"a", "b"}, [][]float32{{1, 0}, {1}}); err == nil {
		t.Error("ragged rows must be rejected")
	}
}

func TestTopK_SelfSimilarityIsOne(t *testing.T) {
	v := []float32{0.3, -1.2, 2.5}
	ix := makeIndex(t, [][]float32{v, {1, 0, 0}})

	got, err := ix.TopK(v, 1)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if math.Abs(got[0].Similarity-1.0) > 1e-6 {
		t.Errorf("self similarity = %f, want 1.0", got[0].Similarity)
	}
	if got[0].ID != "onto:A" {
		t.Errorf("expected onto:A, got %s", got[0].ID)
	}
}

func TestTopK_ZeroQueryYieldsZeroSimilarities(t *testing.T) {
	ix := makeIndex(t, [][]float32{{1, 0}, {0, 1}, {1, 1}})

	got, err := ix.TopK([]float32{0, 0}, 3)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	for _, c := range got {
		if c.Similarity != 0 {
			t.Errorf("zero query: candidate %s has similarity %f, want 0", c.ID, c.Similarity)
		}
	}
	// Ties at 0 keep original index order.
	if got[0].ID != "onto:A" || got[1].ID != "onto:B" || got[2].ID != "onto:C" {
		t.Errorf("tie order not stable: %v", got)
	}
}

func TestTopK_ZeroRowContributesZero(t *testing.T) {
	ix := makeIndex(t, [][]float32{{0, 0}, {1, 0}})

	got, err := ix.TopK([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if got[0].ID != "onto:B" {
		t.Errorf("expected non-zero row first, got %s", got[0].ID)
	}
	if got[1].Similarity != 0 {
		t.Errorf("zero row similarity = %f, want 0", got[1].Similarity)
	}
}

func TestTopK_RankingAndTruncation(t *testing.T) {
	// Cosines vs query (1,0): A=1.0, B=0.0, C≈0.707
	ix := makeIndex(t, [][]float32{{2, 0}, {0, 3}, {1, 1}})

	got, err := ix.TopK([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != "onto:A" || got[1].ID != "onto:C" {
		t.Errorf("ranking wrong: got %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Error("candidates not in descending order")
	}
}

func TestTopK_KLargerThanIndex(t *testing.T) {
	ix := makeIndex(t, [][]float32{{1, 0}, {0, 1}})

	got, err := ix.TopK([]float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(got))
	}
}

func TestTopK_DimensionMismatchIsError(t *testing.T) {
	ix := makeIndex(t, [][]float32{{1, 0, 0}})

	if _, err := ix.TopK([]float32{1, 0}, 1); err == nil {
		t.Error("dimension mismatch must be an error")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, v any) string {
		t.Helper()
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	vecs := write("vectors.json", [][]float32{{1, 0}, {0, 1}})
	ids := write("ids.json", []string{"onto:thrust", "onto:torque"})
	texts := write("texts.json", []string{"Thrust force", "Shaft torque"})

	ix, err := Load(vecs, ids, texts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ix.Len() != 2 || ix.Dim() != 2 {
		t.Errorf("Len=%d Dim=%d, want 2/2", ix.Len(), ix.Dim())
	}
}

func TestLoad_LengthMismatchFails(t *testing.T) {
	dir := t.TempDir()
	writeRaw := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	vecs := writeRaw("vectors.json", `[[1,0],[0,1]]`)
	ids := writeRaw("ids.json", `["only-one"]`)
	texts := writeRaw("texts.json", `["a","b"]`)

	if _, err := Load(vecs, ids, texts); err == nil {
		t.Error("mismatched artifact lengths must fail the load")
	}
}
