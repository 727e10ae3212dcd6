// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"log/slog"
	"testing"
	"time"

	badgerstore "github.com/AleutianAI/ontoalign/services/align/storage/badger"
)

func openTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerEmbeddingStore_RoundTrip(t *testing.T) {
	store := NewBadgerEmbeddingStore(openTestDB(t), time.Hour, slog.Default())
	ctx := context.Background()

	key := TextKey("text-embedding-3-large", "Variable 'ME1_Thrust_kN' from OEM dataset")
	want := []float32{0.1, -0.2, 0.3}

	if err := store.SaveVector(ctx, key, want); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	got, err := store.LoadVector(ctx, key)
	if err != nil {
		t.Fatalf("LoadVector: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("dim = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vector[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestBadgerEmbeddingStore_MissReturnsNilNil(t *testing.T) {
	store := NewBadgerEmbeddingStore(openTestDB(t), time.Hour, slog.Default())

	got, err := store.LoadVector(context.Background(), TextKey("m", "never saved"))
	if err != nil {
		t.Fatalf("miss must not be an error, got %v", err)
	}
	if got != nil {
		t.Errorf("miss must return nil vector, got %v", got)
	}
}

func TestBadgerEmbeddingStore_EmptyVectorIsNoOp(t *testing.T) {
	store := NewBadgerEmbeddingStore(openTestDB(t), time.Hour, slog.Default())
	ctx := context.Background()

	key := TextKey("m", "empty")
	if err := store.SaveVector(ctx, key, nil); err != nil {
		t.Fatalf("SaveVector(nil): %v", err)
	}
	got, err := store.LoadVector(ctx, key)
	if err != nil {
		t.Fatalf("LoadVector: %v", err)
	}
	if got != nil {
		t.Errorf("empty save must not create an entry, got %v", got)
	}
}

func TestTextKey_DependsOnModelAndText(t *testing.T) {
	a := TextKey("model-a", "text")
	b := TextKey("model-b", "text")
	c := TextKey("model-a", "other")

	if a == b || a == c {
		t.Error("keys must differ across model and text")
	}
	if a != TextKey("model-a", "text") {
		t.Error("key must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}
