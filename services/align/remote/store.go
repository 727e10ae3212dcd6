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

// =============================================================================
// EmbeddingStore — Query Embedding Persistence
// =============================================================================
//
// Query embeddings are expensive (a throttled gateway round-trip per unique
// variable) but depend only on the query text and the embedding model. This
// store persists them in BadgerDB between runs, so a re-run over the same
// input files — the normal workflow during threshold sweeps — makes zero
// embedding calls.
//
// Design choices:
//
//	1. BadgerDB: the cache is run infrastructure, not user data. Embedded,
//	   no network dependency, microsecond access.
//
//	2. Key = SHA256(model + text): a model change automatically misses, so
//	   no explicit invalidation is needed. Delete the cache directory to
//	   reset by hand.
//
//	3. BadgerDB native TTL: expired keys surface as ErrKeyNotFound, which
//	   the store reports as a plain cache miss.
//
// Storage layout:
//
//	align/emb/v1/{sha256(model \n text)}  →  gob-encoded []float32
//	                                          TTL: 7 days

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/ontoalign/services/align/storage/badger"
)

// embedStoreDefaultTTL is the default lifetime of a cached query embedding.
const embedStoreDefaultTTL = 7 * 24 * time.Hour

// embedStoreKeyPrefix is versioned (v1) to allow format changes without
// collision.
const embedStoreKeyPrefix = "align/emb/v1/"

// errCacheMiss distinguishes "key not found" from a storage error inside
// LoadVector.
var errCacheMiss = errors.New("cache miss")

// EmbeddingStore persists query embedding vectors across runs.
//
// # Description
//
// Both methods are nil-safe at the call site: the Embedder checks for a nil
// EmbeddingStore and falls back to in-memory memoization only, which is the
// correct behavior for tests and for runs without a cache directory.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type EmbeddingStore interface {
	// LoadVector retrieves the cached vector for the given text key.
	// Returns (nil, nil) on cache miss; (nil, error) on storage failure.
	LoadVector(ctx context.Context, key string) ([]float32, error)

	// SaveVector persists a vector under the given text key with the
	// store's TTL. Persistence failure is non-fatal to the caller.
	SaveVector(ctx context.Context, key string, vector []float32) error
}

// BadgerEmbeddingStore implements EmbeddingStore on a BadgerDB instance.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type BadgerEmbeddingStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerEmbeddingStore creates a store backed by the given DB.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil; the caller owns its
//     lifecycle.
//   - ttl: Entry lifetime. Pass 0 for the default (7 days).
//   - logger: Diagnostics logger. May be nil.
func NewBadgerEmbeddingStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerEmbeddingStore {
	if db == nil {
		panic("NewBadgerEmbeddingStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = embedStoreDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerEmbeddingStore{db: db, ttl: ttl, logger: logger}
}

// LoadVector retrieves a cached embedding vector.
func (s *BadgerEmbeddingStore) LoadVector(ctx context.Context, key string) ([]float32, error) {
	dbKey := embedStoreKey(key)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(dbKey)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCacheMiss) {
		s.logger.Debug("embedding store: miss", slog.String("key", shortKey(key)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedding store load: %w", err)
	}

	var vector []float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vector); err != nil {
		return nil, fmt.Errorf("embedding store decode: %w", err)
	}

	s.logger.Debug("embedding store: hit",
		slog.String("key", shortKey(key)),
		slog.Int("dim", len(vector)),
	)
	return vector, nil
}

// SaveVector persists an embedding vector with the store's TTL.
func (s *BadgerEmbeddingStore) SaveVector(ctx context.Context, key string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vector); err != nil {
		return fmt.Errorf("embedding store encode: %w", err)
	}

	dbKey := embedStoreKey(key)
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(dbKey, buf.Bytes()).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("embedding store save: %w", err)
	}

	s.logger.Debug("embedding store: saved",
		slog.String("key", shortKey(key)),
		slog.Int("dim", len(vector)),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// TextKey computes the store key for a query text under a given model:
// hex SHA256 of "model\ntext". Exposed so the cache-dump tool can resolve
// keys the same way the client does.
func TextKey(model, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s", model, text)
	return hex.EncodeToString(h.Sum(nil))
}

// embedStoreKey builds the BadgerDB key for the given text key.
func embedStoreKey(key string) []byte {
	return []byte(embedStoreKeyPrefix + key)
}

// shortKey returns the first 8 characters of a key for log display.
func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8] + "..."
	}
	return k
}
