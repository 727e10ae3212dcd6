// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// embed_cache_dump inspects the alignment pipeline's embedding cache.
//
// The cache persists query embedding vectors in BadgerDB between runs so a
// re-run over the same Turtle inputs makes zero embedding calls. This tool
// opens the cache read-only and prints each entry: key hash, TTL remaining,
// vector dimension, L2 norm, and a short sample of the values.
//
// Usage:
//
//	embed_cache_dump [--path /path/to/cache]
//
// If --path is not given, reads ALIGN_CACHE_DIR from the environment.
//
// Exit codes:
//
//	0 — success (including "empty cache", which prints a message)
//	1 — error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// embedCacheKeyPrefix must match the store's key layout exactly.
const embedCacheKeyPrefix = "align/emb/v1/"

func main() {
	pathFlag := flag.String("path", "", "Path to the embedding cache BadgerDB directory (overrides ALIGN_CACHE_DIR)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("ALIGN_CACHE_DIR")
	}
	if dbPath == "" {
		fatalf("no cache path: pass --path or set ALIGN_CACHE_DIR")
	}

	fmt.Printf("Embedding cache path: %s\n", dbPath)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. No run with caching enabled has completed yet.")
		os.Exit(0)
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil).
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type entry struct {
		keyHash   string
		expiresAt time.Time
		hasExpiry bool
		vector    []float32
		rawSize   int
		decodeErr error
	}

	var entries []entry

	err = db.View(func(txn *dgbadger.Txn) error {
		iterOpts := dgbadger.DefaultIteratorOptions
		iterOpts.PrefetchValues = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		prefix := []byte(embedCacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())

			var e entry
			e.keyHash = strings.TrimPrefix(key, embedCacheKeyPrefix)

			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(expiresAt), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)

			var vector []float32
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vector); err != nil {
				e.decodeErr = fmt.Errorf("gob decode: %w", err)
			} else {
				e.vector = vector
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("\nNo embedding cache entries found.")
		fmt.Println("Run the pipeline with cache_dir set to populate the cache.")
		os.Exit(0)
	}

	fmt.Printf("\nFound %d cached embedding%s:\n", len(entries), plural(len(entries), "", "s"))
	fmt.Println(strings.Repeat("─", 80))
	fmt.Printf("%-18s  %5s  %7s  %-22s  %s\n", "Key (sha256)", "Dims", "L2Norm", "TTL", "Sample (first 4)")

	var totalBytes int
	for _, e := range entries {
		totalBytes += e.rawSize

		shortHash := e.keyHash
		if len(shortHash) > 16 {
			shortHash = shortHash[:16] + ".."
		}

		ttl := "no expiry"
		if e.hasExpiry {
			remaining := time.Until(e.expiresAt)
			if remaining < 0 {
				ttl = fmt.Sprintf("EXPIRED %s ago", (-remaining).Round(time.Second))
			} else {
				ttl = remaining.Round(time.Second).String() + " remaining"
			}
		}

		if e.decodeErr != nil {
			fmt.Printf("%-18s  DECODE ERROR: %v\n", shortHash, e.decodeErr)
			continue
		}
		fmt.Printf("%-18s  %5d  %7.4f  %-22s  %s\n",
			shortHash, len(e.vector), l2Norm(e.vector), ttl, formatSample(e.vector, 4))
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d entr%s, %s total, cache path: %s\n",
		len(entries), plural(len(entries), "y", "ies"), formatBytes(totalBytes), dbPath)
}

// l2Norm computes the L2 norm of a float32 vector. Raw service vectors are
// not unit-normalized, so values well away from 1.0 are normal here.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// formatSample returns the first n values of a vector as a bracketed string.
func formatSample(v []float32, n int) string {
	if len(v) == 0 {
		return "[]"
	}
	if n > len(v) {
		n = len(v)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "embed_cache_dump: "+format+"\n", args...)
	os.Exit(1)
}
