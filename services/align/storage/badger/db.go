// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance behind a small transactional
// API. The alignment pipeline persists query-embedding vectors here so that
// repeated runs over the same inputs skip re-embedding unchanged queries.
package badger

import (
	"context"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config controls how the database is opened.
type Config struct {
	// Dir is the on-disk directory. Created if absent.
	Dir string

	// InMemory opens a purely in-memory instance; Dir is ignored.
	// Used by tests.
	InMemory bool
}

// DefaultConfig returns a Config for the given directory.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir}
}

// DB wraps a BadgerDB handle. The wrapper owns the handle: callers must
// Close it once, typically via defer in main.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type DB struct {
	inner *dgbadger.DB
}

// OpenDB opens (or creates) the database described by cfg.
//
// # Outputs
//
//   - *DB: Open database. Nil on error.
//   - error: Non-nil if the directory cannot be created or opened.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = dgbadger.DefaultOptions(cfg.Dir)
	}
	// BadgerDB's internal logger is chatty at INFO; the pipeline's own slog
	// output covers open/close lifecycle events.
	opts = opts.WithLogger(nil)

	inner, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.Dir, err)
	}
	slog.Debug("badger: opened", slog.String("dir", cfg.Dir), slog.Bool("in_memory", cfg.InMemory))
	return &DB{inner: inner}, nil
}

// WithTxn runs fn inside a read-write transaction and commits it.
//
// The context is checked before the transaction starts; BadgerDB itself
// does not support mid-transaction cancellation.
func (db *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.inner.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (db *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.inner.View(fn)
}

// Close releases the database. Safe to call once.
func (db *DB) Close() error {
	return db.inner.Close()
}
