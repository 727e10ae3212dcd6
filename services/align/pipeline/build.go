// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ontoalign/services/align/config"
	"github.com/AleutianAI/ontoalign/services/align/remote"
	badgerstore "github.com/AleutianAI/ontoalign/services/align/storage/badger"
)

// buildConcurrency is the number of parallel embedding calls during an
// index build. The throttle still paces individual requests.
const buildConcurrency = 4

// Chunk is one line of the ontology chunks JSONL file.
type Chunk struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// BuildIndex embeds every ontology chunk and writes the three parallel
// index artifacts named in the config.
//
// # Description
//
// Unlike query-time embedding, a degraded (zero) vector here is a build
// FAILURE: a zero row would silently score 0 against every future query
// and the affected ontology entry could never match. The build aborts on
// the first degraded result so a broken service cannot produce a
// half-usable index.
//
// Chunks are embedded with bounded concurrency; result order follows chunk
// input order regardless of completion order.
func BuildIndex(ctx context.Context, cfg *config.Config, chunksPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	chunks, err := ReadChunks(chunksPath)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks found in %s", chunksPath)
	}
	logger.Info("building ontology index",
		slog.Int("chunks", len(chunks)),
		slog.String("model", cfg.Remote.EmbedModel),
		slog.Int("dim", cfg.Remote.EmbeddingDim),
	)

	var db *badgerstore.DB
	var store remote.EmbeddingStore
	if cfg.CacheDir != "" {
		db, err = badgerstore.OpenDB(badgerstore.DefaultConfig(cfg.CacheDir))
		if err != nil {
			return fmt.Errorf("open embedding cache: %w", err)
		}
		defer db.Close()
		store = remote.NewBadgerEmbeddingStore(db, 0, logger)
	}

	throttle := remote.NewThrottle(cfg.Throttle.EveryN, cfg.Throttle.Pause.Std())
	embedder := remote.NewEmbedder(remote.EmbedderConfig{
		URL:     cfg.Remote.EmbedURL,
		Model:   cfg.Remote.EmbedModel,
		APIKey:  cfg.Remote.APIKey,
		Dim:     cfg.Remote.EmbeddingDim,
		Timeout: cfg.Remote.EmbedTimeout.Std(),
	}, remote.Policy{
		Budget:       cfg.Retry.Budget,
		Base:         cfg.Retry.BackoffBase.Std(),
		BackoffCap:   cfg.Retry.BackoffCap.Std(),
		TransientCap: cfg.Retry.TransientCap.Std(),
	}, throttle, store, logger)

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(buildConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			emb, err := embedder.Embed(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
			}
			if emb.Degraded {
				return fmt.Errorf("embed chunk %s: degraded result (%s); index build requires real vectors", chunk.ID, emb.Cause)
			}
			vectors[i] = emb.Vector
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		texts[i] = c.Text
	}

	if err := writeJSON(cfg.Index.VectorsPath, vectors); err != nil {
		return err
	}
	if err := writeJSON(cfg.Index.IDsPath, ids); err != nil {
		return err
	}
	if err := writeJSON(cfg.Index.TextsPath, texts); err != nil {
		return err
	}

	logger.Info("index artifacts written",
		slog.String("vectors", cfg.Index.VectorsPath),
		slog.String("ids", cfg.Index.IDsPath),
		slog.String("texts", cfg.Index.TextsPath),
		slog.Int("entries", len(chunks)),
		slog.Uint64("api_calls", throttle.Calls()),
	)
	return nil
}

// ReadChunks loads a chunks JSONL file: one {"id","text"} object per line,
// blank lines skipped.
func ReadChunks(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunks file: %w", err)
	}
	defer f.Close()

	var chunks []Chunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("chunks file %s line %d: %w", path, line, err)
		}
		if c.ID == "" || c.Text == "" {
			return nil, fmt.Errorf("chunks file %s line %d: id and text are required", path, line)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read chunks file %s: %w", path, err)
	}
	return chunks, nil
}

// writeJSON writes v as JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
