// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline wires the alignment run end to end: load the index and
// skip list, construct the remote clients around one shared throttle,
// extract variables file by file, route each through the decision engine,
// and write the output tables.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/ontoalign/services/align/config"
	"github.com/AleutianAI/ontoalign/services/align/extract"
	"github.com/AleutianAI/ontoalign/services/align/index"
	"github.com/AleutianAI/ontoalign/services/align/remote"
	"github.com/AleutianAI/ontoalign/services/align/routing"
	"github.com/AleutianAI/ontoalign/services/align/sink"
	badgerstore "github.com/AleutianAI/ontoalign/services/align/storage/badger"
)

// Output file names within the run's output directory.
const (
	DecisionsFile = "eval_results.csv"
	AuditFile     = "routing_audit.csv"
	ReportFile    = "run_report.json"
)

// Pipeline is one fully wired alignment run.
//
// # Description
//
// Construction performs every fatal-class check up front (skip list, index
// artifacts, dimension cross-check, cache directory), so a Pipeline that
// exists can only fail on genuinely non-recoverable service errors. Nothing
// is written before Run.
type Pipeline struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *routing.Engine
	throttle *remote.Throttle
	db       *badgerstore.DB // nil when persistence is disabled
}

// New validates preconditions and wires the run.
//
// # Outputs
//
//   - *Pipeline: Ready to Run. Close must be called when done.
//   - error: Non-nil on any configuration error: missing skip list, missing
//     or mismatched index artifacts, invalid thresholds or patterns, or an
//     unopenable cache directory. The pipeline refuses to start rather than
//     produce partial output.
func New(cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	skip, err := routing.LoadSkipSet(cfg.SkipListPath, logger)
	if err != nil {
		return nil, err
	}

	idx, err := index.Load(cfg.Index.VectorsPath, cfg.Index.IDsPath, cfg.Index.TextsPath)
	if err != nil {
		return nil, err
	}
	if idx.Dim() != cfg.Remote.EmbeddingDim {
		return nil, fmt.Errorf(
			"index dimension %d does not match configured embedding dimension %d; rebuild the index or fix embedding_dim",
			idx.Dim(), cfg.Remote.EmbeddingDim)
	}

	var db *badgerstore.DB
	var store remote.EmbeddingStore
	if cfg.CacheDir != "" {
		db, err = badgerstore.OpenDB(badgerstore.DefaultConfig(cfg.CacheDir))
		if err != nil {
			return nil, fmt.Errorf("open embedding cache: %w", err)
		}
		store = remote.NewBadgerEmbeddingStore(db, 0, logger)
	}

	// One throttle gates both clients: the 1.7s cadence is per outbound
	// request regardless of which service it hits.
	throttle := remote.NewThrottle(cfg.Throttle.EveryN, cfg.Throttle.Pause.Std())
	policy := remote.Policy{
		Budget:       cfg.Retry.Budget,
		Base:         cfg.Retry.BackoffBase.Std(),
		BackoffCap:   cfg.Retry.BackoffCap.Std(),
		TransientCap: cfg.Retry.TransientCap.Std(),
	}

	embedder := remote.NewEmbedder(remote.EmbedderConfig{
		URL:     cfg.Remote.EmbedURL,
		Model:   cfg.Remote.EmbedModel,
		APIKey:  cfg.Remote.APIKey,
		Dim:     cfg.Remote.EmbeddingDim,
		Timeout: cfg.Remote.EmbedTimeout.Std(),
	}, policy, throttle, store, logger)

	reasoner := remote.NewReasoner(remote.ReasonerConfig{
		URL:         cfg.Remote.LLMURL,
		Model:       cfg.Remote.ReasonModel,
		APIKey:      cfg.Remote.APIKey,
		Temperature: cfg.Remote.Temperature,
		Timeout:     cfg.Remote.ReasonTimeout.Std(),
	}, policy, throttle, logger)

	engine, err := routing.NewEngine(routing.Params{
		TopK:           cfg.Routing.TopK,
		MinSim:         cfg.Routing.MinSim,
		SimGap:         cfg.Routing.SimGap,
		NoMatchThr:     cfg.Routing.NoMatchThr,
		HumanReviewThr: cfg.Routing.HumanReviewThr,
		UnitGating:     cfg.Routing.UnitGating,
	}, cfg.Routing.OODPatterns, skip, embedder, reasoner, idx, logger)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		throttle: throttle,
		db:       db,
	}, nil
}

// Close releases the embedding cache, if open.
func (p *Pipeline) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Run processes every Turtle file in the input directory and writes the
// decision table, audit table, and run report to the output directory.
//
// # Description
//
// Files are processed in sorted name order, variables sequentially within
// each file, so output row order is deterministic for deterministic inputs.
// Any error from the engine (forbidden access, dimension mismatch,
// cancellation) aborts the run before outputs are written; transient
// service trouble never surfaces here, it degrades into low-confidence
// rows inside the clients.
func (p *Pipeline) Run(ctx context.Context) error {
	startedAt := time.Now()

	files, err := filepath.Glob(filepath.Join(p.cfg.InputDir, "*.ttl"))
	if err != nil {
		return fmt.Errorf("scan input dir: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no .ttl files found in %s", p.cfg.InputDir)
	}
	// Glob returns sorted paths; stated here because row order depends on it.
	p.logger.Info("starting multi-file run", slog.Int("files", len(files)))

	var rows []routing.AuditRow
	for _, path := range files {
		fileRows, err := p.processFile(ctx, path)
		if err != nil {
			return err
		}
		rows = append(rows, fileRows...)
	}

	if err := p.writeOutputs(rows, startedAt); err != nil {
		return err
	}

	p.logger.Info("run complete",
		slog.Int("variables", len(rows)),
		slog.Uint64("api_calls", p.throttle.Calls()),
		slog.Duration("elapsed", time.Since(startedAt)),
	)
	for _, sc := range sink.StatusCounts(rows) {
		p.logger.Info("routing count",
			slog.String("status", string(sc.Status)),
			slog.Int("count", sc.Count),
		)
	}
	return nil
}

// processFile extracts and routes every variable of one Turtle file.
func (p *Pipeline) processFile(ctx context.Context, path string) ([]routing.AuditRow, error) {
	base := filepath.Base(path)

	vars, err := extract.FromFile(path, p.logger)
	if err != nil {
		return nil, err
	}

	rows := make([]routing.AuditRow, 0, len(vars))
	skipped, sent := 0, 0
	for _, v := range vars {
		unit := ""
		if p.cfg.Routing.UnitGating {
			unit = v.Unit
		}
		row, err := p.engine.Route(ctx, base, v.Name, unit)
		if err != nil {
			return nil, fmt.Errorf("route %s in %s: %w", v.Name, base, err)
		}
		if row.Method == routing.MethodSkipList {
			skipped++
		} else {
			sent++
		}
		rows = append(rows, row)
	}

	p.logger.Info("file processed",
		slog.String("file", base),
		slog.Int("extracted", len(vars)),
		slog.Int("skipped", skipped),
		slog.Int("sent", sent),
	)
	return rows, nil
}

// writeOutputs writes the three run artifacts.
func (p *Pipeline) writeOutputs(rows []routing.AuditRow, startedAt time.Time) error {
	outDir := p.cfg.OutDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	decisionsPath := filepath.Join(outDir, DecisionsFile)
	if err := sink.WriteDecisionCSV(decisionsPath, rows); err != nil {
		return err
	}
	auditPath := filepath.Join(outDir, AuditFile)
	if err := sink.WriteAuditCSV(auditPath, rows); err != nil {
		return err
	}

	report := sink.NewReport(rows, p.cfg.Routing, startedAt, time.Now(), int(p.throttle.Calls()))
	reportPath := filepath.Join(outDir, ReportFile)
	if err := sink.WriteReport(reportPath, report); err != nil {
		return err
	}

	p.logger.Info("outputs written",
		slog.String("decisions", decisionsPath),
		slog.String("audit", auditPath),
		slog.String("report", reportPath),
	)
	return nil
}
