// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command align maps OEM variable names onto the canonical ontology.
//
// Usage:
//
//	# Full run over every *.ttl in the input directory
//	ALIGN_API_KEY=... align run --config align.yaml
//
//	# Re-bucket a finished run's audit table under other thresholds
//	align sweep --audit out/routing_audit.csv --thresholds 0.45,0.55,0.65
//
//	# Build the ontology index from a chunks JSONL file
//	ALIGN_API_KEY=... align embed-index --config align.yaml --chunks chunks_full.jsonl
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ontoalign/services/align/config"
	"github.com/AleutianAI/ontoalign/services/align/pipeline"
	"github.com/AleutianAI/ontoalign/services/align/sweep"
)

// Flag values shared across subcommands.
var (
	configPath  string
	metricsAddr string
	logLevel    string

	chunksPath     string
	auditPath      string
	thresholdsFlag string
	sweepOutPath   string
	noMatchThr     float64
)

func main() {
	root := &cobra.Command{
		Use:           "align",
		Short:         "OEM variable to ontology alignment pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (layered over embedded defaults and ALIGN_* env)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "optional address for a Prometheus /metrics listener, e.g. :9102")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Route every variable in the input directory and write the decision tables",
		RunE:  runRunCommand,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-bucket a completed run's audit table under alternative human-review thresholds",
		RunE:  runSweepCommand,
	}
	sweepCmd.Flags().StringVar(&auditPath, "audit", "", "audit CSV of a completed run (required)")
	sweepCmd.Flags().StringVar(&thresholdsFlag, "thresholds", "0.45,0.50,0.55,0.60,0.65", "comma-separated HUMAN_REVIEW thresholds")
	sweepCmd.Flags().StringVar(&sweepOutPath, "out", "sweep_summary.csv", "summary CSV output path")
	sweepCmd.Flags().Float64Var(&noMatchThr, "no-match-thr", 0.40, "NO_MATCH bound held fixed across the sweep")
	_ = sweepCmd.MarkFlagRequired("audit")

	embedCmd := &cobra.Command{
		Use:   "embed-index",
		Short: "Embed ontology chunks and write the index artifacts",
		RunE:  runEmbedIndexCommand,
	}
	embedCmd.Flags().StringVar(&chunksPath, "chunks", "", "chunks JSONL file, one {id,text} per line (required)")
	_ = embedCmd.MarkFlagRequired("chunks")

	root.AddCommand(runCmd, sweepCmd, embedCmd)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// setupLogger installs a JSON slog handler at the requested level as the
// process default.
func setupLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// startMetrics exposes /metrics when --metrics-addr is set. The listener is
// best-effort: a run is not aborted because the metrics port is taken.
func startMetrics(logger *slog.Logger) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("metrics listener started", slog.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics listener stopped", slog.String("error", err.Error()))
		}
	}()
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRunCommand(_ *cobra.Command, _ []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.LogSummary(logger)
	startMetrics(logger)

	ctx, stop := signalContext()
	defer stop()

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	return p.Run(ctx)
}

// runSweepCommand needs no API access and therefore no full config: the
// audit table plus the fixed NO_MATCH bound are the whole input.
func runSweepCommand(_ *cobra.Command, _ []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}

	thresholds, err := parseThresholds(thresholdsFlag)
	if err != nil {
		return err
	}

	rows, err := sweep.ReadAuditCSV(auditPath)
	if err != nil {
		return err
	}
	logger.Info("audit table loaded",
		slog.String("path", auditPath),
		slog.Int("rows", len(rows)),
	)

	results, err := sweep.Run(rows, noMatchThr, thresholds)
	if err != nil {
		return err
	}
	sweep.LogResults(logger, results)

	if dir := filepath.Dir(sweepOutPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sweep output dir: %w", err)
		}
	}
	if err := sweep.WriteSummaryCSV(sweepOutPath, results); err != nil {
		return err
	}
	logger.Info("sweep summary written", slog.String("path", sweepOutPath))
	return nil
}

func runEmbedIndexCommand(_ *cobra.Command, _ []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	startMetrics(logger)

	ctx, stop := signalContext()
	defer stop()

	return pipeline.BuildIndex(ctx, cfg, chunksPath, logger)
}

// parseThresholds parses the --thresholds flag value.
func parseThresholds(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad threshold %q: %w", p, err)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no thresholds given")
	}
	return out, nil
}
