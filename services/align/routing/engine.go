// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/ontoalign/services/align/index"
	"github.com/AleutianAI/ontoalign/services/align/remote"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routeDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "align",
		Subsystem: "route",
		Name:      "decisions_total",
		Help:      "Routing decisions by transition rule and terminal status",
	}, []string{"method", "status"})

	routeEscalationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "align",
		Subsystem: "route",
		Name:      "escalation_latency_seconds",
		Help:      "Latency of LLM escalation calls",
		Buckets:   []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var engineTracer = otel.Tracer("ontoalign.align.routing.engine")

// =============================================================================
// Collaborator interfaces
// =============================================================================

// Embedder turns a query string into a dense vector. Degraded results
// (zero vector after exhausted retries) are carried in the Embedding value,
// not as an error.
type Embedder interface {
	Embed(ctx context.Context, text string) (remote.Embedding, error)
}

// Reasoner asks the escalation model to pick among retrieved candidates.
type Reasoner interface {
	Reason(ctx context.Context, variable, query string, candidates []remote.Candidate) (remote.Verdict, error)
}

// CandidateSource retrieves the k index entries most similar to a query
// vector, optionally re-weighting similarities per entry before ranking.
type CandidateSource interface {
	TopKWeighted(query []float32, k int, weight func(id string) float64) ([]index.Candidate, error)
}

// =============================================================================
// Engine
// =============================================================================

// Params are the immutable decision thresholds of an Engine.
type Params struct {
	// TopK is the number of candidates retrieved per variable.
	TopK int

	// MinSim is the abstain floor on the top similarity.
	MinSim float64

	// SimGap is the top-minus-second margin that accepts the top candidate
	// without LLM escalation.
	SimGap float64

	// NoMatchThr and HumanReviewThr bound the confidence buckets; see
	// ConfidenceRouter.
	NoMatchThr     float64
	HumanReviewThr float64

	// UnitGating enables unit-compatibility weighting and the
	// incompatible-unit abstain override on LLM verdicts.
	UnitGating bool
}

// Engine routes one OEM variable at a time through the transition rules,
// cheapest first:
//
//  1. Skip list (no network, no index)
//  2. Out-of-domain gate (no network, no index)
//  3. Embedding similarity lookup
//  4. Low-similarity abstain
//  5. Margin auto-accept
//  6. LLM escalation
//
// Every variable yields exactly one AuditRow. The engine holds no mutable
// state between calls; all tunables are fixed at construction.
//
// # Thread Safety
//
// Safe for concurrent use when its collaborators are.
type Engine struct {
	params   Params
	router   ConfidenceRouter
	gate     *OODGate
	skip     SkipSet
	embedder Embedder
	reasoner Reasoner
	source   CandidateSource
	logger   *slog.Logger
}

// NewEngine validates thresholds and compiles the out-of-domain gate.
//
// # Inputs
//
//   - params: Decision thresholds. NoMatchThr must be below HumanReviewThr.
//   - oodPatterns: Disallowed name patterns, compiled case-insensitively.
//   - skip: Skip set. May be empty, never nil in production (the loader
//     treats a missing skip list as fatal).
//   - embedder, reasoner, source: Must not be nil.
//   - logger: May be nil.
func NewEngine(params Params, oodPatterns []string, skip SkipSet,
	embedder Embedder, reasoner Reasoner, source CandidateSource,
	logger *slog.Logger) (*Engine, error) {

	router, err := NewConfidenceRouter(params.NoMatchThr, params.HumanReviewThr)
	if err != nil {
		return nil, err
	}
	gate, err := NewOODGate(oodPatterns)
	if err != nil {
		return nil, err
	}
	if embedder == nil || reasoner == nil || source == nil {
		return nil, fmt.Errorf("routing engine: embedder, reasoner, and candidate source must not be nil")
	}
	if params.TopK < 1 {
		return nil, fmt.Errorf("routing engine: top_k must be at least 1, got %d", params.TopK)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		params:   params,
		router:   router,
		gate:     gate,
		skip:     skip,
		embedder: embedder,
		reasoner: reasoner,
		source:   source,
		logger:   logger,
	}, nil
}

// Route decides the terminal bucket for one variable.
//
// # Description
//
// Applies the transition rules in priority order and returns the full audit
// row; the plain Decision is the embedded field. The unit token (canonical,
// possibly empty) extends the query text and, when unit gating is enabled,
// re-weights candidate ranking and guards the LLM verdict.
//
// # Outputs
//
//   - AuditRow: Exactly one per call on success.
//   - error: Non-nil only on non-recoverable failures that must abort the
//     run: remote.ErrForbidden, remote.ErrDimensionMismatch, or context
//     cancellation. Transient trouble degrades inside the clients and
//     surfaces as low-confidence decisions instead.
func (e *Engine) Route(ctx context.Context, file, name, unit string) (AuditRow, error) {
	ctx, span := engineTracer.Start(ctx, "routing.Engine.Route",
		trace.WithAttributes(
			attribute.String("file", file),
			attribute.String("variable", name),
			attribute.String("unit", unit),
		),
	)
	defer span.End()

	// 1. Skip list: operator already classified this name.
	if e.skip.Contains(name) {
		row := e.finish(span, AuditRow{
			Decision: Decision{
				File:         file,
				OriginalName: name,
				Confidence:   0.0,
				Reason:       "Skipped (Not found in standard / not defined in ontology)",
				Status:       StatusSkipped,
			},
			Method:        MethodSkipList,
			TopCandidates: "[]",
		})
		return row, nil
	}

	// 2. Out-of-domain gate.
	if e.gate.Matches(name) {
		row := e.finish(span, AuditRow{
			Decision: Decision{
				File:         file,
				OriginalName: name,
				Confidence:   0.0,
				Reason:       "OOD",
				Status:       StatusNoMatch,
			},
			Method:        MethodOODGate,
			TopCandidates: "[]",
		})
		return row, nil
	}

	// 3. Embed and retrieve.
	query := buildQuery(name, unit)
	emb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return AuditRow{}, err
	}
	if emb.Degraded {
		// Zero vector: every similarity is 0, so the low-sim rule fires
		// below. Kept visible in logs because it means paid calls failed.
		e.logger.Warn("embedding degraded, variable will abstain",
			slog.String("variable", name),
			slog.String("cause", emb.Cause),
		)
	}

	var weight func(id string) float64
	if e.params.UnitGating {
		weight = func(id string) float64 {
			return UnitCompatScore(unit, UnitFromCandidateID(id))
		}
	}
	candidates, err := e.source.TopKWeighted(emb.Vector, e.params.TopK, weight)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate retrieval failed")
		return AuditRow{}, err
	}

	topSim, margin := topAndMargin(candidates)
	compact := CompactCandidates(candidates)

	// 4. Low-similarity abstain.
	if len(candidates) == 0 || topSim < e.params.MinSim {
		conf := topSim
		row := e.finish(span, AuditRow{
			Decision: Decision{
				File:         file,
				OriginalName: name,
				Confidence:   conf,
				Reason:       fmt.Sprintf("Low similarity (top_sim=%.3f < MIN_SIM=%g)", topSim, e.params.MinSim),
				Status:       e.router.Route(conf),
			},
			Method:        MethodLowSim,
			TopSim:        topSim,
			Margin:        margin,
			TopCandidates: compact,
		})
		return row, nil
	}

	// 5. Margin auto-accept.
	if len(candidates) > 1 && margin >= e.params.SimGap {
		conf := topSim
		if conf > 0.99 {
			conf = 0.99
		}
		row := e.finish(span, AuditRow{
			Decision: Decision{
				File:         file,
				OriginalName: name,
				BestMatch:    candidates[0].ID,
				Confidence:   conf,
				Reason:       fmt.Sprintf("Auto by margin (top_sim=%.3f, margin=%.3f)", topSim, margin),
				Status:       e.router.Route(conf),
			},
			Method:        MethodAutoMargin,
			TopSim:        topSim,
			Margin:        margin,
			TopCandidates: compact,
		})
		return row, nil
	}

	// 6. LLM escalation.
	verdict, err := e.escalate(ctx, name, unit, query, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "escalation failed")
		return AuditRow{}, err
	}

	row := e.finish(span, AuditRow{
		Decision: Decision{
			File:         file,
			OriginalName: name,
			BestMatch:    verdict.BestMatch,
			Confidence:   verdict.Confidence,
			Reason:       verdict.Reason,
			Status:       e.router.Route(verdict.Confidence),
		},
		Method:        MethodLLM,
		TopSim:        topSim,
		Margin:        margin,
		TopCandidates: compact,
	})
	return row, nil
}

// escalate calls the reasoner and applies the unit-compatibility override.
func (e *Engine) escalate(ctx context.Context, name, unit, query string,
	candidates []index.Candidate) (remote.Verdict, error) {

	prompts := make([]remote.Candidate, len(candidates))
	for i, c := range candidates {
		prompts[i] = remote.Candidate{ID: c.ID, Sim: c.Similarity, Text: c.Text}
	}

	start := time.Now()
	verdict, err := e.reasoner.Reason(ctx, name, query, prompts)
	if err != nil {
		return remote.Verdict{}, err
	}
	// Only completed escalations count toward latency; aborted calls
	// (forbidden access, cancellation) would skew the histogram.
	routeEscalationLatency.Observe(time.Since(start).Seconds())

	if e.params.UnitGating && verdict.BestMatch != "" {
		candUnit := UnitFromCandidateID(verdict.BestMatch)
		if UnitCompatScore(unit, candUnit) < unitAbstainThreshold {
			e.logger.Info("LLM pick overridden: incompatible units",
				slog.String("variable", name),
				slog.String("pick", verdict.BestMatch),
				slog.String("variable_unit", unit),
				slog.String("candidate_unit", candUnit),
			)
			return remote.Verdict{Reason: "Abstained: incompatible units"}, nil
		}
	}
	return verdict, nil
}

// finish records metrics and span attributes for a completed decision.
func (e *Engine) finish(span trace.Span, row AuditRow) AuditRow {
	routeDecisionsTotal.WithLabelValues(string(row.Method), string(row.Status)).Inc()
	span.SetAttributes(
		attribute.String("method", string(row.Method)),
		attribute.String("status", string(row.Status)),
		attribute.String("best_match", row.BestMatch),
		attribute.Float64("confidence", row.Confidence),
	)
	e.logger.Debug("variable routed",
		slog.String("variable", row.OriginalName),
		slog.String("method", string(row.Method)),
		slog.String("status", string(row.Status)),
		slog.String("best_match", row.BestMatch),
		slog.Float64("confidence", row.Confidence),
	)
	return row
}

// buildQuery renders the embedding/reasoning query text for a variable.
// The unit tag is part of the query so the embedding space can separate
// same-named signals with different units.
func buildQuery(name, unit string) string {
	q := fmt.Sprintf("Variable '%s' from OEM dataset", name)
	if unit != "" {
		q += fmt.Sprintf(" [unit=%s]", unit)
	}
	return q
}

// topAndMargin extracts the top similarity and the top-minus-second margin
// from a ranked candidate slice.
func topAndMargin(candidates []index.Candidate) (topSim, margin float64) {
	if len(candidates) == 0 {
		return 0, 0
	}
	topSim = candidates[0].Similarity
	if len(candidates) > 1 {
		margin = topSim - candidates[1].Similarity
	} else {
		margin = topSim
	}
	return topSim, margin
}
