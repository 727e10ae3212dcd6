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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	embedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "align",
		Subsystem: "embed",
		Name:      "requests_total",
		Help:      "Embedding call outcomes: ok, memo_hit, store_hit, degraded, forbidden",
	}, []string{"outcome"})

	embedRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "align",
		Subsystem: "embed",
		Name:      "retries_total",
		Help:      "Retried embedding attempts by cause: rate_limited, transient_status, transport",
	}, []string{"cause"})

	embedLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "align",
		Subsystem: "embed",
		Name:      "latency_seconds",
		Help:      "Latency of successful embedding HTTP calls",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})
)

var embedderTracer = otel.Tracer("ontoalign.align.remote.embedder")

// =============================================================================
// Wire Types
// =============================================================================

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// apiKeyHeader is the gateway's subscription header.
const apiKeyHeader = "Ocp-Apim-Subscription-Key"

// =============================================================================
// Embedding Result
// =============================================================================

// Embedding is the tagged result of an embed call.
//
// Degraded marks the deliberate degrade-to-neutral fallback: the retry
// budget was exhausted and Vector is an all-zero vector of the configured
// dimension. A zero vector has similarity 0 against every index entry, so
// a degraded embedding naturally routes to an abstain downstream. Cause
// records why the degrade happened, for the decision's reason field.
type Embedding struct {
	Vector   []float32
	Degraded bool
	Cause    string
}

// =============================================================================
// Embedder
// =============================================================================

// EmbedderConfig carries the endpoint settings for the embedding service.
type EmbedderConfig struct {
	URL     string
	Model   string
	APIKey  string
	Dim     int           // expected vector dimension; sizes the degraded fallback
	Timeout time.Duration // per-attempt HTTP timeout
}

// Embedder maps free text to a vector via the remote embedding service,
// hiding transient failures from the caller.
//
// # Description
//
// Results are memoized by exact trimmed text for the lifetime of the
// process, and optionally persisted in BadgerDB (see EmbeddingStore) so
// repeated runs skip the network entirely. Every network attempt passes
// the shared Throttle gate first.
//
// Failure behavior follows the degrade-to-abstain contract: only a 403
// (access failure, retrying cannot help) or context cancellation surfaces
// as an error; everything else eventually degrades to a zero vector.
//
// # Thread Safety
//
// Safe for concurrent use; memoization writes are serialized.
type Embedder struct {
	cfg      EmbedderConfig
	policy   Policy
	throttle *Throttle
	client   *http.Client
	logger   *slog.Logger
	store    EmbeddingStore // nil disables persistence

	mu   sync.Mutex
	memo map[string][]float32
}

// NewEmbedder creates an Embedder.
//
// # Inputs
//
//   - cfg: Endpoint settings. URL, Model, APIKey and Dim must be set; the
//     caller (config loading) validates them.
//   - policy: Shared retry policy.
//   - throttle: Request gate, shared with the reasoning client. May be nil.
//   - store: Optional persistence store. Nil means in-memory memoization only.
//   - logger: Logger. Must not be nil in production; nil falls back to slog.Default.
func NewEmbedder(cfg EmbedderConfig, policy Policy, throttle *Throttle, store EmbeddingStore, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Embedder{
		cfg:      cfg,
		policy:   policy,
		throttle: throttle,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		store:    store,
		memo:     make(map[string][]float32),
	}
}

// Embed maps text to an embedding vector.
//
// # Outputs
//
//   - Embedding: The vector, or a degraded zero vector after retry
//     exhaustion (never empty).
//   - error: Non-nil only for ErrForbidden or context cancellation. Both
//     abort the run.
func (e *Embedder) Embed(ctx context.Context, text string) (Embedding, error) {
	ctx, span := embedderTracer.Start(ctx, "remote.Embedder.Embed",
		trace.WithAttributes(
			attribute.String("model", e.cfg.Model),
			attribute.Int("text_len", len(text)),
		),
	)
	defer span.End()

	key := strings.TrimSpace(text)

	if vec, ok := e.memoGet(key); ok {
		embedRequestsTotal.WithLabelValues("memo_hit").Inc()
		span.SetAttributes(attribute.String("source", "memo"))
		return Embedding{Vector: vec}, nil
	}

	if e.store != nil {
		vec, err := e.store.LoadVector(ctx, TextKey(e.cfg.Model, key))
		if err != nil {
			e.logger.Warn("embedder: store load failed, continuing with network call",
				slog.String("error", err.Error()),
			)
		} else if len(vec) > 0 {
			e.memoPut(key, vec)
			embedRequestsTotal.WithLabelValues("store_hit").Inc()
			span.SetAttributes(attribute.String("source", "store"))
			return Embedding{Vector: vec}, nil
		}
	}

	vec, err := e.embedWithRetry(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding call failed hard")
		return Embedding{Vector: zeroVector(e.cfg.Dim)}, err
	}
	if vec == nil {
		// Retry budget spent: degrade to the neutral zero vector instead of
		// failing the pipeline.
		embedRequestsTotal.WithLabelValues("degraded").Inc()
		span.SetAttributes(attribute.Bool("degraded", true))
		e.logger.Warn("embedder: retries exhausted, degrading to zero vector",
			slog.Int("budget", e.policy.Budget),
			slog.String("text_preview", preview(key, 60)),
		)
		return Embedding{
			Vector:   zeroVector(e.cfg.Dim),
			Degraded: true,
			Cause:    "embedding retries exhausted",
		}, nil
	}

	e.memoPut(key, vec)
	if e.store != nil {
		if err := e.store.SaveVector(ctx, TextKey(e.cfg.Model, key), vec); err != nil {
			e.logger.Warn("embedder: failed to persist vector", slog.String("error", err.Error()))
		}
	}
	embedRequestsTotal.WithLabelValues("ok").Inc()
	return Embedding{Vector: vec}, nil
}

// embedWithRetry runs the attempt loop. Returns (nil, nil) when the budget
// is spent without a hard failure.
func (e *Embedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	for attempt := 0; attempt < e.policy.Budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.throttle.Wait()

		start := time.Now()
		vec, class, err := e.attempt(ctx, text)
		switch {
		case errors.Is(err, ErrDimensionMismatch):
			return nil, err

		case err != nil:
			// Transport-level failure (timeout, connection reset).
			embedRetriesTotal.WithLabelValues("transport").Inc()
			e.logger.Warn("embedder: transport error, backing off",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if serr := e.policy.sleep(ctx, e.policy.Backoff(attempt)); serr != nil {
				return nil, serr
			}

		case class == statusOK:
			embedLatency.Observe(time.Since(start).Seconds())
			return vec, nil

		case class == statusForbidden:
			embedRequestsTotal.WithLabelValues("forbidden").Inc()
			return nil, forbiddenError("embedding service", nil)

		case class == statusRateLimited:
			embedRetriesTotal.WithLabelValues("rate_limited").Inc()
			e.logger.Warn("embedder: rate limited, backing off",
				slog.Int("attempt", attempt),
				slog.Duration("wait", e.policy.Backoff(attempt)),
			)
			if serr := e.policy.sleep(ctx, e.policy.Backoff(attempt)); serr != nil {
				return nil, serr
			}

		default: // statusTransient
			embedRetriesTotal.WithLabelValues("transient_status").Inc()
			e.logger.Warn("embedder: unexpected status, retrying",
				slog.Int("attempt", attempt),
			)
			if serr := e.policy.sleep(ctx, e.policy.TransientWait(attempt)); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, nil
}

// attempt performs one HTTP round-trip against the embedding endpoint.
func (e *Embedder) attempt(ctx context.Context, text string) ([]float32, statusClass, error) {
	reqBody, err := json.Marshal(embedRequest{Input: text, Model: e.cfg.Model})
	if err != nil {
		return nil, statusTransient, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, statusTransient, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, statusTransient, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, statusTransient, fmt.Errorf("read embed response: %w", err)
	}

	class := classifyStatus(resp.StatusCode)
	if class != statusOK {
		return nil, class, nil
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, statusTransient, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, statusTransient, fmt.Errorf("embed service returned empty vector")
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != e.cfg.Dim {
		// Dimension drift means the endpoint is serving a different model
		// than the index was built with. Retrying cannot fix that.
		return nil, statusOK, fmt.Errorf("%w: service returned %d, configured %d",
			ErrDimensionMismatch, len(vec), e.cfg.Dim)
	}
	return vec, statusOK, nil
}

func (e *Embedder) memoGet(key string) ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vec, ok := e.memo[key]
	return vec, ok
}

func (e *Embedder) memoPut(key string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo[key] = vec
}

// zeroVector returns an all-zero vector of the given dimension.
func zeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// preview truncates s for log output.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
