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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	reasonRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "align",
		Subsystem: "reason",
		Name:      "requests_total",
		Help:      "Reasoning call outcomes: ok, parse_error, api_error, degraded, forbidden",
	}, []string{"outcome"})

	reasonLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "align",
		Subsystem: "reason",
		Name:      "latency_seconds",
		Help:      "Latency of successful reasoning HTTP calls",
		Buckets:   []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
	})
)

var reasonerTracer = otel.Tracer("ontoalign.align.remote.reasoner")

// =============================================================================
// Wire Types (chat completions)
// =============================================================================

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Verdict
// =============================================================================

// Verdict is the reasoning service's best-match judgment for one variable.
// An empty BestMatch with Confidence 0 is a deliberate abstain — either the
// model's own verdict or the degrade path after API/parse failures; Reason
// records which.
type Verdict struct {
	BestMatch  string  `json:"best_match"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Candidate is a nearest-neighbor entry serialized into the reasoning
// prompt: id, similarity, display text.
type Candidate struct {
	ID   string  `json:"id"`
	Sim  float64 `json:"sim"`
	Text string  `json:"text"`
}

// emptyVerdict builds the neutral abstain verdict with the given cause.
func emptyVerdict(reason string) Verdict {
	return Verdict{BestMatch: "", Confidence: 0.0, Reason: reason}
}

// =============================================================================
// Reasoner
// =============================================================================

// ReasonerConfig carries the endpoint settings for the chat-completions
// service used for LLM escalation.
type ReasonerConfig struct {
	URL         string
	Model       string
	APIKey      string
	Temperature float32
	Timeout     time.Duration // per-attempt HTTP timeout
}

// Reasoner obtains a best-match verdict for a variable and its candidate
// list from the remote LLM.
//
// # Description
//
// The response content is free text expected to contain exactly one JSON
// object; the substring between the first '{' and the last '}' is parsed,
// with every missing field defaulting. Failure behavior mirrors the
// Embedder's degrade-to-abstain contract: transient failures are retried,
// everything else (including retry exhaustion and malformed JSON) collapses
// into an empty verdict whose Reason names the failure mode. Only a 403 or
// context cancellation surfaces as an error.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reasoner struct {
	cfg      ReasonerConfig
	policy   Policy
	throttle *Throttle
	client   *http.Client
	logger   *slog.Logger
}

// NewReasoner creates a Reasoner.
func NewReasoner(cfg ReasonerConfig, policy Policy, throttle *Throttle, logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 240 * time.Second
	}
	return &Reasoner{
		cfg:      cfg,
		policy:   policy,
		throttle: throttle,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// Reason asks the LLM to pick the best candidate for a variable.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - variable: The raw OEM variable name, for logging.
//   - query: The descriptive query text (same text the embedding used).
//   - candidates: Ranked nearest neighbors, already truncated to top-K.
//
// # Outputs
//
//   - Verdict: Never empty-struct; on any recoverable failure it is the
//     abstain verdict with the failure mode in Reason.
//   - error: Non-nil only for ErrForbidden or context cancellation.
func (r *Reasoner) Reason(ctx context.Context, variable, query string, candidates []Candidate) (Verdict, error) {
	ctx, span := reasonerTracer.Start(ctx, "remote.Reasoner.Reason",
		trace.WithAttributes(
			attribute.String("variable", variable),
			attribute.Int("candidates", len(candidates)),
			attribute.String("model", r.cfg.Model),
		),
	)
	defer span.End()

	prompt, err := buildPrompt(query, candidates)
	if err != nil {
		reasonRequestsTotal.WithLabelValues("api_error").Inc()
		return emptyVerdict(fmt.Sprintf("prompt build failed: %v", err)), nil
	}

	for attempt := 0; attempt < r.policy.Budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return emptyVerdict("canceled"), err
		}
		r.throttle.Wait()

		start := time.Now()
		content, class, err := r.attempt(ctx, prompt)
		switch {
		case err != nil:
			r.logger.Warn("reasoner: transport error, backing off",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if serr := r.policy.sleep(ctx, r.policy.Backoff(attempt)); serr != nil {
				return emptyVerdict("canceled"), serr
			}

		case class == statusOK:
			reasonLatency.Observe(time.Since(start).Seconds())
			verdict, ok := parseVerdict(content)
			if !ok {
				reasonRequestsTotal.WithLabelValues("parse_error").Inc()
				span.SetAttributes(attribute.Bool("parse_error", true))
				return emptyVerdict("LLM parse error"), nil
			}
			reasonRequestsTotal.WithLabelValues("ok").Inc()
			span.SetAttributes(
				attribute.String("best_match", verdict.BestMatch),
				attribute.Float64("confidence", verdict.Confidence),
			)
			return verdict, nil

		case class == statusForbidden:
			reasonRequestsTotal.WithLabelValues("forbidden").Inc()
			return emptyVerdict("forbidden"), forbiddenError("reasoning service", nil)

		case class == statusRateLimited:
			r.logger.Warn("reasoner: rate limited, backing off",
				slog.Int("attempt", attempt),
				slog.Duration("wait", r.policy.Backoff(attempt)),
			)
			if serr := r.policy.sleep(ctx, r.policy.Backoff(attempt)); serr != nil {
				return emptyVerdict("canceled"), serr
			}

		default: // statusTransient: a non-retryable API error for reasoning
			reasonRequestsTotal.WithLabelValues("api_error").Inc()
			return emptyVerdict(fmt.Sprintf("LLM API %d", classStatusCode(content))), nil
		}
	}

	reasonRequestsTotal.WithLabelValues("degraded").Inc()
	r.logger.Warn("reasoner: retries exhausted, degrading to abstain",
		slog.String("variable", variable),
		slog.Int("budget", r.policy.Budget),
	)
	return emptyVerdict("LLM request failed (timeout/retries exhausted)"), nil
}

// attempt performs one HTTP round-trip. On a transient (non-200/403/429)
// status the returned content carries the status code as text so the caller
// can record it in the verdict Reason.
func (r *Reasoner) attempt(ctx context.Context, prompt string) (string, statusClass, error) {
	payload := chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "Return JSON only."},
			{Role: "user", Content: prompt},
		},
		Temperature: r.cfg.Temperature,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", statusTransient, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", statusTransient, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", statusTransient, fmt.Errorf("chat HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", statusTransient, fmt.Errorf("read chat response: %w", err)
	}

	class := classifyStatus(resp.StatusCode)
	if class != statusOK {
		return fmt.Sprintf("%d", resp.StatusCode), class, nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", statusTransient, fmt.Errorf("parse chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", statusTransient, fmt.Errorf("chat API error: %s - %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", statusTransient, fmt.Errorf("chat API returned no choices")
	}

	return parsed.Choices[0].Message.Content, statusOK, nil
}

// =============================================================================
// Prompt & Verdict Parsing
// =============================================================================

// buildPrompt renders the escalation prompt: the variable's query text plus
// the candidate list as indented JSON, and the strict output contract.
func buildPrompt(query string, candidates []Candidate) (string, error) {
	candJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal candidates: %w", err)
	}

	var b strings.Builder
	b.WriteString("Map OEM variable to ontology.\n\n")
	b.WriteString("Variable:\n")
	b.WriteString(query)
	b.WriteString("\n\nCandidates:\n")
	b.Write(candJSON)
	b.WriteString("\n\nReturn strict JSON:\n")
	b.WriteString(`{"best_match":"","confidence":0.0,"reason":""}`)
	return b.String(), nil
}

// parseVerdict extracts the JSON object between the first '{' and the last
// '}' of the model output and decodes it defensively.
//
// Returns ok=false when no balanced braces exist or the substring is not
// valid JSON. Missing fields default to the zero value; confidence is
// clamped into [0,1].
func parseVerdict(content string) (Verdict, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Verdict{}, false
	}

	var v Verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return Verdict{}, false
	}

	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, true
}

// classStatusCode renders the transient-status content (the status code as
// text) for the verdict Reason; unknown content becomes 0.
func classStatusCode(content string) int {
	var code int
	_, _ = fmt.Sscanf(content, "%d", &code)
	return code
}
