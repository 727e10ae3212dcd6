// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the alignment pipeline configuration: routing
// thresholds, remote endpoint settings, retry/throttle tuning, and the
// paths of the ontology index artifacts.
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. Embedded defaults (align_defaults.yaml, compiled into the binary)
//  2. An optional YAML file passed on the command line
//  3. ALIGN_* environment variables
//
// The resolved Config is immutable by convention: it is validated once at
// load time and passed by value or as a read-only pointer into the engine
// and clients. Threshold-sweep experiments construct modified copies rather
// than mutating shared state.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed align_defaults.yaml
var defaultConfigYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// Duration wraps time.Duration so YAML values can be written as "8s" or
// "1.7s" instead of raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string ("60s", "1.7s", "250ms").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full, immutable configuration for an alignment run.
//
// # Description
//
// Thresholds partition confidence space: RouteByConfidence maps
// c <= NoMatchThr to NO_MATCH, c <= HumanReviewThr to HUMAN_REVIEW, and
// everything above to ACCEPT. Validate enforces NoMatchThr < HumanReviewThr;
// the routing engine refuses to run on a config that violates it.
//
// # Thread Safety
//
// Immutable after Load; safe for concurrent use.
type Config struct {
	// Remote holds endpoint settings for the embedding and reasoning services.
	Remote RemoteConfig `yaml:"remote"`

	// Routing holds decision thresholds and candidate bounds.
	Routing RoutingConfig `yaml:"routing"`

	// Retry holds the shared retry/backoff policy for both network clients.
	Retry RetryConfig `yaml:"retry"`

	// Throttle holds the inter-request rate gate configuration.
	Throttle ThrottleConfig `yaml:"throttle"`

	// Index holds the ontology index artifact paths.
	Index IndexConfig `yaml:"index"`

	// SkipListPath is the required CSV of variable names that are known to
	// be absent from the standard. A run refuses to start without it.
	SkipListPath string `yaml:"skip_list" validate:"required"`

	// InputDir is the directory scanned for *.ttl input files.
	InputDir string `yaml:"input_dir"`

	// OutDir receives the decision, audit, and report outputs.
	OutDir string `yaml:"out_dir"`

	// CacheDir is the BadgerDB directory for embedding persistence.
	// Empty disables persistence (in-memory memoization only).
	CacheDir string `yaml:"cache_dir"`
}

// RemoteConfig configures the embedding and chat-completion services.
type RemoteConfig struct {
	// APIKey authenticates both services. Required; comes from ALIGN_API_KEY
	// in practice — the embedded defaults deliberately leave it empty.
	APIKey string `yaml:"api_key" validate:"required"`

	// EmbedURL is the text-embedding endpoint.
	EmbedURL string `yaml:"embed_url" validate:"required,url"`

	// LLMURL is the chat-completions endpoint used for escalation.
	LLMURL string `yaml:"llm_url" validate:"required,url"`

	// EmbedModel is the embedding model name sent in each request.
	EmbedModel string `yaml:"embed_model" validate:"required"`

	// ReasonModel is the chat model name sent in each escalation request.
	ReasonModel string `yaml:"reason_model" validate:"required"`

	// EmbeddingDim is the expected vector dimension. Used to size the
	// degraded zero-vector fallback and to cross-check the loaded index.
	EmbeddingDim int `yaml:"embedding_dim" validate:"gt=0"`

	// Temperature is sent with every reasoning request.
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`

	// EmbedTimeout bounds a single embedding HTTP attempt.
	EmbedTimeout Duration `yaml:"embed_timeout"`

	// ReasonTimeout bounds a single chat-completion HTTP attempt.
	ReasonTimeout Duration `yaml:"reason_timeout"`
}

// RoutingConfig holds the decision thresholds of the routing engine.
type RoutingConfig struct {
	// TopK is the number of nearest candidates retrieved per variable.
	TopK int `yaml:"top_k" validate:"gt=0"`

	// MinSim is the abstain floor: a top similarity below it routes the
	// variable without consulting the reasoner.
	MinSim float64 `yaml:"min_sim" validate:"gte=-1,lte=1"`

	// SimGap is the margin (top minus second similarity) above which the
	// top candidate is accepted without LLM escalation.
	SimGap float64 `yaml:"sim_gap" validate:"gte=0,lte=2"`

	// NoMatchThr is the inclusive upper bound of the NO_MATCH bucket.
	// Must be strictly below HumanReviewThr.
	NoMatchThr float64 `yaml:"no_match_thr" validate:"gte=0,lte=1,ltfield=HumanReviewThr"`

	// HumanReviewThr is the inclusive upper bound of the HUMAN_REVIEW bucket.
	HumanReviewThr float64 `yaml:"human_review_thr" validate:"gte=0,lte=1"`

	// UnitGating enables qudt-unit compatibility weighting of candidate
	// similarities and the incompatible-unit abstain override.
	UnitGating bool `yaml:"unit_gating"`

	// OODPatterns are case-insensitive regular expressions that mark a
	// variable name as out-of-domain (firmware/debug/protocol signals).
	OODPatterns []string `yaml:"ood_patterns" validate:"min=1"`
}

// RetryConfig is the shared retry/backoff policy for both network clients.
//
// The original deployment mixed two retry literals (MAX_RETRIES and
// MAX_RETRIES+5) across script variants; Budget is the single authoritative
// knob replacing both.
type RetryConfig struct {
	// Budget is the maximum number of attempts per call, including the first.
	Budget int `yaml:"budget" validate:"gt=0"`

	// BackoffBase seeds the exponential schedule (base * 2^attempt).
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffCap bounds a single exponential backoff sleep.
	BackoffCap Duration `yaml:"backoff_cap"`

	// TransientCap bounds the smaller linear wait used for non-429
	// unexpected statuses.
	TransientCap Duration `yaml:"transient_cap"`
}

// ThrottleConfig paces outbound requests independently of retry waits.
type ThrottleConfig struct {
	// EveryN makes the gate sleep after every Nth request.
	EveryN int `yaml:"every_n" validate:"gt=0"`

	// Pause is the sleep applied at the gate.
	Pause Duration `yaml:"pause"`
}

// IndexConfig names the three parallel ontology index artifacts.
type IndexConfig struct {
	// VectorsPath is a JSON array-of-arrays of floats (the dense matrix).
	VectorsPath string `yaml:"vectors" validate:"required"`

	// IDsPath is a JSON string array parallel to the matrix rows.
	IDsPath string `yaml:"ids" validate:"required"`

	// TextsPath is a JSON string array of display text parallel to the rows.
	TextsPath string `yaml:"texts" validate:"required"`
}

// =============================================================================
// Loading
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load resolves the configuration from embedded defaults, an optional YAML
// file, and ALIGN_* environment variables, then validates it.
//
// # Inputs
//
//   - path: Optional YAML file. Empty string skips the file layer.
//
// # Outputs
//
//   - *Config: The validated configuration. Nil on error.
//   - error: Non-nil on unreadable file, malformed YAML, malformed
//     environment override, or validation failure. All configuration
//     errors are fatal to the caller — the pipeline never starts with a
//     partially valid config.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse embedded defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the threshold ordering invariant.
func (c *Config) Validate() error {
	if err := validate.StructCtx(context.Background(), c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	// ltfield already enforces this; the explicit check gives a message a
	// human can act on instead of a validator tag name.
	if c.Routing.NoMatchThr >= c.Routing.HumanReviewThr {
		return fmt.Errorf("config: no_match_thr (%.2f) must be strictly below human_review_thr (%.2f)",
			c.Routing.NoMatchThr, c.Routing.HumanReviewThr)
	}
	return nil
}

// applyEnv overlays ALIGN_* environment variables onto the config.
//
// Every knob the threshold-sweep driver varies is overridable here so that
// experiments never require editing source or YAML.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("ALIGN_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("ALIGN_EMBED_URL"); v != "" {
		cfg.Remote.EmbedURL = v
	}
	if v := os.Getenv("ALIGN_LLM_URL"); v != "" {
		cfg.Remote.LLMURL = v
	}
	if v := os.Getenv("ALIGN_EMBED_MODEL"); v != "" {
		cfg.Remote.EmbedModel = v
	}
	if v := os.Getenv("ALIGN_REASON_MODEL"); v != "" {
		cfg.Remote.ReasonModel = v
	}
	if v := os.Getenv("ALIGN_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("ALIGN_SKIP_LIST"); v != "" {
		cfg.SkipListPath = v
	}

	intVars := map[string]*int{
		"ALIGN_TOP_K":         &cfg.Routing.TopK,
		"ALIGN_RETRY_BUDGET":  &cfg.Retry.Budget,
		"ALIGN_EMBEDDING_DIM": &cfg.Remote.EmbeddingDim,
	}
	for name, dst := range intVars {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s=%q is not an integer: %w", name, v, err)
			}
			*dst = n
		}
	}

	floatVars := map[string]*float64{
		"ALIGN_MIN_SIM":          &cfg.Routing.MinSim,
		"ALIGN_SIM_GAP":          &cfg.Routing.SimGap,
		"ALIGN_NO_MATCH_THR":     &cfg.Routing.NoMatchThr,
		"ALIGN_HUMAN_REVIEW_THR": &cfg.Routing.HumanReviewThr,
	}
	for name, dst := range floatVars {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("config: %s=%q is not a number: %w", name, v, err)
			}
			*dst = f
		}
	}

	if v := os.Getenv("ALIGN_THROTTLE_PAUSE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ALIGN_THROTTLE_PAUSE=%q is not a duration: %w", v, err)
		}
		cfg.Throttle.Pause = Duration(d)
	}

	return nil
}

// WithHumanReviewThr returns a copy of the config with a different
// HUMAN_REVIEW threshold. The sweep driver uses this to evaluate several
// threshold values against one run's audit trail.
func (c *Config) WithHumanReviewThr(thr float64) (*Config, error) {
	dup := *c
	dup.Routing.HumanReviewThr = thr
	if err := dup.Validate(); err != nil {
		return nil, err
	}
	return &dup, nil
}

// LogSummary emits the non-secret parts of the config at startup.
func (c *Config) LogSummary(logger *slog.Logger) {
	logger.Info("configuration loaded",
		slog.Int("top_k", c.Routing.TopK),
		slog.Float64("min_sim", c.Routing.MinSim),
		slog.Float64("sim_gap", c.Routing.SimGap),
		slog.Float64("no_match_thr", c.Routing.NoMatchThr),
		slog.Float64("human_review_thr", c.Routing.HumanReviewThr),
		slog.Bool("unit_gating", c.Routing.UnitGating),
		slog.Int("retry_budget", c.Retry.Budget),
		slog.Duration("throttle_pause", c.Throttle.Pause.Std()),
		slog.String("embed_model", c.Remote.EmbedModel),
		slog.String("reason_model", c.Remote.ReasonModel),
		slog.Bool("cache_enabled", c.CacheDir != ""),
	)
}
