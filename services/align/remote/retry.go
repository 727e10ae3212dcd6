// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote contains the two network clients of the alignment
// pipeline — the embedding client and the reasoning client — plus the retry
// policy, request throttle, and embedding persistence store they share.
//
// Both clients deliberately degrade instead of failing: an exhausted
// embedding call yields a zero vector, an exhausted or malformed reasoning
// call yields an empty verdict. The only error either client surfaces is
// ErrForbidden, which indicates an access failure that retrying cannot fix
// and which aborts the whole run.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrForbidden marks a non-retryable access failure (HTTP 403 from the
// gateway: wrong key, or the caller is not on the permitted network).
// Callers are expected to abort the run on it.
var ErrForbidden = errors.New("remote: access forbidden (check API key / network)")

// ErrDimensionMismatch marks an embedding response whose vector dimension
// differs from the configured index dimension. The endpoint is serving a
// different model than the one the index was built with — a configuration
// error that aborts the run.
var ErrDimensionMismatch = errors.New("remote: embedding dimension mismatch")

// Policy is the shared retry/backoff schedule for both network clients.
//
// Description:
//
//	One Policy value replaces the ad-hoc retry loops the two clients would
//	otherwise duplicate. The schedule is deterministic:
//
//	  - 429 or transport error: min(BackoffCap, Base * 2^attempt)
//	  - other unexpected status: min(TransientCap, Base * (attempt+1))
//
//	Budget counts attempts including the first; attempt numbers passed to
//	the wait functions start at 0.
//
// Thread Safety: Immutable value type; safe for concurrent use.
type Policy struct {
	// Budget is the maximum number of attempts, including the first.
	Budget int

	// Base seeds both wait schedules.
	Base time.Duration

	// BackoffCap bounds one exponential backoff sleep.
	BackoffCap time.Duration

	// TransientCap bounds one linear transient-status sleep.
	TransientCap time.Duration

	// Sleep is swapped out by tests. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// DefaultPolicy mirrors the validated production tuning: 7 attempts, 8s
// base, exponential waits capped at 60s, linear waits capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		Budget:       7,
		Base:         8 * time.Second,
		BackoffCap:   60 * time.Second,
		TransientCap: 30 * time.Second,
	}
}

// Backoff returns the exponential wait for the given zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Base << uint(attempt)
	if d <= 0 || d > p.BackoffCap {
		// The shift overflows for large attempts; the cap covers that too.
		return p.BackoffCap
	}
	return d
}

// TransientWait returns the linear wait for an unexpected non-429 status.
func (p Policy) TransientWait(attempt int) time.Duration {
	d := p.Base * time.Duration(attempt+1)
	if d <= 0 || d > p.TransientCap {
		return p.TransientCap
	}
	return d
}

// sleep blocks for d, honoring context cancellation.
func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		p.Sleep(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// classify buckets an HTTP status into the retry taxonomy.
type statusClass int

const (
	statusOK statusClass = iota
	statusRateLimited
	statusForbidden
	statusTransient
)

func classifyStatus(code int) statusClass {
	switch {
	case code == http.StatusOK:
		return statusOK
	case code == http.StatusTooManyRequests:
		return statusRateLimited
	case code == http.StatusForbidden:
		return statusForbidden
	default:
		return statusTransient
	}
}

// forbiddenError wraps ErrForbidden with the responding service's detail.
func forbiddenError(service string, body []byte) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return fmt.Errorf("%w: %s: %s", ErrForbidden, service, detail)
}
