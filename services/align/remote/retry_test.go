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
	"net/http"
	"testing"
	"time"
)

func TestPolicy_BackoffSchedule(t *testing.T) {
	p := Policy{Budget: 7, Base: 8 * time.Second, BackoffCap: 60 * time.Second, TransientCap: 30 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 8 * time.Second},
		{1, 16 * time.Second},
		{2, 32 * time.Second},
		{3, 60 * time.Second}, // 64s capped
		{10, 60 * time.Second},
		{62, 60 * time.Second}, // shift overflow also capped
	}
	for _, tc := range cases {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestPolicy_TransientWaitSchedule(t *testing.T) {
	p := Policy{Budget: 7, Base: 8 * time.Second, BackoffCap: 60 * time.Second, TransientCap: 30 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 8 * time.Second},
		{1, 16 * time.Second},
		{2, 24 * time.Second},
		{3, 30 * time.Second}, // 32s capped
	}
	for _, tc := range cases {
		if got := p.TransientWait(tc.attempt); got != tc.want {
			t.Errorf("TransientWait(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want statusClass
	}{
		{http.StatusOK, statusOK},
		{http.StatusTooManyRequests, statusRateLimited},
		{http.StatusForbidden, statusForbidden},
		{http.StatusInternalServerError, statusTransient},
		{http.StatusBadGateway, statusTransient},
		{http.StatusNotFound, statusTransient},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.code); got != tc.want {
			t.Errorf("classifyStatus(%d) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestThrottle_Cadence(t *testing.T) {
	var slept []time.Duration
	th := NewThrottle(2, 100*time.Millisecond)
	th.sleep = func(d time.Duration) { slept = append(slept, d) }

	for i := 0; i < 5; i++ {
		th.Wait()
	}

	// Calls 2 and 4 hit the cadence boundary.
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 100*time.Millisecond {
			t.Errorf("sleep duration = %v, want 100ms", d)
		}
	}
	if th.Calls() != 5 {
		t.Errorf("Calls() = %d, want 5", th.Calls())
	}
}

func TestThrottle_ZeroPauseNeverSleeps(t *testing.T) {
	th := NewThrottle(1, 0)
	th.sleep = func(time.Duration) { t.Error("zero-pause throttle must not sleep") }

	th.Wait()
	th.Wait()
	if th.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", th.Calls())
	}
}

func TestThrottle_NilIsSafe(t *testing.T) {
	var th *Throttle
	th.Wait() // must not panic
	if th.Calls() != 0 {
		t.Error("nil throttle reports calls")
	}
}
