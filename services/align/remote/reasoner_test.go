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
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func chatOKBody(content string) []byte {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return body
}

func newTestReasoner(url string, policy Policy) *Reasoner {
	return NewReasoner(ReasonerConfig{
		URL:         url,
		Model:       "gpt-4.1-2025-04-14",
		APIKey:      "test-key",
		Temperature: 0.1,
	}, policy, nil, slog.Default())
}

var testCandidates = []Candidate{
	{ID: "onto:Thrust_kN", Sim: 0.81, Text: "Propeller thrust in kN"},
	{ID: "onto:Torque_kNm", Sim: 0.78, Text: "Shaft torque in kNm"},
}

func TestReasoner_ParsesVerdictFromProse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[1].Content, "onto:Thrust_kN") {
			t.Error("prompt does not carry the candidate list")
		}
		// Model wraps the JSON object in prose; the client extracts it.
		content := "Sure, here is the verdict:\n" +
			`{"best_match":"onto:Thrust_kN","confidence":0.87,"reason":"unit and meaning match"}` +
			"\nLet me know if you need more."
		_, _ = w.Write(chatOKBody(content))
	}))
	defer srv.Close()

	r := newTestReasoner(srv.URL, fastPolicy(3))

	v, err := r.Reason(context.Background(), "ME1_Thrust_kN", "Variable 'ME1_Thrust_kN' from OEM dataset", testCandidates)
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if v.BestMatch != "onto:Thrust_kN" {
		t.Errorf("best_match = %q", v.BestMatch)
	}
	if v.Confidence != 0.87 {
		t.Errorf("confidence = %f", v.Confidence)
	}
}

func TestReasoner_MalformedJSONDegradesToParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatOKBody(`{"best_match": "onto:X", "confidence": 0.9`)) // unbalanced braces
	}))
	defer srv.Close()

	r := newTestReasoner(srv.URL, fastPolicy(3))

	v, err := r.Reason(context.Background(), "v", "q", testCandidates)
	if err != nil {
		t.Fatalf("parse failure must not be an error, got %v", err)
	}
	if v.BestMatch != "" || v.Confidence != 0.0 {
		t.Errorf("expected empty verdict, got %+v", v)
	}
	if !strings.Contains(v.Reason, "parse") {
		t.Errorf("reason %q does not name the parse failure", v.Reason)
	}
}

func TestReasoner_APIErrorReturnsStatusInReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := newTestReasoner(srv.URL, fastPolicy(3))

	v, err := r.Reason(context.Background(), "v", "q", testCandidates)
	if err != nil {
		t.Fatalf("API error must degrade, got %v", err)
	}
	if v.Reason != "LLM API 400" {
		t.Errorf("reason = %q, want LLM API 400", v.Reason)
	}
}

func TestReasoner_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(chatOKBody(`{"best_match":"onto:Torque_kNm","confidence":0.6,"reason":"ok"}`))
	}))
	defer srv.Close()

	r := newTestReasoner(srv.URL, fastPolicy(5))

	v, err := r.Reason(context.Background(), "v", "q", testCandidates)
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if v.BestMatch != "onto:Torque_kNm" {
		t.Errorf("best_match = %q", v.BestMatch)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("server saw %d calls, want 3", n)
	}
}

func TestReasoner_ExhaustionDegradesToAbstain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := newTestReasoner(srv.URL, fastPolicy(2))

	v, err := r.Reason(context.Background(), "v", "q", testCandidates)
	if err != nil {
		t.Fatalf("exhaustion must not be an error, got %v", err)
	}
	if v.BestMatch != "" || v.Confidence != 0.0 {
		t.Errorf("expected abstain verdict, got %+v", v)
	}
	if !strings.Contains(v.Reason, "retries exhausted") {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestReasoner_ForbiddenFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := newTestReasoner(srv.URL, fastPolicy(5))

	_, err := r.Reason(context.Background(), "v", "q", testCandidates)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestParseVerdict_Clamping(t *testing.T) {
	v, ok := parseVerdict(`{"best_match":"x","confidence":1.7,"reason":"r"}`)
	if !ok {
		t.Fatal("parseVerdict failed")
	}
	if v.Confidence != 1.0 {
		t.Errorf("confidence = %f, want clamped 1.0", v.Confidence)
	}

	v, ok = parseVerdict(`{"confidence":-0.3}`)
	if !ok {
		t.Fatal("parseVerdict failed")
	}
	if v.Confidence != 0.0 || v.BestMatch != "" {
		t.Errorf("defaults wrong: %+v", v)
	}
}

func TestParseVerdict_NoObject(t *testing.T) {
	if _, ok := parseVerdict("no braces here"); ok {
		t.Error("content without an object must fail")
	}
	if _, ok := parseVerdict("} inverted {"); ok {
		t.Error("inverted braces must fail")
	}
}
