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
	"sync"
	"time"
)

// Throttle is a fixed-interval request gate.
//
// Description:
//
//	Paces outbound API calls to respect the gateway quota: after every Nth
//	call the gate sleeps for the configured pause. The pause is independent
//	of retry backoff waits — backoff reacts to failures, the throttle paces
//	successes too.
//
//	A single Throttle is shared by the embedding and reasoning clients when
//	both talk to the same gateway, so the combined call rate stays under the
//	quota. Each client owns a reference; there is no package-level state.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type Throttle struct {
	mu    sync.Mutex
	every int
	pause time.Duration
	calls uint64

	// sleep is swapped out by tests. Nil means time.Sleep.
	sleep func(time.Duration)
}

// NewThrottle creates a gate that sleeps for pause after every Nth call.
//
// Inputs:
//   - every: Call cadence. Values < 1 are treated as 1 (pause every call).
//   - pause: Sleep duration at the gate. Zero disables the gate.
//
// Outputs:
//   - *Throttle: Configured gate. Never nil.
func NewThrottle(every int, pause time.Duration) *Throttle {
	if every < 1 {
		every = 1
	}
	return &Throttle{every: every, pause: pause, sleep: time.Sleep}
}

// Wait records one call and blocks at the cadence boundary.
func (t *Throttle) Wait() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.calls++
	due := t.pause > 0 && t.calls%uint64(t.every) == 0
	sleep := t.sleep
	t.mu.Unlock()

	if due {
		sleep(t.pause)
	}
}

// Calls returns the number of calls seen so far. Used for the end-of-run
// API call summary.
func (t *Throttle) Calls() uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
