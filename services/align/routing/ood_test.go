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

import "testing"

var testOODPatterns = []string{
	`\bPkt`, `\bPLC`, `\bFW[_-]`, `\bDbgVar`,
	`\bMemTemp`, `\bCabTemp`, `\bChecksum`, `\bVibAlarm`,
}

func TestOODGate_Matches(t *testing.T) {
	gate, err := NewOODGate(testOODPatterns)
	if err != nil {
		t.Fatalf("NewOODGate: %v", err)
	}

	cases := []struct {
		name string
		want bool
	}{
		{"PktLossRate", true},
		{"pktlossrate", true}, // case-insensitive
		{"PLC_Heartbeat", true},
		{"FW_Version", true},
		{"FW-Build", true},
		{"DbgVar_12", true},
		{"Checksum_CRC32", true},
		{"MemTempSensor", true},
		{"CabTemp_degC", true},
		{"VibAlarm_Level", true},
		{"ME1_Thrust_kN", false},
		{"ShaftSpeed_rpm", false},
		{"HWChecksum", false}, // \b requires a word boundary before the token
		{"", false},
	}
	for _, tc := range cases {
		if got := gate.Matches(tc.name); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewOODGate_RejectsBadPattern(t *testing.T) {
	if _, err := NewOODGate([]string{`(unclosed`}); err == nil {
		t.Error("invalid pattern must be a configuration error")
	}
}

func TestOODGate_NilIsSafe(t *testing.T) {
	var gate *OODGate
	if gate.Matches("PktLossRate") {
		t.Error("nil gate must match nothing")
	}
}
