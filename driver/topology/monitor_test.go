// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"strings"
	"testing"
	"time"
)

func TestRTTWindow_EmptyStats(t *testing.T) {
	var w rttWindow
	if got := w.stats(0); got != "EWMA RTT: 0s" {
		t.Fatalf("empty window stats = %q", got)
	}
	if w.min() != 0 || w.p90() != 0 {
		t.Fatalf("empty window min/p90 should be 0")
	}
}

func TestRTTWindow_MinAndP90(t *testing.T) {
	var w rttWindow
	for i := 1; i <= 10; i++ {
		w.add(time.Duration(i) * time.Millisecond)
	}

	if got := w.min(); got != 1*time.Millisecond {
		t.Fatalf("min = %v, want 1ms", got)
	}
	// 90th percentile of 1..10ms sorted ascending, idx = int(10*0.9) = 9 -> 10ms.
	if got := w.p90(); got != 10*time.Millisecond {
		t.Fatalf("p90 = %v, want 10ms", got)
	}

	stats := w.stats(5 * time.Millisecond)
	if !strings.Contains(stats, "samples: 10") {
		t.Fatalf("stats = %q, expected sample count 10", stats)
	}
}

func TestRTTWindow_WrapsAtCapacity(t *testing.T) {
	var w rttWindow
	for i := 0; i < rttWindowSize+5; i++ {
		w.add(time.Duration(i+1) * time.Millisecond)
	}

	if w.size != rttWindowSize {
		t.Fatalf("size = %d, want capped at %d", w.size, rttWindowSize)
	}
	// The oldest 5 samples (1..5ms) have been overwritten, so the minimum
	// still present is 6ms.
	if got := w.min(); got != 6*time.Millisecond {
		t.Fatalf("min after wraparound = %v, want 6ms", got)
	}
}

func TestMonitor_StatsNeverConsultedBySelection(t *testing.T) {
	m := &Monitor{}
	m.rtt.add(10 * time.Millisecond)
	m.rtt.add(20 * time.Millisecond)
	smoothed := m.updateAverageRTT(10 * time.Millisecond)
	smoothed = m.updateAverageRTT(20 * time.Millisecond)

	stats := m.Stats()
	if !strings.Contains(stats, "EWMA RTT") || !strings.Contains(stats, "Min RTT") {
		t.Fatalf("Stats() = %q missing expected fields", stats)
	}
	// updateAverageRTT's return value, not Stats(), is what selection
	// actually consumes; confirm they're independently computed.
	if smoothed == 0 {
		t.Fatalf("expected a non-zero EWMA")
	}
}
