package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentiles(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}

	if got := tracker.Percentile(0); got != time.Second {
		t.Fatalf("p0: got %v", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Second {
		t.Fatalf("p100: got %v", got)
	}
	if got := tracker.Percentile(50); got < 4*time.Second || got > 6*time.Second {
		t.Fatalf("p50 out of range: %v", got)
	}
}

func TestLatencyTrackerBoundsSamples(t *testing.T) {
	tracker := NewLatencyTracker(4)
	for i := 1; i <= 8; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 4 {
		t.Fatalf("expected 4 retained samples, got %d", tracker.Count())
	}
	// Oldest samples are dropped first.
	if got := tracker.Percentile(0); got != 5*time.Millisecond {
		t.Fatalf("expected oldest retained sample 5ms, got %v", got)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(4)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("empty tracker should report zero, got %v", got)
	}
}
