package extractors

import (
	"strings"
	"testing"
)

func TestNormalizeLineStripsVolatileTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"iso timestamp",
			"2026-08-27T10:15:03.120Z [ERROR] connection refused",
			"<ts> [ERROR] connection refused",
		},
		{
			"uuid and build ref",
			"run 6f1e0d3a-9c1b-4c5d-8f2e-aa10b7c9d001 for #1234 failed",
			"run <uuid> for #<n> failed",
		},
		{
			"duration and address",
			"request to 10.0.3.17:8443 timed out after 30 s",
			"request to <addr> timed out after <dur>",
		},
		{
			"whitespace collapse",
			"  BUILD   FAILED  ",
			"BUILD FAILED",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeLine(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizationIsStableAcrossReruns(t *testing.T) {
	run1 := "12:01:05 [ERROR] job #101 failed: timeout after 30 s at 10.0.0.1:443"
	run2 := "14:22:47 [ERROR] job #205 failed: timeout after 31 s at 10.0.0.9:443"
	if NormalizeLine(run1) != NormalizeLine(run2) {
		t.Fatalf("identical failures normalize differently:\n%q\n%q", NormalizeLine(run1), NormalizeLine(run2))
	}
}

func TestFailureSignalIncludesContextAndDedupes(t *testing.T) {
	log := strings.Join([]string{
		"Started by timer",
		"Cloning repository",
		"Running tests",
		"[ERROR] assertion failed in TestCheckout",
		"[ERROR] assertion failed in TestCheckout",
		"BUILD FAILED",
	}, "\n")

	signal := FailureSignal(log)
	if len(signal) == 0 {
		t.Fatal("expected a failure signal")
	}
	// Context lines before the first error are included.
	if signal[0] != "Started by timer" {
		t.Fatalf("expected leading context, got %q", signal[0])
	}
	// Duplicate normalized lines appear once.
	count := 0
	for _, line := range signal {
		if strings.Contains(line, "TestCheckout") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("duplicate error lines not deduped: %v", signal)
	}
}

func TestFailureSignalEmptyForCleanLog(t *testing.T) {
	if signal := FailureSignal("Started\nAll tests passed\nFinished: SUCCESS"); len(signal) != 0 {
		t.Fatalf("clean log produced a signal: %v", signal)
	}
}

func TestFailureSignalBounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("[ERROR] failure line variant ")
		b.WriteString(strings.Repeat("x", i%7+1))
		b.WriteString("\n")
	}
	if signal := FailureSignal(b.String()); len(signal) > 50 {
		t.Fatalf("signal not bounded: %d lines", len(signal))
	}
}

func TestExcerptPrefersTail(t *testing.T) {
	lines := make([]string, 300)
	for i := range lines {
		lines[i] = "line"
	}
	lines[299] = "the last line"

	excerpt := Excerpt(strings.Join(lines, "\n"), 100)
	if len(excerpt) != 100 {
		t.Fatalf("expected 100 lines, got %d", len(excerpt))
	}
	if excerpt[99] != "the last line" {
		t.Fatalf("tail not preserved: %q", excerpt[99])
	}
}

func TestEnvVars(t *testing.T) {
	log := strings.Join([]string{
		"DEPS_VERSION=2.0",
		"JAVA_HOME=/opt/jdk-17",
		"# COMMENTED=skip",
		"lowercase=skip",
		"not an assignment",
	}, "\n")

	vars := EnvVars(log)
	if vars["DEPS_VERSION"] != "2.0" || vars["JAVA_HOME"] != "/opt/jdk-17" {
		t.Fatalf("unexpected vars %+v", vars)
	}
	if _, ok := vars["lowercase"]; ok {
		t.Fatal("lowercase keys must be ignored")
	}
	if len(vars) != 2 {
		t.Fatalf("unexpected vars %+v", vars)
	}
}
