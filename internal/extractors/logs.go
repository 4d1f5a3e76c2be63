// Package extractors turns raw console logs into the normalized signals the
// pipeline diffs, fingerprints, and classifies.
package extractors

import (
	"regexp"
	"strings"
)

// Build logs are full of tokens that differ between otherwise identical
// failures. Normalization strips them so line comparison and fingerprinting
// see the failure shape, not the build identity.
var (
	timestampRe = regexp.MustCompile(`(?:\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)|(?:\d{2}:\d{2}:\d{2}(?:[.,]\d+)?)`)
	uuidRe      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	longHexRe   = regexp.MustCompile(`\b[0-9a-fA-F]{12,}\b`)
	buildRefRe  = regexp.MustCompile(`#\d+`)
	durationRe  = regexp.MustCompile(`\b\d+(?:\.\d+)?\s?(?:ms|s|sec|seconds|min|minutes)\b`)
	ipRe        = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// errorLineRe matches the line shapes that indicate a failure signal.
var errorLineRe = regexp.MustCompile(`(?i)(?:\berror\b\s*:?)|(?:\bexception\b)|(?:\bfailure\b\s*:?)|(?:\bfailed\b)|(?:BUILD FAILED)|(?:\[ERROR\])`)

const (
	signalContextLines = 5
	maxSignalLines     = 50
)

// NormalizeLine strips build-specific tokens from a single log line.
func NormalizeLine(line string) string {
	line = timestampRe.ReplaceAllString(line, "<ts>")
	line = uuidRe.ReplaceAllString(line, "<uuid>")
	line = longHexRe.ReplaceAllString(line, "<hex>")
	line = buildRefRe.ReplaceAllString(line, "#<n>")
	line = durationRe.ReplaceAllString(line, "<dur>")
	line = ipRe.ReplaceAllString(line, "<addr>")
	line = spaceRe.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

// Normalize splits a log into normalized, non-empty lines.
func Normalize(log string) []string {
	raw := strings.Split(log, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		normalized := NormalizeLine(line)
		if normalized == "" {
			continue
		}
		lines = append(lines, normalized)
	}
	return lines
}

// FailureSignal extracts the normalized error lines (with a few lines of
// leading context for the first hit) that identify a failure. The result is
// the fingerprinting input, so it must be stable across reruns of the same
// failure.
func FailureSignal(log string) []string {
	raw := strings.Split(log, "\n")
	signal := make([]string, 0, maxSignalLines)
	seen := make(map[string]struct{})

	appendLine := func(line string) bool {
		normalized := NormalizeLine(line)
		if normalized == "" {
			return len(signal) < maxSignalLines
		}
		if _, dup := seen[normalized]; dup {
			return len(signal) < maxSignalLines
		}
		seen[normalized] = struct{}{}
		signal = append(signal, normalized)
		return len(signal) < maxSignalLines
	}

	first := true
	for i, line := range raw {
		if !errorLineRe.MatchString(line) {
			continue
		}
		if first {
			// Context before the first error anchors multi-line stack traces.
			start := i - signalContextLines
			if start < 0 {
				start = 0
			}
			for _, ctx := range raw[start:i] {
				if !appendLine(ctx) {
					return signal
				}
			}
			first = false
		}
		if !appendLine(line) {
			return signal
		}
	}
	return signal
}

// Excerpt returns up to max raw lines for the inference payload, preferring
// the tail of the log where failures surface.
func Excerpt(log string, max int) []string {
	if max <= 0 {
		max = 200
	}
	raw := strings.Split(strings.TrimRight(log, "\n"), "\n")
	if len(raw) > max {
		raw = raw[len(raw)-max:]
	}
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		out = append(out, strings.TrimRight(line, "\r"))
	}
	return out
}

// EnvVars extracts KEY=value assignments from a console log. Uppercase keys
// only; everything else is overwhelmingly noise.
func EnvVars(log string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(log, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		if key == "" || key != strings.ToUpper(key) || strings.ContainsAny(key, " \t") {
			continue
		}
		vars[key] = strings.TrimSpace(trimmed[eq+1:])
	}
	return vars
}
