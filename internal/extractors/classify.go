package extractors

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Findings summarises subsystem-level signals mined from a failure log. They
// enrich the diff summary and give the inference collaborator structured
// hints beyond the raw excerpt.
type Findings struct {
	FailedTests       []string
	TestFailureCount  int
	TestErrorCount    int
	TestSkippedCount  int
	DependencyIssues  []string
	CompilationIssues []string
	SlowPhases        []string
}

var (
	junitSummaryRe = regexp.MustCompile(`Tests run: (\d+), Failures: (\d+), Errors: (\d+), Skipped: (\d+)`)
	failedTestRe   = regexp.MustCompile(`(?m)^FAIL(?:ED)?[:\s]+([\w./$#-]+)`)

	dependencyRes = []*regexp.Regexp{
		regexp.MustCompile(`Could not resolve dependencies for project ([^:\s]+)`),
		regexp.MustCompile(`Could not find artifact (\S+)`),
		regexp.MustCompile(`Failed to resolve: (\S+)`),
		regexp.MustCompile(`Unable to find version (\S+) for package (\S+)`),
	}

	compilationRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\S+\.(?:java|groovy|kt):\[\d+,\d+\] error: .*$`),
		regexp.MustCompile(`(?m)^\S+\.go:\d+:\d+: .*$`),
		regexp.MustCompile(`(?m)^\S+\.py:\d+: \w*Error.*$`),
		regexp.MustCompile(`(?m)^\S+\.(?:ts|js):\d+:\d+: error TS\d+: .*$`),
	}

	phaseTimeRe = regexp.MustCompile(`\[\w+\] (.+?) \[(\d+(?:\.\d+)?)s\]`)
)

const slowPhaseSeconds = 60

// Classify mines a raw console log for subsystem findings.
func Classify(log string) Findings {
	var f Findings

	for _, m := range junitSummaryRe.FindAllStringSubmatch(log, -1) {
		f.TestFailureCount += atoi(m[2])
		f.TestErrorCount += atoi(m[3])
		f.TestSkippedCount += atoi(m[4])
	}
	for _, m := range failedTestRe.FindAllStringSubmatch(log, -1) {
		f.FailedTests = appendLimited(f.FailedTests, m[1], 20)
	}

	for _, re := range dependencyRes {
		for _, m := range re.FindAllStringSubmatch(log, -1) {
			f.DependencyIssues = appendLimited(f.DependencyIssues, strings.TrimSpace(m[0]), 20)
		}
	}

	for _, re := range compilationRes {
		for _, m := range re.FindAllString(log, -1) {
			f.CompilationIssues = appendLimited(f.CompilationIssues, strings.TrimSpace(m), 20)
		}
	}

	for _, m := range phaseTimeRe.FindAllStringSubmatch(log, -1) {
		seconds, err := strconv.ParseFloat(m[2], 64)
		if err != nil || seconds <= slowPhaseSeconds {
			continue
		}
		f.SlowPhases = appendLimited(f.SlowPhases, fmt.Sprintf("%s (%.0fs)", strings.TrimSpace(m[1]), seconds), 10)
	}

	return f
}

// Summary renders the findings as short labelled lines for the diff summary
// and the inference payload metadata.
func (f Findings) Summary() []string {
	var lines []string
	if f.TestFailureCount > 0 || f.TestErrorCount > 0 || len(f.FailedTests) > 0 {
		lines = append(lines, fmt.Sprintf("tests: %d failures, %d errors, %d named (%s)",
			f.TestFailureCount, f.TestErrorCount, len(f.FailedTests), strings.Join(f.FailedTests, ", ")))
	}
	if len(f.DependencyIssues) > 0 {
		lines = append(lines, "dependencies: "+strings.Join(f.DependencyIssues, "; "))
	}
	if len(f.CompilationIssues) > 0 {
		lines = append(lines, "compilation: "+strings.Join(f.CompilationIssues, "; "))
	}
	if len(f.SlowPhases) > 0 {
		lines = append(lines, "slow phases: "+strings.Join(f.SlowPhases, "; "))
	}
	return lines
}

// Empty reports whether nothing was mined.
func (f Findings) Empty() bool {
	return f.TestFailureCount == 0 && f.TestErrorCount == 0 && f.TestSkippedCount == 0 &&
		len(f.FailedTests) == 0 && len(f.DependencyIssues) == 0 &&
		len(f.CompilationIssues) == 0 && len(f.SlowPhases) == 0
}

func appendLimited(dst []string, value string, limit int) []string {
	if value == "" || len(dst) >= limit {
		return dst
	}
	for _, existing := range dst {
		if existing == value {
			return dst
		}
	}
	return append(dst, value)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
