package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platformbuilds/buildwatch/internal/extractors"
	"github.com/platformbuilds/buildwatch/internal/models"
)

const maxDiffLines = 40

// DiffParameters compares the failing build's parameters against the
// baseline's and reports additions, removals, and changes in name order.
func DiffParameters(current, baseline map[string]string) []models.ParameterDelta {
	names := make(map[string]struct{}, len(current)+len(baseline))
	for name := range current {
		names[name] = struct{}{}
	}
	for name := range baseline {
		names[name] = struct{}{}
	}

	var deltas []models.ParameterDelta
	for name := range names {
		cur, inCur := current[name]
		base, inBase := baseline[name]
		switch {
		case inCur && !inBase:
			deltas = append(deltas, models.ParameterDelta{Name: name, New: cur, Change: "added"})
		case !inCur && inBase:
			deltas = append(deltas, models.ParameterDelta{Name: name, Old: base, Change: "removed"})
		case cur != base:
			deltas = append(deltas, models.ParameterDelta{Name: name, Old: base, New: cur, Change: "changed"})
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Name < deltas[j].Name })
	return deltas
}

// DiffLogs returns the normalized error lines present in the failing log but
// absent from the baseline log. Both inputs must already be normalized.
func DiffLogs(current, baseline []string) []string {
	seen := make(map[string]struct{}, len(baseline))
	for _, line := range baseline {
		seen[line] = struct{}{}
	}

	var added []string
	emitted := make(map[string]struct{})
	for _, line := range current {
		if _, ok := seen[line]; ok {
			continue
		}
		if _, dup := emitted[line]; dup {
			continue
		}
		emitted[line] = struct{}{}
		added = append(added, line)
		if len(added) >= maxDiffLines {
			break
		}
	}
	return added
}

// Summarize renders the human-readable diff summary stored on the analysis
// and forwarded to the inference collaborator.
func Summarize(baseline int, deltas []models.ParameterDelta, addedLines []string, findings extractors.Findings) string {
	var b strings.Builder

	if baseline > 0 {
		fmt.Fprintf(&b, "baseline build #%d\n", baseline)
	} else {
		b.WriteString("no successful baseline found\n")
	}

	if len(deltas) > 0 {
		b.WriteString("parameter changes:\n")
		for _, d := range deltas {
			switch d.Change {
			case "added":
				fmt.Fprintf(&b, "  + %s=%s\n", d.Name, d.New)
			case "removed":
				fmt.Fprintf(&b, "  - %s=%s\n", d.Name, d.Old)
			default:
				fmt.Fprintf(&b, "  ~ %s: %s -> %s\n", d.Name, d.Old, d.New)
			}
		}
	}

	if len(addedLines) > 0 {
		fmt.Fprintf(&b, "new error lines (%d):\n", len(addedLines))
		for _, line := range addedLines {
			b.WriteString("  " + line + "\n")
		}
	}

	for _, line := range findings.Summary() {
		b.WriteString(line + "\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
