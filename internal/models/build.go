package models

import (
	"fmt"
	"time"
)

// BuildResult enumerates the states a CI build can report.
type BuildResult string

const (
	BuildSuccess  BuildResult = "SUCCESS"
	BuildFailure  BuildResult = "FAILURE"
	BuildUnstable BuildResult = "UNSTABLE"
	BuildAborted  BuildResult = "ABORTED"
	BuildRunning  BuildResult = "RUNNING"
)

// Terminal reports whether the result will no longer change.
func (r BuildResult) Terminal() bool {
	return r != BuildRunning && r != ""
}

// Failed reports whether the build ended in a non-success terminal state.
func (r BuildResult) Failed() bool {
	return r == BuildFailure || r == BuildUnstable || r == BuildAborted
}

// Job is a discovered CI job, identified by its full hierarchical name
// (e.g. team/service/branch for multibranch pipelines).
type Job struct {
	Name         string    `json:"name"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Active       bool      `json:"active"`
	Excluded     bool      `json:"excluded"`
	MissedPolls  int       `json:"missed_polls"`
}

// Build is a single execution of a Job. (Job, Number) is unique and the
// result only ever moves RUNNING -> terminal.
type Build struct {
	Job        string            `json:"job"`
	Number     int               `json:"number"`
	Result     BuildResult       `json:"result"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Parameters map[string]string `json:"parameters,omitempty"`
	URL        string            `json:"url,omitempty"`
}

// Key returns the canonical job#number identifier for a build.
func (b Build) Key() string {
	return BuildKey(b.Job, b.Number)
}

// BuildKey formats the canonical identifier used across the store and cache.
func BuildKey(job string, number int) string {
	return fmt.Sprintf("%s#%d", job, number)
}

// AnalysisStatus tracks the lifecycle of one build analysis.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "PENDING"
	AnalysisInProgress AnalysisStatus = "IN_PROGRESS"
	AnalysisComplete   AnalysisStatus = "COMPLETE"
	AnalysisFailed     AnalysisStatus = "FAILED"
)

// Terminal reports whether the analysis reached a final state.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisComplete || s == AnalysisFailed
}

// ParameterDelta records one parameter difference between a failing build and
// its baseline.
type ParameterDelta struct {
	Name   string `json:"name"`
	Old    string `json:"old,omitempty"`
	New    string `json:"new,omitempty"`
	Change string `json:"change"` // added, removed, changed
}

// Analysis is the outcome of running the pipeline against one build.
type Analysis struct {
	ID              string           `json:"id"`
	Job             string           `json:"job"`
	BuildNumber     int              `json:"build_number"`
	Status          AnalysisStatus   `json:"status"`
	BaselineBuild   int              `json:"baseline_build,omitempty"` // 0 = no baseline found
	DiffSummary     string           `json:"diff_summary,omitempty"`
	ParameterDeltas []ParameterDelta `json:"parameter_deltas,omitempty"`
	Fingerprint     string           `json:"fingerprint,omitempty"`
	Category        string           `json:"category,omitempty"`
	Confidence      float64          `json:"confidence,omitempty"`
	Explanation     string           `json:"explanation,omitempty"`
	PatternMatched  bool             `json:"pattern_matched,omitempty"`
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at,omitempty"`
}

// ActionKind enumerates what the engine decided to do about an analysis.
type ActionKind string

const (
	ActionRetry         ActionKind = "RETRY"
	ActionNotify        ActionKind = "NOTIFY"
	ActionRecommendOnly ActionKind = "RECOMMEND_ONLY"
)

// ActionStatus tracks action execution. SUCCEEDED and FAILED are terminal.
type ActionStatus string

const (
	ActionPlanned   ActionStatus = "PLANNED"
	ActionExecuting ActionStatus = "EXECUTING"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
)

// Terminal reports whether the action status is final.
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed
}

// Action is the remediation attempt derived from a finalized Analysis.
type Action struct {
	ID                 string            `json:"id"`
	AnalysisID         string            `json:"analysis_id"`
	Job                string            `json:"job"`
	BuildNumber        int               `json:"build_number"`
	Kind               ActionKind        `json:"kind"`
	Status             ActionStatus      `json:"status"`
	Attempts           int               `json:"attempts"`
	AdjustedParameters map[string]string `json:"adjusted_parameters,omitempty"`
	Advisory           bool              `json:"advisory,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	FinishedAt         time.Time         `json:"finished_at,omitempty"`
}
