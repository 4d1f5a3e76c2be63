package models

// AnalysisRequest asks the engine to analyze one build. Both the discovery
// scheduler and the webhook trigger surface produce this shape; the pipeline's
// in-flight guard makes submission idempotent.
type AnalysisRequest struct {
	Job         string `json:"job"`
	BuildNumber int    `json:"build_number"`
	Force       bool   `json:"force,omitempty"`
}

// InferencePayload is the narrow request contract with the inference
// collaborator. The engine does not build prompts; the collaborator owns
// everything provider-specific.
type InferencePayload struct {
	Job         string            `json:"job"`
	BuildNumber int               `json:"build_number"`
	LogExcerpt  []string          `json:"log_excerpt"`
	DiffSummary string            `json:"diff_summary,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Verdict is the inference collaborator's categorized response.
type Verdict struct {
	Category    string  `json:"category"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}
