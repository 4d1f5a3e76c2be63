package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/platformbuilds/buildwatch/internal/models"
)

// MonitorService is the slice of the monitoring service the API needs.
type MonitorService interface {
	SubmitAnalysisRequest(req models.AnalysisRequest)
	GetAnalysis(job string, number int) (models.Analysis, bool, error)
	LatestAnalysis(job string) (models.Analysis, bool, error)
	ListPatterns() []models.Pattern
}

type handlers struct {
	logger  *slog.Logger
	service MonitorService
}

func newHandlers(logger *slog.Logger, service MonitorService) *handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &handlers{logger: logger, service: service}
}

func (h *handlers) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/analyses", h.submitAnalysis)
	mux.HandleFunc("GET /api/v1/analyses", h.getAnalysis)
	mux.HandleFunc("GET /api/v1/patterns", h.listPatterns)
	mux.HandleFunc("POST /api/v1/webhooks/build", h.buildWebhook)
	mux.HandleFunc("GET /healthz", h.healthz)
	return mux
}

// submitAnalysis queues a build for analysis. The response is 202: the
// analysis runs asynchronously on the worker pool.
func (h *handlers) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req models.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Job) == "" || req.BuildNumber < 1 {
		writeError(w, http.StatusBadRequest, "job and build_number are required")
		return
	}

	h.service.SubmitAnalysisRequest(req)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":          req.Job,
		"build_number": req.BuildNumber,
		"status":       "accepted",
	})
}

// getAnalysis serves one stored analysis. Without a build parameter it falls
// back to the job's newest terminal analysis.
func (h *handlers) getAnalysis(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job == "" {
		writeError(w, http.StatusBadRequest, "job query parameter is required")
		return
	}

	var (
		analysis models.Analysis
		ok       bool
		err      error
	)
	if buildParam := r.URL.Query().Get("build"); buildParam == "" {
		analysis, ok, err = h.service.LatestAnalysis(job)
	} else {
		number, convErr := strconv.Atoi(buildParam)
		if convErr != nil || number < 1 {
			writeError(w, http.StatusBadRequest, "build must be a positive integer")
			return
		}
		analysis, ok, err = h.service.GetAnalysis(job, number)
	}
	if err != nil {
		h.logger.Error("get analysis", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *handlers) listPatterns(w http.ResponseWriter, _ *http.Request) {
	patterns := h.service.ListPatterns()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(patterns),
		"patterns": patterns,
	})
}

// buildWebhook accepts Jenkins notification-plugin payloads so analyses start
// without waiting for the next poll cycle.
func (h *handlers) buildWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name  string `json:"name"`
		Build struct {
			Number int    `json:"number"`
			Phase  string `json:"phase"`
			Status string `json:"status"`
		} `json:"build"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	if payload.Name == "" || payload.Build.Number < 1 {
		writeError(w, http.StatusBadRequest, "name and build.number are required")
		return
	}

	phase := strings.ToUpper(payload.Build.Phase)
	if phase != "COMPLETED" && phase != "FINALIZED" {
		// Started/queued notifications are acknowledged but not analyzed.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.service.SubmitAnalysisRequest(models.AnalysisRequest{
		Job:         payload.Name,
		BuildNumber: payload.Build.Number,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
