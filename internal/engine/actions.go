package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/buildwatch/internal/metrics"
	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/repo"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

// Retrier schedules a new build of a job, typically with adjusted parameters.
type Retrier interface {
	TriggerRetry(ctx context.Context, job string, number int, parameters map[string]string) error
}

// Notifier delivers alerts for failures that need a human or an operator.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// parameterSensitive lists the failure categories where an automatic retry,
// possibly with reverted parameters, has a realistic chance of succeeding.
var parameterSensitive = map[string]bool{
	"flaky-test":          true,
	"flaky-dependency":    true,
	"resource-timeout":    true,
	"dependency-conflict": true,
}

// notifyOnly lists categories where retrying is pointless and an operator
// needs to know.
var notifyOnly = map[string]bool{
	"infra-outage":  true,
	"agent-offline": true,
}

// ActionConfig carries remediation tunables.
type ActionConfig struct {
	RetryThreshold float64
	MaxRetries     int
	Backoff        utils.Backoff
	NotifyChannel  string
}

// ActionEngine decides and executes the remediation for a finalized analysis.
type ActionEngine struct {
	logger   *slog.Logger
	store    repo.Store
	retrier  Retrier
	notifier Notifier
	cfg      ActionConfig
	now      func() time.Time
}

// NewActionEngine wires the remediation engine.
func NewActionEngine(logger *slog.Logger, store repo.Store, retrier Retrier, notifier Notifier, cfg ActionConfig) *ActionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &ActionEngine{
		logger:   logger,
		store:    store,
		retrier:  retrier,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Act decides and runs the remediation for a completed analysis. Healthy and
// failed analyses produce no action. The terminal action is persisted and
// returned.
func (e *ActionEngine) Act(ctx context.Context, analysis models.Analysis) (models.Action, bool, error) {
	if analysis.Status != models.AnalysisComplete || analysis.Category == "" || analysis.Category == "healthy" {
		return models.Action{}, false, nil
	}

	action := models.Action{
		ID:          uuid.NewString(),
		AnalysisID:  analysis.ID,
		Job:         analysis.Job,
		BuildNumber: analysis.BuildNumber,
		Kind:        e.decide(analysis),
		Status:      models.ActionPlanned,
		CreatedAt:   e.now(),
	}

	if action.Kind == models.ActionRetry {
		switch {
		case e.supersededByNewerBuild(analysis):
			// A newer build of the job already finished while this analysis
			// ran; re-triggering an old build is noise.
			action.Kind = models.ActionRecommendOnly
			action.Advisory = true
		case e.retryRecentlyFailed(analysis):
			// A retry already failed for this failure shape.
			action.Kind = models.ActionRecommendOnly
			action.Advisory = true
		default:
			action.AdjustedParameters = e.adjustedParameters(analysis)
		}
	}

	if err := e.store.SaveAction(action); err != nil {
		return action, false, err
	}

	action = e.execute(ctx, analysis, action)
	action.FinishedAt = e.now()
	if err := e.store.SaveAction(action); err != nil {
		return action, true, err
	}

	metrics.ObserveAction(string(action.Kind), string(action.Status))
	e.logger.Info("action finished",
		slog.String("build", models.BuildKey(action.Job, action.BuildNumber)),
		slog.String("kind", string(action.Kind)),
		slog.String("status", string(action.Status)),
		slog.Int("attempts", action.Attempts))
	return action, true, nil
}

// decide maps the analysis category and confidence onto an action kind.
func (e *ActionEngine) decide(analysis models.Analysis) models.ActionKind {
	switch {
	case notifyOnly[analysis.Category]:
		return models.ActionNotify
	case parameterSensitive[analysis.Category] && analysis.Confidence >= e.cfg.RetryThreshold:
		return models.ActionRetry
	default:
		return models.ActionRecommendOnly
	}
}

// supersededByNewerBuild reports whether the job already has a terminal build
// above the analyzed one, typically during backfill of older failures.
func (e *ActionEngine) supersededByNewerBuild(analysis models.Analysis) bool {
	_, ok, err := e.store.NextTerminalBuild(analysis.Job, analysis.BuildNumber)
	return err == nil && ok
}

// retryRecentlyFailed reports whether the job's previous analyzed build hit
// the same fingerprint and its retry already failed.
func (e *ActionEngine) retryRecentlyFailed(analysis models.Analysis) bool {
	if analysis.Fingerprint == "" {
		return false
	}
	builds, err := e.store.BuildsBelow(analysis.Job, analysis.BuildNumber)
	if err != nil {
		return false
	}
	for _, build := range builds {
		previous, ok, err := e.store.GetAnalysis(build.Job, build.Number)
		if err != nil || !ok || !previous.Status.Terminal() {
			continue
		}
		if previous.Fingerprint != analysis.Fingerprint {
			return false
		}
		prevAction, ok, err := e.store.GetAction(previous.ID)
		if err != nil || !ok {
			return false
		}
		return prevAction.Kind == models.ActionRetry && prevAction.Status == models.ActionFailed
	}
	return false
}

// adjustedParameters builds the retry parameter set: the failing build's
// parameters with changed values reverted to the baseline's and added ones
// dropped.
func (e *ActionEngine) adjustedParameters(analysis models.Analysis) map[string]string {
	build, ok, err := e.store.GetBuild(analysis.Job, analysis.BuildNumber)
	if err != nil || !ok {
		return nil
	}

	adjusted := make(map[string]string, len(build.Parameters))
	for name, value := range build.Parameters {
		adjusted[name] = value
	}
	for _, delta := range analysis.ParameterDeltas {
		switch delta.Change {
		case "changed", "removed":
			adjusted[delta.Name] = delta.Old
		case "added":
			delete(adjusted, delta.Name)
		}
	}
	if len(adjusted) == 0 {
		return nil
	}
	return adjusted
}

func (e *ActionEngine) execute(ctx context.Context, analysis models.Analysis, action models.Action) models.Action {
	action.Status = models.ActionExecuting
	if err := e.store.SaveAction(action); err != nil {
		e.logger.Warn("persist executing action", slog.String("error", err.Error()))
	}

	switch action.Kind {
	case models.ActionRetry:
		return e.executeRetry(ctx, action)
	case models.ActionNotify:
		return e.executeNotify(ctx, analysis, action)
	default:
		// Recommendations are complete once recorded.
		action.Status = models.ActionSucceeded
		return action
	}
}

func (e *ActionEngine) executeRetry(ctx context.Context, action models.Action) models.Action {
	return e.runAttempts(ctx, action, func() error {
		return e.retrier.TriggerRetry(ctx, action.Job, action.BuildNumber, action.AdjustedParameters)
	})
}

func (e *ActionEngine) executeNotify(ctx context.Context, analysis models.Analysis, action models.Action) models.Action {
	message := fmt.Sprintf("build %s failed: %s (confidence %.2f)\n%s",
		models.BuildKey(analysis.Job, analysis.BuildNumber),
		analysis.Category, analysis.Confidence, analysis.Explanation)

	return e.runAttempts(ctx, action, func() error {
		return e.notifier.Notify(ctx, e.cfg.NotifyChannel, message)
	})
}

// runAttempts drives the collaborator call up to MaxRetries times with
// exponential backoff between attempts. Rejections and context cancellation
// stop the loop immediately; every action kind shares the same attempt cap.
func (e *ActionEngine) runAttempts(ctx context.Context, action models.Action, call func() error) models.Action {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		action.Attempts = attempt
		lastErr = call()
		if lastErr == nil {
			action.Status = models.ActionSucceeded
			action.LastError = ""
			return action
		}
		action.LastError = lastErr.Error()
		if utils.IsRejected(lastErr) || ctx.Err() != nil {
			break
		}
		if attempt < e.cfg.MaxRetries {
			timer := time.NewTimer(e.cfg.Backoff.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				action.Status = models.ActionFailed
				return action
			case <-timer.C:
			}
		}
	}
	action.Status = models.ActionFailed
	return action
}
