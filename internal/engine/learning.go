package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/patterns"
	"github.com/platformbuilds/buildwatch/internal/repo"
)

// PatternRecorder is the write side of the pattern store the learning loop
// feeds outcomes into.
type PatternRecorder interface {
	Record(fingerprint, category string, outcome patterns.Outcome) models.Pattern
}

// LearningConfig carries the learning loop tunables.
type LearningConfig struct {
	Enabled bool
	// ConfirmationWindow bounds how long a triggered retry is watched for a
	// terminal outcome before the sighting is recorded as neutral.
	ConfirmationWindow time.Duration
	// PollInterval is how often the store is checked for the retry's result.
	PollInterval time.Duration
}

// LearningLoop closes the feedback cycle: every finalized analysis updates the
// pattern store, and successful retries are confirmed against the job's next
// terminal build so confidence tracks what remediation actually achieved.
type LearningLoop struct {
	logger   *slog.Logger
	store    repo.Store
	recorder PatternRecorder
	cfg      LearningConfig
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewLearningLoop wires the learning loop.
func NewLearningLoop(logger *slog.Logger, store repo.Store, recorder PatternRecorder, cfg LearningConfig) *LearningLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfirmationWindow <= 0 {
		cfg.ConfirmationWindow = 2 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &LearningLoop{
		logger:   logger,
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// OnAnalysisFinalized records the analysis outcome into the pattern store and
// returns promptly. When a retry was triggered the confirmation watch, which
// can take the whole window, runs on its own goroutine so the analysis worker
// slot is released; Drain waits for those watches on shutdown.
func (l *LearningLoop) OnAnalysisFinalized(ctx context.Context, analysis models.Analysis, action models.Action, acted bool) {
	if !l.cfg.Enabled {
		return
	}
	if analysis.Status != models.AnalysisComplete || analysis.Fingerprint == "" || analysis.Category == "" || analysis.Category == "healthy" {
		return
	}

	if acted && action.Kind == models.ActionRetry && action.Status == models.ActionSucceeded {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.record(analysis, l.confirmRetry(ctx, analysis))
		}()
		return
	}

	l.record(analysis, patterns.OutcomeNeutral)
}

// Drain blocks until in-flight retry confirmations have recorded their
// outcomes.
func (l *LearningLoop) Drain() {
	l.wg.Wait()
}

func (l *LearningLoop) record(analysis models.Analysis, outcome patterns.Outcome) {
	pattern := l.recorder.Record(analysis.Fingerprint, analysis.Category, outcome)
	l.logger.Info("pattern updated",
		slog.String("fingerprint", pattern.Fingerprint),
		slog.String("category", pattern.Category),
		slog.Float64("confidence", pattern.Confidence),
		slog.Int("hits", pattern.HitCount))
}

// confirmRetry watches for the terminal result of the build the retry
// triggered. A success confirms the classification, a failure refutes it, and
// an expired window leaves confidence untouched.
func (l *LearningLoop) confirmRetry(ctx context.Context, analysis models.Analysis) patterns.Outcome {
	deadline := l.now().Add(l.cfg.ConfirmationWindow)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		next, ok, err := l.store.NextTerminalBuild(analysis.Job, analysis.BuildNumber)
		if err != nil {
			l.logger.Warn("confirm retry outcome",
				slog.String("build", models.BuildKey(analysis.Job, analysis.BuildNumber)),
				slog.String("error", err.Error()))
			return patterns.OutcomeNeutral
		}
		if ok {
			if next.Result == models.BuildSuccess {
				return patterns.OutcomeSuccess
			}
			return patterns.OutcomeFailure
		}
		if l.now().After(deadline) {
			return patterns.OutcomeNeutral
		}
		select {
		case <-ctx.Done():
			return patterns.OutcomeNeutral
		case <-ticker.C:
		}
	}
}
