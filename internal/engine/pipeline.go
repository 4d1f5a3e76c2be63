package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/buildwatch/internal/cache"
	"github.com/platformbuilds/buildwatch/internal/extractors"
	"github.com/platformbuilds/buildwatch/internal/metrics"
	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/patterns"
	"github.com/platformbuilds/buildwatch/internal/repo"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

// BuildSource fetches build artifacts from the CI controller.
type BuildSource interface {
	FetchLog(ctx context.Context, job string, number int) (string, error)
	FetchParameters(ctx context.Context, job string, number int) (map[string]string, error)
}

// Inference classifies a failure payload into a categorized verdict.
type Inference interface {
	Infer(ctx context.Context, payload models.InferencePayload) (models.Verdict, error)
}

// PatternReader is the read side of the pattern store the pipeline consults
// before paying for inference.
type PatternReader interface {
	Lookup(fingerprint string) (models.Pattern, bool)
}

// PipelineConfig carries the tunables the analysis pipeline needs.
type PipelineConfig struct {
	ShortCircuitConfidence float64
	MaxExcerptLines        int
	FetchBackoff           utils.Backoff
	LogTTL                 time.Duration
	InflightTTL            time.Duration
}

// Pipeline runs fetch, diff, classify, persist for one build at a time per
// (job, build) key. Submissions are idempotent: a second request for a build
// whose analysis is in flight or terminal returns the existing analysis.
type Pipeline struct {
	logger    *slog.Logger
	store     repo.Store
	source    BuildSource
	inference Inference
	patterns  PatternReader
	baselines *BaselineResolver
	cache     cache.Provider
	cfg       PipelineConfig
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done     chan struct{}
	analysis models.Analysis
	err      error
}

// NewPipeline wires the analysis pipeline.
func NewPipeline(logger *slog.Logger, store repo.Store, source BuildSource, inference Inference, patternReader PatternReader, cacheProvider cache.Provider, cfg PipelineConfig) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if cfg.LogTTL <= 0 {
		cfg.LogTTL = time.Hour
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = 30 * time.Minute
	}
	return &Pipeline{
		logger:    logger,
		store:     store,
		source:    source,
		inference: inference,
		patterns:  patternReader,
		baselines: NewBaselineResolver(store),
		cache:     cacheProvider,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[string]*inflightCall),
	}
}

// Analyze runs the pipeline for one build. At most one analysis per build key
// runs at a time; concurrent callers share the in-flight result. A terminal
// analysis is returned as-is unless the request forces re-analysis.
func (p *Pipeline) Analyze(ctx context.Context, req models.AnalysisRequest) (models.Analysis, error) {
	key := models.BuildKey(req.Job, req.BuildNumber)

	if !req.Force {
		if existing, ok, err := p.store.GetAnalysis(req.Job, req.BuildNumber); err != nil {
			return models.Analysis{}, err
		} else if ok && existing.Status.Terminal() {
			metrics.ObserveAnalysis(0, metrics.OutcomeSkipped)
			return existing, nil
		}
	}

	p.mu.Lock()
	if call, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.analysis, call.err
		case <-ctx.Done():
			return models.Analysis{}, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	p.inflight[key] = call
	p.mu.Unlock()

	analysis, err := p.run(ctx, req, key)

	call.analysis, call.err = analysis, err
	close(call.done)
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()

	return analysis, err
}

func (p *Pipeline) run(ctx context.Context, req models.AnalysisRequest, key string) (models.Analysis, error) {
	// Best-effort cross-restart guard; the in-memory map already serializes
	// within this process.
	guardKey := "inflight:" + key
	if acquired, err := p.cache.SetNX(ctx, guardKey, []byte("1"), p.cfg.InflightTTL); err == nil && !acquired && !req.Force {
		if existing, ok, gerr := p.store.GetAnalysis(req.Job, req.BuildNumber); gerr == nil && ok {
			metrics.ObserveAnalysis(0, metrics.OutcomeSkipped)
			return existing, nil
		}
		return models.Analysis{}, utils.Rejected("engine.Analyze", fmt.Sprintf("analysis for %s already in flight", key), nil)
	}
	defer p.cache.Del(context.WithoutCancel(ctx), guardKey)

	build, ok, err := p.store.GetBuild(req.Job, req.BuildNumber)
	if err != nil {
		return models.Analysis{}, err
	}
	if !ok {
		return models.Analysis{}, utils.Rejected("engine.Analyze", fmt.Sprintf("unknown build %s", key), nil)
	}
	if !build.Result.Terminal() {
		return models.Analysis{}, utils.Rejected("engine.Analyze", fmt.Sprintf("build %s still running", key), nil)
	}

	analysis := models.Analysis{
		ID:          uuid.NewString(),
		Job:         req.Job,
		BuildNumber: req.BuildNumber,
		Status:      models.AnalysisPending,
		StartedAt:   p.now(),
	}
	if err := p.store.SaveAnalysis(analysis); err != nil {
		return models.Analysis{}, err
	}
	analysis.Status = models.AnalysisInProgress
	if err := p.store.SaveAnalysis(analysis); err != nil {
		return models.Analysis{}, err
	}

	final, runErr := p.analyzeBuild(ctx, build, &analysis)
	if runErr != nil {
		analysis.Status = models.AnalysisFailed
		analysis.Error = runErr.Error()
	} else {
		analysis = final
	}
	analysis.FinishedAt = p.now()
	if err := p.store.SaveAnalysis(analysis); err != nil {
		return analysis, err
	}
	if runErr != nil {
		p.logger.Warn("analysis failed",
			slog.String("build", key),
			slog.String("error", runErr.Error()))
	}
	return analysis, runErr
}

func (p *Pipeline) analyzeBuild(ctx context.Context, build models.Build, analysis *models.Analysis) (models.Analysis, error) {
	a := *analysis

	// Successful builds get a healthy record so their baseline role is
	// queryable, but never reach inference.
	if build.Result == models.BuildSuccess {
		a.Status = models.AnalysisComplete
		a.Category = "healthy"
		a.Confidence = 1
		a.Explanation = "build succeeded"
		return a, nil
	}

	log, err := p.fetchLog(ctx, build.Job, build.Number)
	if err != nil {
		return a, err
	}
	if strings.TrimSpace(log) == "" {
		return a, utils.Rejected("engine.analyzeBuild", "no log available", nil)
	}

	signal := extractors.FailureSignal(log)
	findings := extractors.Classify(log)
	a.Fingerprint = patterns.Fingerprint(signal)

	currentParams := build.Parameters
	if currentParams == nil {
		if fetched, perr := p.source.FetchParameters(ctx, build.Job, build.Number); perr == nil {
			currentParams = fetched
			build.Parameters = fetched
			if serr := p.store.SaveBuild(build); serr != nil {
				p.logger.Warn("persist build parameters", slog.String("error", serr.Error()))
			}
		} else {
			p.logger.Warn("fetch parameters", slog.String("build", build.Key()), slog.String("error", perr.Error()))
		}
	}

	baseline, hasBaseline, err := p.baselines.Resolve(build.Job, build.Number)
	if err != nil {
		return a, err
	}

	var addedLines []string
	if hasBaseline {
		a.BaselineBuild = baseline.Number

		baselineParams := baseline.Parameters
		if baselineParams == nil {
			if fetched, perr := p.source.FetchParameters(ctx, baseline.Job, baseline.Number); perr == nil {
				baselineParams = fetched
			}
		}
		a.ParameterDeltas = DiffParameters(currentParams, baselineParams)

		// Baseline log fetch is best-effort: a purged baseline log degrades
		// the diff, not the analysis.
		if baselineLog, lerr := p.fetchLog(ctx, baseline.Job, baseline.Number); lerr == nil {
			addedLines = DiffLogs(signal, extractors.Normalize(baselineLog))
		} else {
			addedLines = signal
			p.logger.Info("baseline log unavailable",
				slog.String("baseline", baseline.Key()),
				slog.String("error", lerr.Error()))
		}
	} else {
		addedLines = signal
	}

	a.DiffSummary = Summarize(a.BaselineBuild, a.ParameterDeltas, addedLines, findings)

	if pattern, hit := p.patterns.Lookup(a.Fingerprint); hit && pattern.Confidence >= p.cfg.ShortCircuitConfidence {
		a.Status = models.AnalysisComplete
		a.Category = pattern.Category
		a.Confidence = pattern.Confidence
		a.Explanation = fmt.Sprintf("matched learned pattern %s (seen %d times)", pattern.Fingerprint, pattern.HitCount)
		a.PatternMatched = true
		return a, nil
	}

	verdict, err := p.infer(ctx, build, a.DiffSummary, log, findings)
	if err != nil {
		// A known pattern below the short-circuit bar still beats no answer
		// when the collaborator is down.
		if pattern, hit := p.patterns.Lookup(a.Fingerprint); hit {
			a.Status = models.AnalysisComplete
			a.Category = pattern.Category
			a.Confidence = pattern.Confidence
			a.Explanation = fmt.Sprintf("inference unavailable; matched learned pattern %s", pattern.Fingerprint)
			a.PatternMatched = true
			return a, nil
		}
		return a, err
	}

	a.Status = models.AnalysisComplete
	a.Category = verdict.Category
	a.Confidence = verdict.Confidence
	a.Explanation = verdict.Explanation
	return a, nil
}

func (p *Pipeline) infer(ctx context.Context, build models.Build, diffSummary, log string, findings extractors.Findings) (models.Verdict, error) {
	metadata := map[string]string{
		"result":   string(build.Result),
		"duration": build.Duration.String(),
	}
	for i, line := range findings.Summary() {
		metadata[fmt.Sprintf("finding_%d", i)] = line
	}
	if env := extractors.EnvVars(log); len(env) > 0 {
		count := 0
		for key, value := range env {
			if count >= 10 {
				break
			}
			metadata["env_"+key] = value
			count++
		}
	}

	payload := models.InferencePayload{
		Job:         build.Job,
		BuildNumber: build.Number,
		LogExcerpt:  extractors.Excerpt(log, p.cfg.MaxExcerptLines),
		DiffSummary: diffSummary,
		Metadata:    metadata,
	}

	var verdict models.Verdict
	err := p.cfg.FetchBackoff.Retry(ctx, func() error {
		var ierr error
		verdict, ierr = p.inference.Infer(ctx, payload)
		return ierr
	})
	metrics.ObserveInference(err)
	if err != nil {
		return models.Verdict{}, fmt.Errorf("infer %s: %w", build.Key(), err)
	}
	return verdict, nil
}

// fetchLog returns the console log, serving from cache when possible and
// retrying transient controller failures.
func (p *Pipeline) fetchLog(ctx context.Context, job string, number int) (string, error) {
	cacheKey := "log:" + models.BuildKey(job, number)
	if cached, err := p.cache.Get(ctx, cacheKey); err == nil {
		return string(cached), nil
	}

	var log string
	err := p.cfg.FetchBackoff.Retry(ctx, func() error {
		var ferr error
		log, ferr = p.source.FetchLog(ctx, job, number)
		return ferr
	})
	if err != nil {
		return "", err
	}

	if serr := p.cache.Set(ctx, cacheKey, []byte(log), p.cfg.LogTTL); serr != nil {
		p.logger.Debug("cache log", slog.String("error", serr.Error()))
	}
	return log, nil
}
