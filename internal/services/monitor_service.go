// Package services composes the engine parts into the monitoring service the
// scheduler and the trigger API talk to.
package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/platformbuilds/buildwatch/internal/metrics"
	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

// Analyzer runs the analysis pipeline for one build.
type Analyzer interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (models.Analysis, error)
}

// ActionTaker decides and executes the remediation for a completed analysis.
type ActionTaker interface {
	Act(ctx context.Context, analysis models.Analysis) (models.Action, bool, error)
}

// OutcomeRecorder feeds finalized analyses back into the pattern store.
type OutcomeRecorder interface {
	OnAnalysisFinalized(ctx context.Context, analysis models.Analysis, action models.Action, acted bool)
}

// AnalysisReader serves stored analyses for the query surface.
type AnalysisReader interface {
	GetAnalysis(job string, number int) (models.Analysis, bool, error)
	LatestTerminalAnalysis(job string) (models.Analysis, bool, error)
}

// PatternLister serves the learned pattern set for the query surface.
type PatternLister interface {
	SnapshotPatterns() []models.Pattern
}

// MonitorService owns the analysis worker pool. Submissions never block the
// caller; concurrency is bounded by a weighted semaphore sized from config.
type MonitorService struct {
	logger   *slog.Logger
	analyzer Analyzer
	actions  ActionTaker
	learning OutcomeRecorder
	reader   AnalysisReader
	patterns PatternLister
	latency  *utils.LatencyTracker

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	queue  chan models.AnalysisRequest
}

// NewMonitorService wires the monitoring service with a worker pool of the
// given size.
func NewMonitorService(logger *slog.Logger, analyzer Analyzer, actions ActionTaker, learning OutcomeRecorder, reader AnalysisReader, patterns PatternLister, maxConcurrent int) *MonitorService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &MonitorService{
		logger:   logger,
		analyzer: analyzer,
		actions:  actions,
		learning: learning,
		reader:   reader,
		patterns: patterns,
		latency:  utils.NewLatencyTracker(512),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		queue:    make(chan models.AnalysisRequest, 256),
	}
	go s.dispatch()
	return s
}

// SubmitAnalysisRequest enqueues a build for analysis without blocking the
// caller. When the queue is full the request is dropped and logged; the next
// poll cycle will rediscover the build.
func (s *MonitorService) SubmitAnalysisRequest(req models.AnalysisRequest) {
	select {
	case <-s.ctx.Done():
	case s.queue <- req:
	default:
		s.logger.Warn("analysis queue full, dropping request",
			slog.String("build", models.BuildKey(req.Job, req.BuildNumber)))
	}
}

// dispatch pulls requests off the queue and runs each on its own goroutine,
// gated by the semaphore.
func (s *MonitorService) dispatch() {
	defer close(s.done)
	var wg sync.WaitGroup
	for {
		select {
		case <-s.ctx.Done():
			wg.Wait()
			return
		case req := <-s.queue:
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(req models.AnalysisRequest) {
				defer wg.Done()
				defer s.sem.Release(1)
				s.process(req)
			}(req)
		}
	}
}

// process runs one request end to end: analyze, act, learn.
func (s *MonitorService) process(req models.AnalysisRequest) {
	start := time.Now()
	analysis, err := s.analyzer.Analyze(s.ctx, req)
	elapsed := time.Since(start)
	s.latency.Observe(elapsed)

	if err != nil {
		metrics.ObserveAnalysis(elapsed, metrics.OutcomeFailed)
		s.logger.Warn("analysis did not complete",
			slog.String("build", models.BuildKey(req.Job, req.BuildNumber)),
			slog.String("error", err.Error()))
		return
	}
	if analysis.Status != models.AnalysisComplete {
		return
	}
	metrics.ObserveAnalysis(elapsed, metrics.OutcomeComplete)
	s.logger.Info("analysis complete",
		slog.String("build", models.BuildKey(analysis.Job, analysis.BuildNumber)),
		slog.String("category", analysis.Category),
		slog.Float64("confidence", analysis.Confidence),
		slog.Bool("pattern_matched", analysis.PatternMatched),
		slog.Duration("elapsed", elapsed))

	action, acted, err := s.actions.Act(s.ctx, analysis)
	if err != nil {
		s.logger.Warn("action failed to persist",
			slog.String("analysis", analysis.ID),
			slog.String("error", err.Error()))
	}

	s.learning.OnAnalysisFinalized(s.ctx, analysis, action, acted)
}

// GetAnalysis returns the stored analysis for a build.
func (s *MonitorService) GetAnalysis(job string, number int) (models.Analysis, bool, error) {
	return s.reader.GetAnalysis(job, number)
}

// LatestAnalysis returns the job's newest terminal analysis.
func (s *MonitorService) LatestAnalysis(job string) (models.Analysis, bool, error) {
	return s.reader.LatestTerminalAnalysis(job)
}

// ListPatterns returns the learned patterns ordered by confidence.
func (s *MonitorService) ListPatterns() []models.Pattern {
	return s.patterns.SnapshotPatterns()
}

// AnalysisLatencyP95 reports the 95th percentile analysis latency.
func (s *MonitorService) AnalysisLatencyP95() time.Duration {
	return s.latency.Percentile(95)
}

// Shutdown stops accepting work and waits for in-flight analyses, bounded by
// the context.
func (s *MonitorService) Shutdown(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
