package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platformbuilds/buildwatch/internal/metrics"
	"github.com/platformbuilds/buildwatch/internal/models"
)

// BuildLister enumerates jobs and their builds on the CI controller.
type BuildLister interface {
	ListJobs(ctx context.Context) ([]string, error)
	ListBuilds(ctx context.Context, job string, sinceNumber int) ([]models.Build, error)
}

// Submitter accepts analysis requests without blocking the poll cycle.
type Submitter interface {
	SubmitAnalysisRequest(req models.AnalysisRequest)
}

// Config carries the discovery tunables.
type Config struct {
	Interval         time.Duration
	AnalyzeAllBuilds bool
	ForceReanalyze   bool
}

// Scheduler runs the discovery loop on a cron cadence.
type Scheduler struct {
	logger   *slog.Logger
	lister   BuildLister
	registry *Registry
	store    Store
	submit   Submitter
	cfg      Config
	cron     *cron.Cron
}

// New constructs the discovery scheduler.
func New(logger *slog.Logger, lister BuildLister, registry *Registry, store Store, submit Submitter, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		logger:   logger,
		lister:   lister,
		registry: registry,
		store:    store,
		submit:   submit,
		cfg:      cfg,
	}
}

// Start schedules the poll loop. Overlapping cycles are skipped, not queued; a
// slow controller must not pile up discovery runs.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	adapter := cronSlogAdapter{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.SkipIfStillRunning(adapter)),
	)
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.Poll(ctx); err != nil {
			s.logger.Error("poll cycle finished with errors", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule discovery: %w", err)
	}

	s.cron.Start()
	s.logger.Info("discovery scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts the cron loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("discovery scheduler stopped")
}

// Poll runs one discovery cycle. Job failures are isolated: one unreachable
// job does not stop the rest of the cycle, and all errors are joined into the
// returned error.
func (s *Scheduler) Poll(ctx context.Context) error {
	names, err := s.lister.ListJobs(ctx)
	if err != nil {
		metrics.ObservePollCycle(err)
		return fmt.Errorf("list jobs: %w", err)
	}

	jobs, err := s.registry.Sync(names)
	if err != nil {
		metrics.ObservePollCycle(err)
		return fmt.Errorf("sync registry: %w", err)
	}

	var errs []error
	discovered := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := s.pollJob(ctx, job.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
			continue
		}
		discovered += n
	}

	joined := errors.Join(errs...)
	metrics.ObservePollCycle(joined)
	metrics.ObserveDiscovered(discovered)
	if discovered > 0 {
		s.logger.Info("poll cycle complete",
			slog.Int("jobs", len(jobs)),
			slog.Int("builds_submitted", discovered))
	}
	return joined
}

// pollJob fetches new builds for one job and submits the analyzable ones.
func (s *Scheduler) pollJob(ctx context.Context, job string) (int, error) {
	since := s.registry.LastSeen(job)
	builds, err := s.lister.ListBuilds(ctx, job, since)
	if err != nil {
		return 0, err
	}

	terminal, err := s.registry.Ingest(job, builds)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, build := range terminal {
		if build.Result == models.BuildSuccess && !s.cfg.AnalyzeAllBuilds {
			continue
		}
		if !s.cfg.ForceReanalyze {
			if existing, ok, err := s.store.GetAnalysis(build.Job, build.Number); err == nil && ok && existing.Status.Terminal() {
				continue
			}
		}
		s.submit.SubmitAnalysisRequest(models.AnalysisRequest{
			Job:         build.Job,
			BuildNumber: build.Number,
			Force:       s.cfg.ForceReanalyze,
		})
		submitted++
	}
	return submitted, nil
}

// cronSlogAdapter bridges the cron logger onto slog.
type cronSlogAdapter struct {
	logger *slog.Logger
}

func (a cronSlogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a cronSlogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.Any("error", err)}, keysAndValues...)
	a.logger.Error(msg, args...)
}
