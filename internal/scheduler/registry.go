// Package scheduler drives build discovery: it polls the CI controller on a
// cron cadence, reconciles the job registry, and hands newly terminal builds
// to the analysis service.
package scheduler

import (
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
)

// Store is the slice of the repository the discovery loop needs.
type Store interface {
	ListJobs() ([]models.Job, error)
	SaveJob(job models.Job) error
	SaveBuild(build models.Build) error
	BuildsBelow(job string, number int) ([]models.Build, error)
	GetAnalysis(job string, number int) (models.Analysis, bool, error)
}

// Registry reconciles discovered jobs against the persisted set and tracks the
// per-job high-water mark of analyzed builds.
type Registry struct {
	logger              *slog.Logger
	store               Store
	excludePatterns     []string
	inactiveAfterMisses int

	mu       sync.Mutex
	lastSeen map[string]int
	now      func() time.Time
}

// NewRegistry constructs a job registry.
func NewRegistry(logger *slog.Logger, store Store, excludePatterns []string, inactiveAfterMisses int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if inactiveAfterMisses < 1 {
		inactiveAfterMisses = 1
	}
	return &Registry{
		logger:              logger,
		store:               store,
		excludePatterns:     excludePatterns,
		inactiveAfterMisses: inactiveAfterMisses,
		lastSeen:            make(map[string]int),
		now:                 time.Now,
	}
}

// Load restores the high-water marks from the persisted build history. The
// mark stops below the lowest build still recorded as running so interrupted
// builds are re-fetched after a restart.
func (r *Registry) Load() error {
	jobs, err := r.store.ListJobs()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range jobs {
		builds, err := r.store.BuildsBelow(job.Name, math.MaxInt)
		if err != nil {
			return err
		}
		// BuildsBelow is descending; walk oldest-first and stop at the first
		// non-terminal build.
		mark := 0
		for i := len(builds) - 1; i >= 0; i-- {
			if !builds[i].Result.Terminal() {
				break
			}
			mark = builds[i].Number
		}
		r.lastSeen[job.Name] = mark
	}
	r.logger.Info("job registry loaded", slog.Int("jobs", len(jobs)))
	return nil
}

// Sync reconciles the discovered job names against the registry: new jobs are
// registered, absent jobs accumulate misses until marked inactive, and
// reappearing jobs are reactivated. It returns the jobs eligible for build
// polling.
func (r *Registry) Sync(discovered []string) ([]models.Job, error) {
	known, err := r.store.ListJobs()
	if err != nil {
		return nil, err
	}
	knownByName := make(map[string]models.Job, len(known))
	for _, job := range known {
		knownByName[job.Name] = job
	}
	discoveredSet := make(map[string]struct{}, len(discovered))
	for _, name := range discovered {
		discoveredSet[name] = struct{}{}
	}

	var eligible []models.Job

	for _, name := range discovered {
		job, ok := knownByName[name]
		if !ok {
			job = models.Job{
				Name:         name,
				DiscoveredAt: r.now(),
				Active:       true,
				Excluded:     r.excluded(name),
			}
			if job.Excluded {
				r.logger.Info("job excluded from monitoring", slog.String("job", name))
			} else {
				r.logger.Info("job discovered", slog.String("job", name))
			}
			if err := r.store.SaveJob(job); err != nil {
				return nil, err
			}
		} else if !job.Active || job.MissedPolls > 0 {
			job.Active = true
			job.MissedPolls = 0
			if err := r.store.SaveJob(job); err != nil {
				return nil, err
			}
		}
		if !job.Excluded {
			eligible = append(eligible, job)
		}
	}

	for _, job := range known {
		if _, present := discoveredSet[job.Name]; present || !job.Active {
			continue
		}
		job.MissedPolls++
		if job.MissedPolls >= r.inactiveAfterMisses {
			job.Active = false
			r.logger.Info("job marked inactive",
				slog.String("job", job.Name),
				slog.Int("missed_polls", job.MissedPolls))
		}
		if err := r.store.SaveJob(job); err != nil {
			return nil, err
		}
	}

	return eligible, nil
}

// LastSeen returns the job's analyzed high-water mark.
func (r *Registry) LastSeen(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen[job]
}

// Ingest persists the fetched builds and advances the high-water mark through
// the contiguous terminal prefix, stopping at the first still-running build so
// it is re-fetched next cycle. The newly terminal builds at or below the new
// mark are returned in ascending order.
func (r *Registry) Ingest(job string, builds []models.Build) ([]models.Build, error) {
	var terminal []models.Build
	advancing := true

	r.mu.Lock()
	mark := r.lastSeen[job]
	r.mu.Unlock()

	for _, build := range builds {
		if err := r.store.SaveBuild(build); err != nil {
			// A conflicting terminal rewrite is logged and skipped, not fatal
			// to the cycle.
			r.logger.Warn("persist build",
				slog.String("build", build.Key()),
				slog.String("error", err.Error()))
			continue
		}
		if !advancing {
			continue
		}
		if !build.Result.Terminal() {
			advancing = false
			continue
		}
		terminal = append(terminal, build)
		if build.Number > mark {
			mark = build.Number
		}
	}

	r.mu.Lock()
	if mark > r.lastSeen[job] {
		r.lastSeen[job] = mark
	}
	r.mu.Unlock()
	return terminal, nil
}

func (r *Registry) excluded(name string) bool {
	for _, pattern := range r.excludePatterns {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}
