// Package repo holds the engine's persistence abstraction and its external
// collaborator clients. The engine specifies no physical schema; entities are
// stored as JSON documents keyed by job name and build number.
package repo

import (
	"github.com/platformbuilds/buildwatch/internal/models"
)

// Store is the repository abstraction over the persisted entity sets.
type Store interface {
	SaveJob(job models.Job) error
	GetJob(name string) (models.Job, bool, error)
	ListJobs() ([]models.Job, error)

	// SaveBuild upserts a build. A terminal result never reverses: writing a
	// RUNNING result over a terminal one is ignored, and a conflicting
	// terminal result yields a data-integrity error.
	SaveBuild(build models.Build) error
	GetBuild(job string, number int) (models.Build, bool, error)
	// BuildsBelow returns builds of the job with number strictly less than
	// the given number, in descending order.
	BuildsBelow(job string, number int) ([]models.Build, error)
	// NextTerminalBuild returns the lowest-numbered terminal build of the job
	// with number strictly greater than the given number.
	NextTerminalBuild(job string, number int) (models.Build, bool, error)

	// SaveAnalysis upserts the current analysis for a build. When a terminal
	// analysis is replaced by a new record (force re-trigger), the old one is
	// kept in history and stays queryable.
	SaveAnalysis(analysis models.Analysis) error
	GetAnalysis(job string, number int) (models.Analysis, bool, error)
	// LatestTerminalAnalysis returns the terminal analysis with the highest
	// build number for the job, if any.
	LatestTerminalAnalysis(job string) (models.Analysis, bool, error)

	SaveAction(action models.Action) error
	GetAction(analysisID string) (models.Action, bool, error)

	SavePatterns(patterns []models.Pattern) error
	LoadPatterns() ([]models.Pattern, error)

	Close() error
}
