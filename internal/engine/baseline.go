// Package engine implements the analysis pipeline: baseline resolution, log
// and parameter diffing, pattern short-circuit, inference fallback, remediation
// actions, and the learning loop that feeds outcomes back into the pattern
// store.
package engine

import (
	"fmt"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/repo"
)

// BaselineResolver finds the comparison point for a failing build: the most
// recent successful build of the same job with a lower number.
type BaselineResolver struct {
	store repo.Store
}

// NewBaselineResolver constructs a resolver over the build repository.
func NewBaselineResolver(store repo.Store) *BaselineResolver {
	return &BaselineResolver{store: store}
}

// Resolve returns the baseline build for the given failing build, or false
// when the job has no prior success on record.
func (r *BaselineResolver) Resolve(job string, number int) (models.Build, bool, error) {
	builds, err := r.store.BuildsBelow(job, number)
	if err != nil {
		return models.Build{}, false, fmt.Errorf("resolve baseline for %s: %w", models.BuildKey(job, number), err)
	}
	for _, build := range builds {
		if build.Result == models.BuildSuccess {
			return build, true, nil
		}
	}
	return models.Build{}, false, nil
}
