package repo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

const (
	jobsBucket            = "jobs"
	buildsBucket          = "builds"
	analysesBucket        = "analyses"
	analysisHistoryBucket = "analysis_history"
	actionsBucket         = "actions"
	patternsBucket        = "patterns"
)

// BoltStore implements Store using an embedded bbolt database. Builds live in
// a per-job sub-bucket keyed by big-endian build number so cursor scans walk
// them in numeric order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and initialises buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{jobsBucket, buildsBucket, analysesBucket, analysisHistoryBucket, actionsBucket, patternsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveJob upserts a job record keyed by full name.
func (s *BoltStore) SaveJob(job models.Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Put([]byte(job.Name), data)
	})
}

// GetJob retrieves a job by full name.
func (s *BoltStore) GetJob(name string) (models.Job, bool, error) {
	var job models.Job
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(jobsBucket)).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &job)
	})
	return job, found, err
}

// ListJobs returns every known job, active or not.
func (s *BoltStore) ListJobs() ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(_, v []byte) error {
			var job models.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshal job: %w", err)
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	return jobs, err
}

// SaveBuild upserts a build under its job's sub-bucket. Terminal results are
// immutable: RUNNING never overwrites them and a conflicting terminal result
// is reported as a data-integrity error.
func (s *BoltStore) SaveBuild(build models.Build) error {
	if build.Job == "" || build.Number <= 0 {
		return fmt.Errorf("build requires job and positive number")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		jobBucket, err := tx.Bucket([]byte(buildsBucket)).CreateBucketIfNotExists([]byte(build.Job))
		if err != nil {
			return fmt.Errorf("create job bucket %s: %w", build.Job, err)
		}

		key := buildNumberKey(build.Number)
		if existing := jobBucket.Get(key); existing != nil {
			var prior models.Build
			if err := json.Unmarshal(existing, &prior); err != nil {
				return fmt.Errorf("unmarshal build: %w", err)
			}
			if prior.Result.Terminal() {
				if !build.Result.Terminal() {
					// A terminal result never reverses to RUNNING.
					return nil
				}
				if build.Result != prior.Result {
					return utils.DataIntegrity("store.SaveBuild",
						fmt.Sprintf("build %s has conflicting results %s and %s", build.Key(), prior.Result, build.Result), nil)
				}
			}
		}

		data, err := json.Marshal(build)
		if err != nil {
			return fmt.Errorf("marshal build: %w", err)
		}
		return jobBucket.Put(key, data)
	})
}

// GetBuild retrieves one build.
func (s *BoltStore) GetBuild(job string, number int) (models.Build, bool, error) {
	var build models.Build
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket([]byte(buildsBucket)).Bucket([]byte(job))
		if jobBucket == nil {
			return nil
		}
		data := jobBucket.Get(buildNumberKey(number))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &build)
	})
	return build, found, err
}

// BuildsBelow returns builds with number < number, newest first.
func (s *BoltStore) BuildsBelow(job string, number int) ([]models.Build, error) {
	var builds []models.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket([]byte(buildsBucket)).Bucket([]byte(job))
		if jobBucket == nil {
			return nil
		}
		c := jobBucket.Cursor()
		// Position just below the failing build and walk backwards.
		k, v := c.Seek(buildNumberKey(number))
		if k == nil {
			k, v = c.Last()
		} else if bytes.Compare(k, buildNumberKey(number)) >= 0 {
			k, v = c.Prev()
		}
		for ; k != nil; k, v = c.Prev() {
			var build models.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return fmt.Errorf("unmarshal build: %w", err)
			}
			builds = append(builds, build)
		}
		return nil
	})
	return builds, err
}

// NextTerminalBuild returns the first terminal build numbered above number.
func (s *BoltStore) NextTerminalBuild(job string, number int) (models.Build, bool, error) {
	var build models.Build
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket([]byte(buildsBucket)).Bucket([]byte(job))
		if jobBucket == nil {
			return nil
		}
		c := jobBucket.Cursor()
		for k, v := c.Seek(buildNumberKey(number + 1)); k != nil; k, v = c.Next() {
			var candidate models.Build
			if err := json.Unmarshal(v, &candidate); err != nil {
				return fmt.Errorf("unmarshal build: %w", err)
			}
			if candidate.Result.Terminal() {
				build = candidate
				found = true
				return nil
			}
		}
		return nil
	})
	return build, found, err
}

// SaveAnalysis upserts the current analysis for its build, archiving a
// replaced terminal record under history.
func (s *BoltStore) SaveAnalysis(analysis models.Analysis) error {
	if analysis.ID == "" {
		return fmt.Errorf("analysis id is required")
	}
	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	key := analysisKey(analysis.Job, analysis.BuildNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(analysesBucket))
		if existing := bucket.Get(key); existing != nil {
			var prior models.Analysis
			if err := json.Unmarshal(existing, &prior); err != nil {
				return fmt.Errorf("unmarshal analysis: %w", err)
			}
			if prior.ID != analysis.ID && prior.Status.Terminal() {
				historyKey := append(append([]byte{}, key...), append([]byte{0}, prior.ID...)...)
				if err := tx.Bucket([]byte(analysisHistoryBucket)).Put(historyKey, existing); err != nil {
					return fmt.Errorf("archive analysis: %w", err)
				}
			}
		}
		return bucket.Put(key, data)
	})
}

// GetAnalysis retrieves the current analysis for a build.
func (s *BoltStore) GetAnalysis(job string, number int) (models.Analysis, bool, error) {
	var analysis models.Analysis
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(analysesBucket)).Get(analysisKey(job, number))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &analysis)
	})
	return analysis, found, err
}

// LatestTerminalAnalysis scans the job's analyses from the highest build
// number down and returns the first terminal one.
func (s *BoltStore) LatestTerminalAnalysis(job string) (models.Analysis, bool, error) {
	var analysis models.Analysis
	found := false
	prefix := append([]byte(job), 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(analysesBucket)).Cursor()
		// Seek past the job's key range, then walk backwards through it.
		upper := append([]byte(job), 1)
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var candidate models.Analysis
			if err := json.Unmarshal(v, &candidate); err != nil {
				return fmt.Errorf("unmarshal analysis: %w", err)
			}
			if candidate.Status.Terminal() {
				analysis = candidate
				found = true
				return nil
			}
		}
		return nil
	})
	return analysis, found, err
}

// SaveAction upserts an action keyed by its analysis ID.
func (s *BoltStore) SaveAction(action models.Action) error {
	if action.AnalysisID == "" {
		return fmt.Errorf("action analysis id is required")
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(actionsBucket)).Put([]byte(action.AnalysisID), data)
	})
}

// GetAction retrieves the action attached to an analysis.
func (s *BoltStore) GetAction(analysisID string) (models.Action, bool, error) {
	var action models.Action
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(actionsBucket)).Get([]byte(analysisID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &action)
	})
	return action, found, err
}

// SavePatterns replaces the persisted pattern snapshot.
func (s *BoltStore) SavePatterns(patterns []models.Pattern) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(patternsBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(patternsBucket))
		if err != nil {
			return err
		}
		for _, pattern := range patterns {
			data, err := json.Marshal(pattern)
			if err != nil {
				return fmt.Errorf("marshal pattern: %w", err)
			}
			if err := bucket.Put([]byte(pattern.Fingerprint), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPatterns returns the persisted pattern snapshot.
func (s *BoltStore) LoadPatterns() ([]models.Pattern, error) {
	var patterns []models.Pattern
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(patternsBucket)).ForEach(func(_, v []byte) error {
			var pattern models.Pattern
			if err := json.Unmarshal(v, &pattern); err != nil {
				return fmt.Errorf("unmarshal pattern: %w", err)
			}
			patterns = append(patterns, pattern)
			return nil
		})
	})
	return patterns, err
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func buildNumberKey(number int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(number))
	return key
}

func analysisKey(job string, number int) []byte {
	key := append([]byte(job), 0)
	return append(key, buildNumberKey(number)...)
}
