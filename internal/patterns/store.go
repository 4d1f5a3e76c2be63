// Package patterns owns the learned-failure knowledge base: fingerprint
// lookup, confidence scoring, and time-based eviction.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/platformbuilds/buildwatch/internal/metrics"
	"github.com/platformbuilds/buildwatch/internal/models"
)

// Outcome is the observed result of acting on a pattern's classification.
type Outcome int

const (
	// OutcomeNeutral refreshes the pattern without moving confidence.
	OutcomeNeutral Outcome = iota
	// OutcomeSuccess nudges confidence toward 1.
	OutcomeSuccess
	// OutcomeFailure nudges confidence toward 0.
	OutcomeFailure
)

// Snapshotter persists and restores the pattern set across restarts.
type Snapshotter interface {
	SavePatterns(patterns []models.Pattern) error
	LoadPatterns() ([]models.Pattern, error)
}

// Store is the process-wide pattern knowledge base. Lookups and records may
// run concurrently from every analysis worker; per-fingerprint updates are
// serialized on the entry's own lock, store-wide eviction on the map lock.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	seed         float64
	learningRate float64
	ttl          time.Duration

	snapshot Snapshotter
	logger   *slog.Logger
	now      func() time.Time
}

type entry struct {
	mu      sync.Mutex
	pattern models.Pattern
	evicted bool
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotter attaches persistence for the pattern set.
func WithSnapshotter(s Snapshotter) Option {
	return func(st *Store) { st.snapshot = s }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// NewStore constructs a pattern store.
func NewStore(logger *slog.Logger, seed, learningRate float64, ttl time.Duration, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if seed < 0 {
		seed = 0
	}
	if seed > 1 {
		seed = 1
	}
	st := &Store{
		entries:      make(map[string]*entry),
		seed:         seed,
		learningRate: learningRate,
		ttl:          ttl,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Load restores the persisted pattern set, dropping anything already expired.
func (s *Store) Load() error {
	if s.snapshot == nil {
		return nil
	}
	persisted, err := s.snapshot.LoadPatterns()
	if err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, pattern := range persisted {
		if pattern.Fingerprint == "" || pattern.Expired(now, s.ttl) {
			continue
		}
		s.entries[pattern.Fingerprint] = &entry{pattern: pattern}
		restored++
	}
	s.logger.Info("pattern store loaded", slog.Int("patterns", restored))
	return nil
}

// Flush persists the current pattern set.
func (s *Store) Flush() error {
	if s.snapshot == nil {
		return nil
	}
	return s.snapshot.SavePatterns(s.SnapshotPatterns())
}

// Lookup returns the pattern for a fingerprint. Expired or evicted patterns
// are never returned, even if eviction has not swept them yet.
func (s *Store) Lookup(fingerprint string) (models.Pattern, bool) {
	if fingerprint == "" {
		return models.Pattern{}, false
	}
	s.mu.RLock()
	e := s.entries[fingerprint]
	s.mu.RUnlock()
	if e == nil {
		metrics.ObservePatternLookup(false)
		return models.Pattern{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Read-then-check: a concurrent eviction may have marked this entry
	// between the map read and here.
	if e.evicted || e.pattern.Expired(s.now(), s.ttl) {
		metrics.ObservePatternLookup(false)
		return models.Pattern{}, false
	}
	metrics.ObservePatternLookup(true)
	return e.pattern, true
}

// Record applies the bounded additive confidence rule: a success nudges
// confidence toward 1 by learningRate*(1-c), a failure toward 0 by
// learningRate*c, a neutral outcome only refreshes hit count and last-seen.
// Absent fingerprints are created at the seed confidence. The updated pattern
// is returned.
func (s *Store) Record(fingerprint, category string, outcome Outcome) models.Pattern {
	if fingerprint == "" {
		return models.Pattern{}
	}
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[fingerprint]
	if !ok || e.evicted {
		e = &entry{pattern: models.Pattern{
			Fingerprint: fingerprint,
			Category:    category,
			Confidence:  s.seed,
			CreatedAt:   now,
		}}
		s.entries[fingerprint] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		e.pattern.Confidence += s.learningRate * (1 - e.pattern.Confidence)
	case OutcomeFailure:
		e.pattern.Confidence -= s.learningRate * e.pattern.Confidence
	}
	e.pattern.Confidence = clamp01(e.pattern.Confidence)
	if category != "" {
		e.pattern.Category = category
	}
	e.pattern.HitCount++
	e.pattern.LastSeen = now
	return e.pattern
}

// EvictExpired removes patterns whose last sighting is older than the TTL and
// returns how many were dropped. It is called periodically rather than on
// every lookup to bound cost.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for fingerprint, e := range s.entries {
		e.mu.Lock()
		expired := e.pattern.Expired(now, s.ttl)
		if expired {
			e.evicted = true
		}
		e.mu.Unlock()
		if expired {
			delete(s.entries, fingerprint)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.ObserveEvicted(evicted)
		s.logger.Info("evicted expired patterns", slog.Int("count", evicted))
	}
	return evicted
}

// SnapshotPatterns returns the live patterns ordered by confidence.
func (s *Store) SnapshotPatterns() []models.Pattern {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	patterns := make([]models.Pattern, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.evicted {
			patterns = append(patterns, e.pattern)
		}
		e.mu.Unlock()
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})
	return patterns
}

// RunEviction periodically evicts and flushes until the context ends.
func (s *Store) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictExpired(s.now())
			if err := s.Flush(); err != nil {
				s.logger.Warn("pattern flush failed", slog.Any("error", err))
			}
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
