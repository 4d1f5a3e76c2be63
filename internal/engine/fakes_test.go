package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory repo.Store for engine tests. statusLog records
// every status an analysis was saved with, in order.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	builds    map[string]map[int]models.Build
	analyses  map[string]models.Analysis
	actions   map[string]models.Action
	patterns  []models.Pattern
	statusLog map[string][]models.AnalysisStatus
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]models.Job),
		builds:    make(map[string]map[int]models.Build),
		analyses:  make(map[string]models.Analysis),
		actions:   make(map[string]models.Action),
		statusLog: make(map[string][]models.AnalysisStatus),
	}
}

func (m *memStore) SaveJob(job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.Name] = job
	return nil
}

func (m *memStore) GetJob(name string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	return job, ok, nil
}

func (m *memStore) ListJobs() ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

func (m *memStore) SaveBuild(build models.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.builds[build.Job]
	if !ok {
		byNumber = make(map[int]models.Build)
		m.builds[build.Job] = byNumber
	}
	if existing, ok := byNumber[build.Number]; ok && existing.Result.Terminal() {
		if !build.Result.Terminal() {
			return nil
		}
		if build.Result != existing.Result {
			return utils.DataIntegrity("memStore.SaveBuild",
				fmt.Sprintf("terminal result conflict for %s", build.Key()), nil)
		}
	}
	byNumber[build.Number] = build
	return nil
}

func (m *memStore) GetBuild(job string, number int) (models.Build, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	build, ok := m.builds[job][number]
	return build, ok, nil
}

func (m *memStore) BuildsBelow(job string, number int) ([]models.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Build
	for n, build := range m.builds[job] {
		if n < number {
			out = append(out, build)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (m *memStore) NextTerminalBuild(job string, number int) (models.Build, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.Build
	found := false
	for n, build := range m.builds[job] {
		if n <= number || !build.Result.Terminal() {
			continue
		}
		if !found || n < best.Number {
			best = build
			found = true
		}
	}
	return best, found, nil
}

func (m *memStore) SaveAnalysis(analysis models.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.BuildKey(analysis.Job, analysis.BuildNumber)
	m.analyses[key] = analysis
	m.statusLog[key] = append(m.statusLog[key], analysis.Status)
	return nil
}

func (m *memStore) savedStatuses(job string, number int) []models.AnalysisStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AnalysisStatus(nil), m.statusLog[models.BuildKey(job, number)]...)
}

func (m *memStore) GetAnalysis(job string, number int) (models.Analysis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	analysis, ok := m.analyses[models.BuildKey(job, number)]
	return analysis, ok, nil
}

func (m *memStore) LatestTerminalAnalysis(job string) (models.Analysis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.Analysis
	found := false
	for _, analysis := range m.analyses {
		if analysis.Job != job || !analysis.Status.Terminal() {
			continue
		}
		if !found || analysis.BuildNumber > best.BuildNumber {
			best = analysis
			found = true
		}
	}
	return best, found, nil
}

func (m *memStore) SaveAction(action models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action.AnalysisID] = action
	return nil
}

func (m *memStore) GetAction(analysisID string) (models.Action, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[analysisID]
	return action, ok, nil
}

func (m *memStore) SavePatterns(patterns []models.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = patterns
	return nil
}

func (m *memStore) LoadPatterns() ([]models.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patterns, nil
}

func (m *memStore) Close() error { return nil }

// fakeSource serves canned logs and parameters.
type fakeSource struct {
	mu        sync.Mutex
	logs      map[string]string
	params    map[string]map[string]string
	logErr    error
	logCalls  int
	paramErr  error
	parmCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		logs:   make(map[string]string),
		params: make(map[string]map[string]string),
	}
}

func (f *fakeSource) FetchLog(_ context.Context, job string, number int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	if f.logErr != nil {
		return "", f.logErr
	}
	return f.logs[models.BuildKey(job, number)], nil
}

func (f *fakeSource) FetchParameters(_ context.Context, job string, number int) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parmCalls++
	if f.paramErr != nil {
		return nil, f.paramErr
	}
	return f.params[models.BuildKey(job, number)], nil
}

// fakeInference returns a canned verdict, optionally blocking until released.
type fakeInference struct {
	mu      sync.Mutex
	verdict models.Verdict
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeInference) Infer(ctx context.Context, _ models.InferencePayload) (models.Verdict, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.Verdict{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Verdict{}, f.err
	}
	return f.verdict, nil
}

func (f *fakeInference) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRetrier records trigger calls and fails per the canned error sequence.
type fakeRetrier struct {
	mu     sync.Mutex
	calls  int
	params []map[string]string
	errs   []error
}

func (f *fakeRetrier) TriggerRetry(_ context.Context, _ string, _ int, parameters map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.params = append(f.params, parameters)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	channels []string
	messages []string
	err      error
}

func (f *fakeNotifier) Notify(_ context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message)
	return f.err
}
