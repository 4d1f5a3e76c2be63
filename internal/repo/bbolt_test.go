package repo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "buildwatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)

	job := models.Job{Name: "team/app", Active: true, DiscoveredAt: time.Now().Truncate(time.Second)}
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	got, ok, err := store.GetJob("team/app")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Name != "team/app" || !got.Active {
		t.Fatalf("unexpected job %+v", got)
	}

	jobs, err := store.ListJobs()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list jobs: %v %+v", err, jobs)
	}
}

func TestSaveBuildTerminalResultIsImmutable(t *testing.T) {
	store := newTestStore(t)

	build := models.Build{Job: "team/app", Number: 7, Result: models.BuildFailure}
	if err := store.SaveBuild(build); err != nil {
		t.Fatalf("save build: %v", err)
	}

	// RUNNING never overwrites a terminal result.
	running := build
	running.Result = models.BuildRunning
	if err := store.SaveBuild(running); err != nil {
		t.Fatalf("save running over terminal: %v", err)
	}
	got, _, _ := store.GetBuild("team/app", 7)
	if got.Result != models.BuildFailure {
		t.Fatalf("terminal result reversed to %s", got.Result)
	}

	// A different terminal result is a data-integrity error.
	conflicting := build
	conflicting.Result = models.BuildSuccess
	err := store.SaveBuild(conflicting)
	if utils.ClassOf(err) != utils.ClassDataIntegrity {
		t.Fatalf("expected data-integrity error, got %v", err)
	}

	// Re-writing the same terminal result is fine (parameter enrichment).
	enriched := build
	enriched.Parameters = map[string]string{"BRANCH": "main"}
	if err := store.SaveBuild(enriched); err != nil {
		t.Fatalf("enrich terminal build: %v", err)
	}
	got, _, _ = store.GetBuild("team/app", 7)
	if got.Parameters["BRANCH"] != "main" {
		t.Fatalf("enrichment lost: %+v", got)
	}
}

func TestBuildsBelowDescending(t *testing.T) {
	store := newTestStore(t)
	for _, n := range []int{1, 2, 3, 5} {
		result := models.BuildFailure
		if n == 2 {
			result = models.BuildSuccess
		}
		if err := store.SaveBuild(models.Build{Job: "team/app", Number: n, Result: result}); err != nil {
			t.Fatalf("save build %d: %v", n, err)
		}
	}
	// Another job's builds must not leak in.
	store.SaveBuild(models.Build{Job: "other/job", Number: 4, Result: models.BuildFailure})

	builds, err := store.BuildsBelow("team/app", 5)
	if err != nil {
		t.Fatalf("builds below: %v", err)
	}
	want := []int{3, 2, 1}
	if len(builds) != len(want) {
		t.Fatalf("expected %v, got %+v", want, builds)
	}
	for i, n := range want {
		if builds[i].Number != n {
			t.Fatalf("expected %v, got %+v", want, builds)
		}
	}
}

func TestNextTerminalBuildSkipsRunning(t *testing.T) {
	store := newTestStore(t)
	store.SaveBuild(models.Build{Job: "team/app", Number: 42, Result: models.BuildFailure})
	store.SaveBuild(models.Build{Job: "team/app", Number: 43, Result: models.BuildRunning})
	store.SaveBuild(models.Build{Job: "team/app", Number: 44, Result: models.BuildSuccess})

	next, ok, err := store.NextTerminalBuild("team/app", 42)
	if err != nil {
		t.Fatalf("next terminal: %v", err)
	}
	if !ok || next.Number != 44 {
		t.Fatalf("expected #44, got ok=%v %+v", ok, next)
	}

	_, ok, _ = store.NextTerminalBuild("team/app", 44)
	if ok {
		t.Fatal("expected no terminal build above #44")
	}
}

func TestSaveAnalysisArchivesReplacedTerminal(t *testing.T) {
	store := newTestStore(t)

	first := models.Analysis{ID: "a1", Job: "team/app", BuildNumber: 42, Status: models.AnalysisComplete, Category: "flaky-test"}
	if err := store.SaveAnalysis(first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	// Force re-trigger replaces the record; the old one must stay queryable
	// in history, and the current record must be the new one.
	second := models.Analysis{ID: "a2", Job: "team/app", BuildNumber: 42, Status: models.AnalysisInProgress}
	if err := store.SaveAnalysis(second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	current, ok, err := store.GetAnalysis("team/app", 42)
	if err != nil || !ok {
		t.Fatalf("get analysis: ok=%v err=%v", ok, err)
	}
	if current.ID != "a2" {
		t.Fatalf("expected current analysis a2, got %s", current.ID)
	}
}

func TestLatestTerminalAnalysis(t *testing.T) {
	store := newTestStore(t)
	store.SaveAnalysis(models.Analysis{ID: "a1", Job: "team/app", BuildNumber: 40, Status: models.AnalysisComplete})
	store.SaveAnalysis(models.Analysis{ID: "a2", Job: "team/app", BuildNumber: 42, Status: models.AnalysisInProgress})
	store.SaveAnalysis(models.Analysis{ID: "a3", Job: "team/apps", BuildNumber: 99, Status: models.AnalysisComplete})

	latest, ok, err := store.LatestTerminalAnalysis("team/app")
	if err != nil {
		t.Fatalf("latest terminal: %v", err)
	}
	if !ok || latest.ID != "a1" {
		t.Fatalf("expected a1 (the in-progress a2 is not terminal), got ok=%v %+v", ok, latest)
	}
}

func TestActionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	action := models.Action{ID: "act1", AnalysisID: "a1", Job: "team/app", BuildNumber: 42,
		Kind: models.ActionRetry, Status: models.ActionSucceeded, Attempts: 2}
	if err := store.SaveAction(action); err != nil {
		t.Fatalf("save action: %v", err)
	}

	got, ok, err := store.GetAction("a1")
	if err != nil || !ok {
		t.Fatalf("get action: ok=%v err=%v", ok, err)
	}
	if got.Kind != models.ActionRetry || got.Attempts != 2 {
		t.Fatalf("unexpected action %+v", got)
	}
}

func TestPatternSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	in := []models.Pattern{
		{Fingerprint: "fp-1", Category: "flaky-test", Confidence: 0.9, HitCount: 4, LastSeen: now},
		{Fingerprint: "fp-2", Category: "infra-outage", Confidence: 0.4, HitCount: 1, LastSeen: now},
	}
	if err := store.SavePatterns(in); err != nil {
		t.Fatalf("save patterns: %v", err)
	}

	// A second snapshot replaces, not merges.
	if err := store.SavePatterns(in[:1]); err != nil {
		t.Fatalf("replace patterns: %v", err)
	}
	out, err := store.LoadPatterns()
	if err != nil {
		t.Fatalf("load patterns: %v", err)
	}
	if len(out) != 1 || out[0].Fingerprint != "fp-1" || out[0].HitCount != 4 {
		t.Fatalf("unexpected patterns %+v", out)
	}
}
