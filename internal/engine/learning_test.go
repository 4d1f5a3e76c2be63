package engine

import (
	"context"
	"testing"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/patterns"
)

func testLearningLoop(store *memStore, recorder PatternRecorder, enabled bool) *LearningLoop {
	return NewLearningLoop(testLogger(), store, recorder, LearningConfig{
		Enabled:            enabled,
		ConfirmationWindow: 200 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
	})
}

func finalizedAnalysis() models.Analysis {
	return models.Analysis{
		ID:          "analysis-1",
		Job:         "team/app",
		BuildNumber: 42,
		Status:      models.AnalysisComplete,
		Fingerprint: "fp-1",
		Category:    "flaky-test",
		Confidence:  0.9,
	}
}

func TestConfirmedRetrySuccessRaisesConfidence(t *testing.T) {
	store := newMemStore()
	store.SaveBuild(models.Build{Job: "team/app", Number: 43, Result: models.BuildSuccess})

	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := testLearningLoop(store, recorder, true)

	action := models.Action{Kind: models.ActionRetry, Status: models.ActionSucceeded}
	loop.OnAnalysisFinalized(context.Background(), finalizedAnalysis(), action, true)
	loop.Drain()

	pattern, ok := recorder.Lookup("fp-1")
	if !ok {
		t.Fatal("expected the pattern to be recorded")
	}
	if pattern.Confidence <= 0.3 {
		t.Fatalf("confirmed retry should raise confidence above the seed, got %.2f", pattern.Confidence)
	}
	if pattern.Category != "flaky-test" {
		t.Fatalf("unexpected category %q", pattern.Category)
	}
}

func TestRetryFollowedByAnotherFailureLowersConfidence(t *testing.T) {
	store := newMemStore()
	store.SaveBuild(models.Build{Job: "team/app", Number: 43, Result: models.BuildFailure})

	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := testLearningLoop(store, recorder, true)

	action := models.Action{Kind: models.ActionRetry, Status: models.ActionSucceeded}
	loop.OnAnalysisFinalized(context.Background(), finalizedAnalysis(), action, true)
	loop.Drain()

	pattern, ok := recorder.Lookup("fp-1")
	if !ok {
		t.Fatal("expected the pattern to be recorded")
	}
	if pattern.Confidence >= 0.3 {
		t.Fatalf("refuted retry should lower confidence below the seed, got %.2f", pattern.Confidence)
	}
}

func TestExpiredConfirmationWindowRecordsNeutral(t *testing.T) {
	store := newMemStore() // no later build ever appears

	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := testLearningLoop(store, recorder, true)

	action := models.Action{Kind: models.ActionRetry, Status: models.ActionSucceeded}
	loop.OnAnalysisFinalized(context.Background(), finalizedAnalysis(), action, true)
	loop.Drain()

	pattern, ok := recorder.Lookup("fp-1")
	if !ok {
		t.Fatal("expected a neutral sighting to be recorded")
	}
	if pattern.Confidence != 0.3 {
		t.Fatalf("neutral outcome must not move confidence, got %.2f", pattern.Confidence)
	}
	if pattern.HitCount != 1 {
		t.Fatalf("expected one sighting, got %d", pattern.HitCount)
	}
}

func TestRetryConfirmationDoesNotBlockTheCaller(t *testing.T) {
	store := newMemStore() // the confirming build arrives only later

	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := NewLearningLoop(testLogger(), store, recorder, LearningConfig{
		Enabled:            true,
		ConfirmationWindow: 5 * time.Second,
		PollInterval:       10 * time.Millisecond,
	})

	action := models.Action{Kind: models.ActionRetry, Status: models.ActionSucceeded}
	start := time.Now()
	loop.OnAnalysisFinalized(context.Background(), finalizedAnalysis(), action, true)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("finalization must not wait for confirmation, took %v", elapsed)
	}
	if _, ok := recorder.Lookup("fp-1"); ok {
		t.Fatal("outcome recorded before the retried build finished")
	}

	store.SaveBuild(models.Build{Job: "team/app", Number: 43, Result: models.BuildSuccess})
	loop.Drain()

	pattern, ok := recorder.Lookup("fp-1")
	if !ok || pattern.Confidence <= 0.3 {
		t.Fatalf("expected confirmed success after the build landed, got ok=%v %.2f", ok, pattern.Confidence)
	}
}

func TestNonRetryActionRecordsNeutralSighting(t *testing.T) {
	store := newMemStore()
	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := testLearningLoop(store, recorder, true)

	action := models.Action{Kind: models.ActionRecommendOnly, Status: models.ActionSucceeded}
	loop.OnAnalysisFinalized(context.Background(), finalizedAnalysis(), action, true)

	pattern, ok := recorder.Lookup("fp-1")
	if !ok || pattern.Confidence != 0.3 {
		t.Fatalf("expected neutral sighting at seed confidence, got ok=%v %.2f", ok, pattern.Confidence)
	}
}

func TestLearningDisabledRecordsNothing(t *testing.T) {
	store := newMemStore()
	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := testLearningLoop(store, recorder, false)

	action := models.Action{Kind: models.ActionRetry, Status: models.ActionSucceeded}
	loop.OnAnalysisFinalized(context.Background(), finalizedAnalysis(), action, true)

	if _, ok := recorder.Lookup("fp-1"); ok {
		t.Fatal("disabled learning loop must not touch the pattern store")
	}
}

func TestHealthyAnalysisNotRecorded(t *testing.T) {
	store := newMemStore()
	recorder := patterns.NewStore(testLogger(), 0.3, 0.2, time.Hour)
	loop := testLearningLoop(store, recorder, true)

	analysis := finalizedAnalysis()
	analysis.Category = "healthy"
	loop.OnAnalysisFinalized(context.Background(), analysis, models.Action{}, false)

	if _, ok := recorder.Lookup("fp-1"); ok {
		t.Fatal("healthy analyses must not seed patterns")
	}
}
