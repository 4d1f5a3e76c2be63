package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

func payload() models.InferencePayload {
	return models.InferencePayload{
		Job:         "team/app",
		BuildNumber: 42,
		LogExcerpt:  []string{"[ERROR] boom"},
		DiffSummary: "baseline build #41",
	}
}

func TestInferDecodesVerdict(t *testing.T) {
	var received models.InferencePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(models.Verdict{
			Category: "flaky-test", Explanation: "known flaky suite", Confidence: 0.85,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, 200)
	verdict, err := client.Infer(context.Background(), payload())
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if verdict.Category != "flaky-test" || verdict.Confidence != 0.85 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if received.Job != "team/app" || received.BuildNumber != 42 {
		t.Fatalf("payload not forwarded: %+v", received)
	}
}

func TestInferTruncatesExcerptTailFirst(t *testing.T) {
	var received models.InferencePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(models.Verdict{Category: "flaky-test", Confidence: 0.5})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, 2)
	p := payload()
	p.LogExcerpt = []string{"first", "second", "last"}
	if _, err := client.Infer(context.Background(), p); err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(received.LogExcerpt) != 2 || received.LogExcerpt[1] != "last" {
		t.Fatalf("tail not preserved: %v", received.LogExcerpt)
	}
}

func TestInferClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
	}
	for _, tc := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client := NewClient(server.URL, time.Second, 200)
		_, err := client.Infer(context.Background(), payload())
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected an error", tc.status)
		}
		if tc.transient != utils.IsTransient(err) {
			t.Fatalf("status %d: wrong classification: %v", tc.status, err)
		}
	}
}

func TestInferRejectsMalformedVerdicts(t *testing.T) {
	bodies := []string{
		`{"category":"","confidence":0.5}`,
		`{"category":"flaky-test","confidence":1.5}`,
		`{"category":"flaky-test","confidence":-0.1}`,
		`not json`,
	}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(body))
		}))

		client := NewClient(server.URL, time.Second, 200)
		_, err := client.Infer(context.Background(), payload())
		server.Close()

		if !utils.IsRejected(err) {
			t.Fatalf("body %q: expected rejection, got %v", body, err)
		}
	}
}
