// Package inference holds the engine-side contract with the inference
// collaborator. Prompt construction and provider formats live on the other
// side of this boundary; the engine only sends the structured payload and
// parses the categorized verdict.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

// ErrUnavailable marks retryable collaborator failures (timeouts, overload).
var ErrUnavailable = errors.New("inference unavailable")

// ErrRejected marks non-retryable failures (malformed payload or response).
var ErrRejected = errors.New("inference rejected")

// Client calls the inference collaborator over HTTP.
type Client struct {
	endpoint        string
	httpClient      *http.Client
	maxExcerptLines int
}

// NewClient constructs a collaborator client.
func NewClient(endpoint string, timeout time.Duration, maxExcerptLines int) *Client {
	if maxExcerptLines <= 0 {
		maxExcerptLines = 200
	}
	return &Client{
		endpoint:        endpoint,
		httpClient:      &http.Client{Timeout: timeout},
		maxExcerptLines: maxExcerptLines,
	}
}

// Infer submits the payload and returns the collaborator's verdict. The log
// excerpt is truncated tail-first so the most recent output survives.
func (c *Client) Infer(ctx context.Context, payload models.InferencePayload) (models.Verdict, error) {
	if c.endpoint == "" {
		return models.Verdict{}, utils.Fatal("inference.Infer", "inference endpoint not configured", nil)
	}
	if len(payload.LogExcerpt) > c.maxExcerptLines {
		payload.LogExcerpt = payload.LogExcerpt[len(payload.LogExcerpt)-c.maxExcerptLines:]
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.Verdict{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Verdict{}, utils.Transient("inference.Infer", "request failed", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return models.Verdict{}, utils.Transient("inference.Infer",
			fmt.Sprintf("collaborator returned %s", resp.Status), ErrUnavailable)
	default:
		io.Copy(io.Discard, resp.Body)
		return models.Verdict{}, utils.Rejected("inference.Infer",
			fmt.Sprintf("collaborator returned %s", resp.Status), ErrRejected)
	}

	var verdict models.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return models.Verdict{}, utils.Rejected("inference.Infer", "undecodable response", fmt.Errorf("%w: %v", ErrRejected, err))
	}
	if verdict.Category == "" || verdict.Confidence < 0 || verdict.Confidence > 1 {
		return models.Verdict{}, utils.Rejected("inference.Infer", "malformed verdict", ErrRejected)
	}
	return verdict, nil
}
