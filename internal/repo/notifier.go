package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/platformbuilds/buildwatch/internal/utils"
)

// WebhookNotifier delivers NOTIFY actions to a chat webhook.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier constructs a notifier. An empty endpoint produces a
// notifier that logs instead of sending, so NOTIFY actions still complete in
// environments without a webhook.
func NewWebhookNotifier(endpoint string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify posts a message to the configured channel.
func (n *WebhookNotifier) Notify(ctx context.Context, channel, message string) error {
	if n.endpoint == "" {
		n.logger.Info("notification", slog.String("channel", channel), slog.String("message", message))
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return utils.Transient("notifier.Notify", "webhook request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return utils.Rejected("notifier.Notify", fmt.Sprintf("webhook rejected notification: %s", resp.Status), nil)
	default:
		return utils.Transient("notifier.Notify", fmt.Sprintf("webhook returned %s", resp.Status), nil)
	}
}
