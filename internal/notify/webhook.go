// Package notify delivers alert-class events to an external webhook.
package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"example.com/monosecom/services/telemetry/config"
)

// WebhookNotifier posts event payloads as JSON to the configured endpoint
// with a bounded retry policy.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *logrus.Logger
}

// NewWebhookNotifier returns nil when no webhook URL is configured so the
// caller can skip wiring it.
func NewWebhookNotifier(cfg config.NotifierConfig, logger *logrus.Logger) *WebhookNotifier {
	if cfg.WebhookURL == "" {
		return nil
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{client: client, url: cfg.WebhookURL, logger: logger}
}

// Notify posts the payload. A non-2xx response is an error after retries
// are exhausted.
func (n *WebhookNotifier) Notify(ctx context.Context, payload interface{}) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	n.logger.WithField("status", resp.StatusCode()).Debug("Webhook delivered")
	return nil
}
