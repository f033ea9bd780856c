package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookChannel posts notifications as plain JSON to an arbitrary
// endpoint, for platforms without a dedicated channel.
type WebhookChannel struct {
	logger     *zap.Logger
	httpClient *http.Client
	url        string
}

// WebhookPayload is the generic notification body
type WebhookPayload struct {
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Severity string                 `json:"severity"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

// NewWebhookChannel creates a generic webhook channel
func NewWebhookChannel(logger *zap.Logger, url string, timeout time.Duration) *WebhookChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &WebhookChannel{
		logger:     logger,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the channel name
func (c *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts the message to the endpoint and accepts any 2xx answer
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if c.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(WebhookPayload{
		Subject:  msg.Subject,
		Body:     msg.Body,
		Severity: msg.Severity,
		Metadata: msg.Metadata,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "resilience-governor/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	c.logger.Debug("Sent webhook notification", zap.String("severity", msg.Severity))
	return nil
}
