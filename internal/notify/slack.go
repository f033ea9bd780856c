package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// SlackChannel delivers notifications to a Slack incoming webhook
type SlackChannel struct {
	logger     *zap.Logger
	httpClient *http.Client
	webhookURL string
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the rich part of a Slack message
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one field in an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackChannel creates a Slack webhook channel
func NewSlackChannel(logger *zap.Logger, webhookURL string, timeout time.Duration) *SlackChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &SlackChannel{
		logger:     logger,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Send posts the message to the webhook
func (c *SlackChannel) Send(ctx context.Context, msg Message) error {
	if c.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(c.buildSlackMessage(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	c.logger.Debug("Sent Slack notification",
		zap.String("severity", msg.Severity),
		zap.String("webhook_url", maskWebhookURL(c.webhookURL)))
	return nil
}

func (c *SlackChannel) buildSlackMessage(msg Message) SlackMessage {
	out := SlackMessage{Text: msg.Subject}

	switch msg.Severity {
	case SeverityCritical:
		out.IconEmoji = ":rotating_light:"
	case SeverityHigh:
		out.IconEmoji = ":warning:"
	default:
		out.IconEmoji = ":information_source:"
	}

	attachment := SlackAttachment{
		Text:      msg.Body,
		Footer:    "Resilience Governor",
		Timestamp: time.Now().Unix(),
	}

	switch msg.Severity {
	case SeverityCritical:
		attachment.Color = "danger"
	case SeverityHigh:
		attachment.Color = "warning"
	default:
		attachment.Color = "good"
	}

	// Metadata renders as fields in a stable order
	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: k,
			Value: fmt.Sprintf("%v", msg.Metadata[k]),
			Short: true,
		})
	}

	out.Attachments = []SlackAttachment{attachment}
	return out
}

// maskWebhookURL hides the secret part of the webhook URL in logs
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
