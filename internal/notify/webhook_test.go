package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWebhookChannel_Send(t *testing.T) {
	var received WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "resilience-governor/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ch := NewWebhookChannel(zaptest.NewLogger(t), server.URL, 0)
	err := ch.Send(context.Background(), Message{
		Subject:  "Circuit opened for service parallel",
		Body:     "Consecutive failures tripped the breaker.",
		Severity: SeverityHigh,
		Metadata: map[string]interface{}{"service": "parallel"},
	})

	require.NoError(t, err)
	assert.Equal(t, "Circuit opened for service parallel", received.Subject)
	assert.Equal(t, SeverityHigh, received.Severity)
	assert.Equal(t, "parallel", received.Metadata["service"])
	assert.False(t, received.SentAt.IsZero())
}

func TestWebhookChannel_SendFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch := NewWebhookChannel(zaptest.NewLogger(t), server.URL, 0)
	err := ch.Send(context.Background(), Message{Subject: "s"})
	assert.ErrorContains(t, err, "status 502")

	unconfigured := NewWebhookChannel(zaptest.NewLogger(t), "", 0)
	err = unconfigured.Send(context.Background(), Message{Subject: "s"})
	assert.ErrorContains(t, err, "not configured")
}
