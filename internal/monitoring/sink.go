package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"
)

// Sink delivers an alert somewhere a human will see it.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// WebhookSink POSTs alerts as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackSink posts alerts to a channel.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink creates a sink posting to channel. Extra client options (such
// as slack.OptionAPIURL) are passed through.
func NewSlackSink(token, channel string, opts ...slack.Option) *SlackSink {
	return &SlackSink{client: slack.New(token, opts...), channel: channel}
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Send implements Sink.
func (s *SlackSink) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf(":rotating_light: [%s] %s", alert.Severity, alert.Message)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	return eris.Wrapf(err, "monitoring: slack alert %s", alert.Type)
}
