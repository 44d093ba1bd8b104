package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackMaxPayload = 4000

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackNotifier posts alerts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	httpClient *http.Client
}

func NewSlackNotifier(webhookURL, channel string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(s.formatMessage(a))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	if len(payload) > slackMaxPayload {
		// Drop the fields rather than cut JSON mid-token.
		msg := s.formatMessage(a)
		msg.Attachments = nil
		msg.Text += " (details truncated)"
		if payload, err = json.Marshal(msg); err != nil {
			return fmt.Errorf("failed to marshal slack message: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook error: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackNotifier) formatMessage(a Alert) SlackMessage {
	emoji := "ℹ️"
	color := "good"
	switch a.Severity {
	case SeverityWarning:
		emoji = "⚠️"
		color = "warning"
	case SeverityCritical:
		emoji = "🚨"
		color = "danger"
	}

	fields := []SlackField{
		{Title: "Severity", Value: string(a.Severity), Short: true},
		{Title: "Time", Value: a.Timestamp.UTC().Format(time.RFC3339), Short: true},
	}
	if a.Reason != "" {
		fields = append(fields, SlackField{Title: "Reason", Value: a.Reason, Short: true})
	}
	for _, k := range sortedKeys(a.Metadata) {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(a.Metadata[k]), Short: true})
	}

	return SlackMessage{
		Channel: s.channel,
		Text:    fmt.Sprintf("%s %s", emoji, a.Title),
		Attachments: []SlackAttachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}
