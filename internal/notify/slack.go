package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexuscrm/usagewatch/internal/alerts"
)

var severityEmoji = map[alerts.Severity]string{
	alerts.SeverityLow:      ":information_source:",
	alerts.SeverityMedium:   ":warning:",
	alerts.SeverityHigh:     ":rotating_light:",
	alerts.SeverityCritical: ":fire:",
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	url    string
	client *http.Client
}

func NewSlackNotifier(webhookURL string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackNotifier{url: webhookURL, client: client}
}

func (s *SlackNotifier) Channel() alerts.Channel { return alerts.ChannelSlack }

func (s *SlackNotifier) Notify(ctx context.Context, a *alerts.Alert) error {
	fields := []map[string]any{
		{"title": "Severity", "value": string(a.Severity), "short": true},
		{"title": "Type", "value": string(a.Type), "short": true},
	}
	if a.UserID != "" {
		fields = append(fields, map[string]any{"title": "User", "value": a.UserID, "short": true})
	}
	if a.AgentID != "" {
		fields = append(fields, map[string]any{"title": "Agent", "value": a.AgentID, "short": true})
	}
	return s.post(ctx, map[string]any{
		"text": fmt.Sprintf("%s *%s*", severityEmoji[a.Severity], a.Title),
		"attachments": []map[string]any{{
			"text":   a.Message,
			"fields": fields,
			"ts":     a.TriggeredAt.Unix(),
		}},
	})
}

// Escalate posts a free-form operational message, outside the alert flow.
func (s *SlackNotifier) Escalate(ctx context.Context, text string) error {
	return s.post(ctx, map[string]any{"text": ":fire: " + text})
}

func (s *SlackNotifier) post(ctx context.Context, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack: HTTP %d", resp.StatusCode)
	}
	return nil
}
