package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/models"
	"github.com/dondendo89/qa-playwright/logging"
)

// SlackChannel posts to an incoming webhook
type SlackChannel struct {
	webhookURL string
	client     *retryablehttp.Client
}

// NewSlackChannel creates a webhook channel; an empty URL disables it
func NewSlackChannel(webhookURL string, logger *zap.SugaredLogger) *SlackChannel {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = logging.Retryable(logger)
	return &SlackChannel{webhookURL: webhookURL, client: client}
}

// Type implements Channel
func (s *SlackChannel) Type() models.NotificationType { return models.NotificationTypeSlack }

// Enabled requires a webhook URL
func (s *SlackChannel) Enabled(Alert) bool { return s.webhookURL != "" }

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackElement struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
	URL  string    `json:"url,omitempty"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Fields   []slackText    `json:"fields,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Send posts the alert
func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(slackMessage(alert))
	if err != nil {
		return errors.Wrap(err, "encode slack payload")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post slack webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("slack API error: %s", resp.Status)
	}
	return nil
}

func slackMessage(alert Alert) slackPayload {
	target := targetOf(alert.Scenario)
	project := alert.Scenario.ProjectName
	if project == "" {
		project = alert.Scenario.ProjectID
	}
	title := "⚠️ Scenario Failed: " + alert.Scenario.Name

	return slackPayload{
		Text: title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: title, Emoji: true}},
			{Type: "section", Fields: []slackText{
				{Type: "mrkdwn", Text: "*Project:*\n" + project},
				{Type: "mrkdwn", Text: "*Target:*\n" + target.Name},
				{Type: "mrkdwn", Text: "*URL:*\n" + target.URL},
				{Type: "mrkdwn", Text: "*Time:*\n" + completedAt(alert.Run).Format(time.RFC1123)},
			}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*Error:*\n" + errorText(alert.Run)}},
			{Type: "actions", Elements: []slackElement{{
				Type: "button",
				Text: slackText{Type: "plain_text", Text: "View Details", Emoji: true},
				URL:  alert.DashboardURL,
			}}},
		},
	}
}
