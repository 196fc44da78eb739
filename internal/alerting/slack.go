package alerting

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/dbwatch/queryguard/internal/model"
)

// SlackChannel posts alert summaries to a Slack incoming webhook URL.
type SlackChannel struct {
	name    string
	webhookURL string
	enabled bool
}

// NewSlackChannel constructs a SlackChannel posting to the given incoming
// webhook URL.
func NewSlackChannel(webhookURL string, enabled bool) *SlackChannel {
	return &SlackChannel{name: "slack", webhookURL: webhookURL, enabled: enabled}
}

func (c *SlackChannel) Name() string  { return c.name }
func (c *SlackChannel) Enabled() bool { return c.enabled }

func severityEmoji(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityHigh:
		return ":warning:"
	case model.SeverityMedium:
		return ":large_orange_diamond:"
	default:
		return ":large_blue_circle:"
	}
}

func (c *SlackChannel) SendRegressionAlerts(_ context.Context, events []model.RegressionEvent) error {
	var blocks []slack.Block
	for _, e := range events {
		text := fmt.Sprintf("%s *%s regression* on `%s.%s` — %s up %.1f%% (baseline %.0f, current %.0f)",
			severityEmoji(e.Severity), e.Severity, e.InstanceName, e.DatabaseName, e.Metric, e.ChangePercent, e.BaselineValue, e.CurrentValue)
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))
	}

	msg := &slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: blocks}}
	return slack.PostWebhook(c.webhookURL, msg)
}

func (c *SlackChannel) SendHotspotSummary(_ context.Context, hotspots []model.Hotspot) error {
	var blocks []slack.Block
	for _, h := range hotspots {
		text := fmt.Sprintf(":fire: #%d `%s.%s` — %.1f ms CPU total, %.1f%% of window", h.Rank, h.InstanceName, h.DatabaseName, h.TotalCPUMs, h.PercentOfTotal)
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))
	}

	msg := &slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: blocks}}
	return slack.PostWebhook(c.webhookURL, msg)
}

func (c *SlackChannel) SendDailySummary(_ context.Context, summary DailySummary) error {
	text := fmt.Sprintf("Daily summary: %d new regressions, %d resolved, %d remediations applied, %d denied",
		summary.RegressionsNew, summary.RegressionsResolved, summary.RemediationsApplied, summary.RemediationsDenied)
	msg := &slack.WebhookMessage{Text: text}
	return slack.PostWebhook(c.webhookURL, msg)
}

func (c *SlackChannel) TestConnection(_ context.Context) error {
	return slack.PostWebhook(c.webhookURL, &slack.WebhookMessage{Text: "connection test"})
}

var _ Channel = (*SlackChannel)(nil)
