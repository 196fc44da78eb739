package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dbwatch/queryguard/internal/model"
)

// WebhookChannel posts JSON payloads to a generic HTTP endpoint, the
// lowest-common-denominator channel for receivers this system doesn't know
// about by name (PagerDuty, Teams, a custom internal bus).
type WebhookChannel struct {
	name    string
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookChannel constructs a WebhookChannel posting to url.
func NewWebhookChannel(name, url string, enabled bool) *WebhookChannel {
	return &WebhookChannel{name: name, url: url, enabled: enabled, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *WebhookChannel) Name() string  { return c.name }
func (c *WebhookChannel) Enabled() bool { return c.enabled }

type webhookPayload struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

func (c *WebhookChannel) post(ctx context.Context, kind string, data interface{}) error {
	body, err := json.Marshal(webhookPayload{Kind: kind, Data: data})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook %s returned status %d", c.name, resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error {
	return c.post(ctx, "regressionAlerts", events)
}

func (c *WebhookChannel) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error {
	return c.post(ctx, "hotspotSummary", hotspots)
}

func (c *WebhookChannel) SendDailySummary(ctx context.Context, summary DailySummary) error {
	return c.post(ctx, "dailySummary", summary)
}

func (c *WebhookChannel) TestConnection(ctx context.Context) error {
	return c.post(ctx, "testConnection", nil)
}

var _ Channel = (*WebhookChannel)(nil)
