package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/newrelic/newrelic-client-go/newrelic"
	"github.com/newrelic/newrelic-client-go/pkg/nrdb"

	"github.com/dbwatch/queryguard/internal/model"
)

// NewRelicChannel posts regression and summary events as New Relic custom
// events via the Insights event-insert API, and uses the NerdGraph client
// (the same one the OHI/OTEL comparison tooling authenticates with) purely
// to validate credentials for TestConnection.
type NewRelicChannel struct {
	name      string
	accountID int
	apiKey    string
	enabled   bool
	client    *http.Client
	nrClient  *newrelic.NewRelic
}

// NewNewRelicChannel constructs a NewRelicChannel. The NerdGraph client is
// built eagerly so TestConnection never needs to re-authenticate.
func NewNewRelicChannel(accountID int, apiKey string, enabled bool) (*NewRelicChannel, error) {
	nrClient, err := newrelic.New(
		newrelic.ConfigPersonalAPIKey(apiKey),
		newrelic.ConfigRegion("US"),
	)
	if err != nil {
		return nil, fmt.Errorf("alerting: construct new relic client: %w", err)
	}
	return &NewRelicChannel{
		name: "newrelic", accountID: accountID, apiKey: apiKey, enabled: enabled,
		client: &http.Client{Timeout: 10 * time.Second}, nrClient: nrClient,
	}, nil
}

func (c *NewRelicChannel) Name() string  { return c.name }
func (c *NewRelicChannel) Enabled() bool { return c.enabled }

func (c *NewRelicChannel) insertEvents(ctx context.Context, events []map[string]interface{}) error {
	body, err := json.Marshal(events)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://insights-collector.newrelic.com/v1/accounts/%d/events", c.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Insert-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: new relic event insert returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *NewRelicChannel) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error {
	payload := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		payload = append(payload, map[string]interface{}{
			"eventType":     "QueryRegressionAlert",
			"instanceName":  e.InstanceName,
			"databaseName":  e.DatabaseName,
			"metric":        string(e.Metric),
			"severity":      string(e.Severity),
			"changePercent": e.ChangePercent,
			"baselineValue": e.BaselineValue,
			"currentValue":  e.CurrentValue,
		})
	}
	return c.insertEvents(ctx, payload)
}

func (c *NewRelicChannel) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error {
	payload := make([]map[string]interface{}, 0, len(hotspots))
	for _, h := range hotspots {
		payload = append(payload, map[string]interface{}{
			"eventType":      "QueryHotspot",
			"instanceName":   h.InstanceName,
			"databaseName":   h.DatabaseName,
			"rank":           h.Rank,
			"rankingMetric":  h.RankingMetric,
			"percentOfTotal": h.PercentOfTotal,
		})
	}
	return c.insertEvents(ctx, payload)
}

func (c *NewRelicChannel) SendDailySummary(ctx context.Context, summary DailySummary) error {
	return c.insertEvents(ctx, []map[string]interface{}{{
		"eventType":           "QueryMonitorDailySummary",
		"regressionsNew":      summary.RegressionsNew,
		"regressionsResolved": summary.RegressionsResolved,
		"remediationsApplied": summary.RemediationsApplied,
		"remediationsDenied":  summary.RemediationsDenied,
	}})
}

func (c *NewRelicChannel) TestConnection(ctx context.Context) error {
	_, err := c.nrClient.Nrdb.Query(c.accountID, nrdb.NRQL("SELECT count(*) FROM Transaction SINCE 1 minute ago"))
	return err
}

var _ Channel = (*NewRelicChannel)(nil)
