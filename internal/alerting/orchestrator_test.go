package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/model"
)

type recordingChannel struct {
	name      string
	enabled   bool
	failRegr  bool
	mu        sync.Mutex
	regrCalls [][]model.RegressionEvent
}

func (c *recordingChannel) Name() string  { return c.name }
func (c *recordingChannel) Enabled() bool { return c.enabled }

func (c *recordingChannel) SendRegressionAlerts(_ context.Context, events []model.RegressionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRegr {
		return errors.New("boom")
	}
	c.regrCalls = append(c.regrCalls, events)
	return nil
}

func (c *recordingChannel) SendHotspotSummary(_ context.Context, _ []model.Hotspot) error { return nil }
func (c *recordingChannel) SendDailySummary(_ context.Context, _ DailySummary) error       { return nil }
func (c *recordingChannel) TestConnection(_ context.Context) error                        { return nil }

func TestSendRegressionAlerts_DropsBelowMinimumSeverity(t *testing.T) {
	ch := &recordingChannel{name: "c1", enabled: true}
	o := New([]Channel{ch}, zap.NewNop())

	events := []model.RegressionEvent{
		{ID: uuid.New(), Severity: model.SeverityLow},
		{ID: uuid.New(), Severity: model.SeverityCritical},
	}
	o.SendRegressionAlerts(context.Background(), events, Rules{Enabled: true, MinimumSeverity: model.SeverityMedium, CooldownPeriod: time.Hour}, time.Now())

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Len(t, ch.regrCalls, 1)
	assert.Len(t, ch.regrCalls[0], 1)
	assert.Equal(t, model.SeverityCritical, ch.regrCalls[0][0].Severity)
}

func TestSendRegressionAlerts_RespectsCooldown(t *testing.T) {
	ch := &recordingChannel{name: "c1", enabled: true}
	o := New([]Channel{ch}, zap.NewNop())
	now := time.Now()

	event := model.RegressionEvent{ID: uuid.New(), Severity: model.SeverityHigh}
	rules := Rules{Enabled: true, MinimumSeverity: model.SeverityMedium, CooldownPeriod: time.Hour}

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{event}, rules, now)
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{event}, rules, now.Add(time.Minute))

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Len(t, ch.regrCalls, 1)
}

func TestSendRegressionAlerts_DisabledGloballyNoOps(t *testing.T) {
	ch := &recordingChannel{name: "c1", enabled: true}
	o := New([]Channel{ch}, zap.NewNop())

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{{ID: uuid.New(), Severity: model.SeverityCritical}}, Rules{Enabled: false}, time.Now())

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Empty(t, ch.regrCalls)
}

func TestSendRegressionAlerts_OneChannelFailureDoesNotBlockOthers(t *testing.T) {
	failing := &recordingChannel{name: "failing", enabled: true, failRegr: true}
	ok := &recordingChannel{name: "ok", enabled: true}
	o := New([]Channel{failing, ok}, zap.NewNop())

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{{ID: uuid.New(), Severity: model.SeverityCritical}}, Rules{Enabled: true, MinimumSeverity: model.SeverityLow, CooldownPeriod: time.Hour}, time.Now())

	ok.mu.Lock()
	defer ok.mu.Unlock()
	assert.Len(t, ok.regrCalls, 1)
}

func TestSendRegressionAlerts_DisabledChannelSkipped(t *testing.T) {
	ch := &recordingChannel{name: "c1", enabled: false}
	o := New([]Channel{ch}, zap.NewNop())

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{{ID: uuid.New(), Severity: model.SeverityCritical}}, Rules{Enabled: true, MinimumSeverity: model.SeverityLow, CooldownPeriod: time.Hour}, time.Now())

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Empty(t, ch.regrCalls)
}
