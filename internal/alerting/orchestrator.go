package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/model"
)

// cooldownMapCapacity bounds the in-process regressionId -> lastAlertTime
// map; entries are evicted oldest-first once the bound is reached, standing
// in for the periodic "evict entries older than a day" cleanup from §4.9.
const cooldownMapCapacity = 1000

// Rules parameterizes one fan-out pass.
type Rules struct {
	Enabled          bool
	MinimumSeverity  model.Severity
	CooldownPeriod   time.Duration
}

// Orchestrator is C12.
type Orchestrator struct {
	channels []Channel
	logger   *zap.Logger

	mu       sync.Mutex
	cooldown *lru.Cache[uuid.UUID, time.Time]
}

// New constructs an Orchestrator over the given channels, in the order they
// should be considered enabled.
func New(channels []Channel, logger *zap.Logger) *Orchestrator {
	cache, _ := lru.New[uuid.UUID, time.Time](cooldownMapCapacity)
	return &Orchestrator{channels: channels, logger: logger, cooldown: cache}
}

// SendRegressionAlerts drops events below the minimum severity or still in
// cooldown, then fans out the survivors to every enabled channel
// concurrently. One channel's failure is logged and never blocks another,
// or the caller.
func (o *Orchestrator) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent, rules Rules, now time.Time) {
	if !rules.Enabled {
		return
	}

	minimum := rules.MinimumSeverity
	if minimum == "" {
		minimum = model.SeverityMedium
	}

	var surviving []model.RegressionEvent
	o.mu.Lock()
	for _, e := range events {
		if !e.Severity.AtLeast(minimum) {
			continue
		}
		if last, ok := o.cooldown.Get(e.ID); ok && now.Sub(last) < rules.CooldownPeriod {
			continue
		}
		o.cooldown.Add(e.ID, now)
		surviving = append(surviving, e)
	}
	o.mu.Unlock()

	if len(surviving) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ch := range o.channels {
		if !ch.Enabled() {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.SendRegressionAlerts(ctx, surviving); err != nil {
				o.logger.Warn("alert channel failed to send regression alerts",
					zap.String("channel", ch.Name()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// SendHotspotSummary fans out to every enabled channel, isolating failures
// the same way as regression alerts.
func (o *Orchestrator) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) {
	var wg sync.WaitGroup
	for _, ch := range o.channels {
		if !ch.Enabled() {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.SendHotspotSummary(ctx, hotspots); err != nil {
				o.logger.Warn("alert channel failed to send hotspot summary",
					zap.String("channel", ch.Name()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// SendDailySummary fans out the daily digest, the "second chance" for any
// regression alert that failed to deliver earlier in the day.
func (o *Orchestrator) SendDailySummary(ctx context.Context, summary DailySummary) {
	var wg sync.WaitGroup
	for _, ch := range o.channels {
		if !ch.Enabled() {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.SendDailySummary(ctx, summary); err != nil {
				o.logger.Warn("alert channel failed to send daily summary",
					zap.String("channel", ch.Name()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}
