// Package alerting implements C12, fan-out of regression and summary
// notifications to pluggable channels with per-regression cooldown.
package alerting

import (
	"context"

	"github.com/dbwatch/queryguard/internal/model"
)

// DailySummary is the daily digest payload sent once per scheduling.dailySummaryTimeOfDay.
type DailySummary struct {
	From              model.Window
	RegressionsNew    int
	RegressionsResolved int
	TopHotspots       []model.Hotspot
	RemediationsApplied int
	RemediationsDenied  int
}

// Channel is the consumed contract (§6) every notification sink implements.
type Channel interface {
	Name() string
	Enabled() bool
	SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error
	SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error
	SendDailySummary(ctx context.Context, summary DailySummary) error
	TestConnection(ctx context.Context) error
}
