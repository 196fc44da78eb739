// Package analysis implements C9, the per-cycle driver of regression and
// hotspot detection against the latest data committed by collection.
package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/hotspot"
	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/regression"
)

// autoResolutionTolerancePercent is the "within 20% of baseline" threshold
// from the auto-resolution rule, deliberately looser than detection
// thresholds to avoid flapping a regression open/closed/open.
const autoResolutionTolerancePercent = 20.0

// Store is the narrow slice of the persistence contract the orchestrator needs.
type Store interface {
	GetFingerprintsByDatabase(ctx context.Context, instanceName, databaseName string) ([]model.Fingerprint, error)
	GetActiveBaseline(ctx context.Context, fingerprintID uuid.UUID) (*model.Baseline, error)
	AggregateSamples(ctx context.Context, id uuid.UUID, window model.Window) (model.AggregatedMetrics, error)
	GetLatestPerFingerprint(ctx context.Context, databaseName string, window model.Window, topN int) ([]model.MetricSample, error)
	GetActiveRegressionByFingerprint(ctx context.Context, fingerprintID uuid.UUID) (*model.RegressionEvent, error)
	GetActiveRegressions(ctx context.Context) ([]model.RegressionEvent, error)
	SaveRegression(ctx context.Context, event model.RegressionEvent) error
	UpdateRegression(ctx context.Context, event model.RegressionEvent) error
}

// DatabaseTarget names one (instance, database) pair to analyze.
type DatabaseTarget struct {
	InstanceName string
	DatabaseName string
}

// Rules parameterizes one analysis pass.
type Rules struct {
	RecentWindow     time.Duration
	HotspotWindow    time.Duration
	RegressionRules  regression.Rules
	HotspotRules     hotspot.Rules
}

// DatabaseAnalysisResult is the per-database outcome of one analysis pass.
type DatabaseAnalysisResult struct {
	InstanceName    string
	DatabaseName    string
	FingerprintsSeen int
	RegressionsFound []model.RegressionEvent
	Hotspots         []model.Hotspot
	Err              error
}

// Orchestrator is C9.
type Orchestrator struct {
	store  Store
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(store Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: store, logger: logger}
}

// RunCycle analyzes every target independently; one database's failure
// never aborts the others, matching §4.6's isolation rule.
func (o *Orchestrator) RunCycle(ctx context.Context, targets []DatabaseTarget, rules Rules, now time.Time) []DatabaseAnalysisResult {
	results := make([]DatabaseAnalysisResult, 0, len(targets))
	for _, target := range targets {
		results = append(results, o.analyzeDatabase(ctx, target, rules, now))
	}
	return results
}

func (o *Orchestrator) analyzeDatabase(ctx context.Context, target DatabaseTarget, rules Rules, now time.Time) DatabaseAnalysisResult {
	result := DatabaseAnalysisResult{InstanceName: target.InstanceName, DatabaseName: target.DatabaseName}

	fingerprints, err := o.store.GetFingerprintsByDatabase(ctx, target.InstanceName, target.DatabaseName)
	if err != nil {
		result.Err = err
		return result
	}
	result.FingerprintsSeen = len(fingerprints)

	recentWindow := model.Window{Start: now.Add(-rules.RecentWindow), End: now}

	for _, fp := range fingerprints {
		baseline, err := o.store.GetActiveBaseline(ctx, fp.ID)
		if err != nil {
			result.Err = err
			continue
		}
		if baseline == nil {
			continue
		}

		current, err := o.store.AggregateSamples(ctx, fp.ID, recentWindow)
		if err != nil {
			result.Err = err
			continue
		}

		event := regression.Detect(*baseline, current, rules.RegressionRules)
		if event == nil {
			continue
		}

		active, err := o.store.GetActiveRegressionByFingerprint(ctx, fp.ID)
		if err != nil {
			result.Err = err
			continue
		}
		if active != nil {
			continue
		}

		event.InstanceName = target.InstanceName
		event.DatabaseName = target.DatabaseName
		if err := o.store.SaveRegression(ctx, *event); err != nil {
			result.Err = err
			continue
		}
		result.RegressionsFound = append(result.RegressionsFound, *event)
	}

	hotspotWindow := model.Window{Start: now.Add(-rules.HotspotWindow), End: now}
	latest, err := o.store.GetLatestPerFingerprint(ctx, target.DatabaseName, hotspotWindow, 0)
	if err != nil {
		result.Err = err
		return result
	}

	samples := make([]hotspot.Sample, 0, len(latest))
	for _, s := range latest {
		var hasActive bool
		if active, err := o.store.GetActiveRegressionByFingerprint(ctx, s.FingerprintID); err == nil && active != nil {
			hasActive = true
		}
		samples = append(samples, hotspot.Sample{
			FingerprintID:       s.FingerprintID,
			InstanceName:        target.InstanceName,
			DatabaseName:        target.DatabaseName,
			TotalCPUMs:          float64(s.TotalCPUUs) / 1000,
			TotalDurationMs:     float64(s.TotalDurationUs) / 1000,
			AvgDurationMs:       s.AvgDurationUs / 1000,
			ExecutionCount:      s.ExecutionCount,
			TotalLogicalReads:   s.TotalLogicalReads,
			HasActiveRegression: hasActive,
			Window:              hotspotWindow,
		})
	}

	hotspots, err := hotspot.Detect(samples, rules.HotspotRules)
	if err != nil {
		result.Err = err
		return result
	}
	result.Hotspots = hotspots

	return result
}

// CheckAutoResolutions scans every active regression and transitions it to
// autoResolved when current P95 duration has returned to within
// autoResolutionTolerancePercent of the baseline's P95 duration.
func (o *Orchestrator) CheckAutoResolutions(ctx context.Context, recentWindow time.Duration, now time.Time) (resolved int, errs []error) {
	active, err := o.store.GetActiveRegressions(ctx)
	if err != nil {
		return 0, []error{err}
	}

	window := model.Window{Start: now.Add(-recentWindow), End: now}

	for _, event := range active {
		baseline, err := o.store.GetActiveBaseline(ctx, event.FingerprintID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if baseline == nil || baseline.P95DurationUs == 0 {
			continue
		}

		current, err := o.store.AggregateSamples(ctx, event.FingerprintID, window)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		deviation := absPercent(current.P95DurationUs, baseline.P95DurationUs)
		if deviation > autoResolutionTolerancePercent {
			continue
		}

		event.Status = model.StatusAutoResolved
		if err := o.store.UpdateRegression(ctx, event); err != nil {
			errs = append(errs, err)
			continue
		}
		resolved++
	}

	return resolved, errs
}

func absPercent(current, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	pct := (current - baseline) / baseline * 100
	if pct < 0 {
		return -pct
	}
	return pct
}
