// Package baseline implements C6, the rolling statistical-profile engine
// that regression detection compares each cycle's aggregates against.
package baseline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/model"
)

// ErrInsufficientSamples is returned when a fingerprint has fewer than
// MinimumSamples of history in the lookback window. Callers should treat
// this as "not ready yet", not as an error worth surfacing.
var ErrInsufficientSamples = errors.New("baseline: insufficient samples")

// Store is the narrow slice of the persistence contract the engine needs.
type Store interface {
	GetSamplesForFingerprint(ctx context.Context, id uuid.UUID, window model.Window) ([]model.MetricSample, error)
	AggregateSamples(ctx context.Context, id uuid.UUID, window model.Window) (model.AggregatedMetrics, error)
	GetActiveBaseline(ctx context.Context, fingerprintID uuid.UUID) (*model.Baseline, error)
	SupersedeAndSaveBaseline(ctx context.Context, baseline model.Baseline) error
}

// Rules parameterizes baseline computation.
type Rules struct {
	LookbackWindow time.Duration
	// MinimumSamples is the lowest sample count a baseline can be computed
	// from. The default of 3 keeps the engine usable on lightly-trafficked
	// queries; production deployments should raise it towards 10 for a
	// baseline that isn't dominated by noise.
	MinimumSamples int
	// RefreshInterval is how long a baseline stays current before
	// needsRefresh reports true.
	RefreshInterval time.Duration
	// FallbackP50ToAvgBelowSamples makes the baseline's P50DurationUs fall
	// back to the plain average when the store supplied no P50
	// (AggregatedMetrics.HasP50FromStore is false) and the sample count is
	// below this threshold. A P50 supplied by the store is always kept.
	// Zero disables the fallback.
	FallbackP50ToAvgBelowSamples int
}

// DefaultRules returns the engine's documented defaults.
func DefaultRules() Rules {
	return Rules{
		LookbackWindow:               7 * 24 * time.Hour,
		MinimumSamples:               3,
		RefreshInterval:              24 * time.Hour,
		FallbackP50ToAvgBelowSamples: 10,
	}
}

// Engine computes and maintains rolling baselines.
type Engine struct {
	store  Store
	logger *zap.Logger
}

// New constructs an Engine.
func New(store Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// NeedsRefresh reports whether fingerprintID has no active baseline, or has
// one older than rules.RefreshInterval.
func (e *Engine) NeedsRefresh(ctx context.Context, fingerprintID uuid.UUID, rules Rules, now time.Time) (bool, error) {
	active, err := e.store.GetActiveBaseline(ctx, fingerprintID)
	if err != nil {
		return false, err
	}
	if active == nil {
		return true, nil
	}
	return now.Sub(active.ComputedAtUtc) >= rules.RefreshInterval, nil
}

// Compute builds a fresh baseline for fingerprintID from the trailing
// rules.LookbackWindow of samples and atomically supersedes any previously
// active baseline via SupersedeAndSaveBaseline, so a concurrent Compute for
// the same fingerprint can never leave two active baselines behind. Returns
// ErrInsufficientSamples when the fingerprint hasn't accumulated
// rules.MinimumSamples yet; the caller should simply retry on a future
// cycle rather than treat this as failure.
func (e *Engine) Compute(ctx context.Context, instanceName, databaseName string, fingerprintID uuid.UUID, rules Rules, now time.Time) (*model.Baseline, error) {
	window := model.Window{Start: now.Add(-rules.LookbackWindow), End: now}

	agg, err := e.store.AggregateSamples(ctx, fingerprintID, window)
	if err != nil {
		return nil, err
	}
	if agg.SampleCount < rules.MinimumSamples {
		return nil, ErrInsufficientSamples
	}

	p50 := agg.P50DurationUs
	if rules.FallbackP50ToAvgBelowSamples > 0 && agg.SampleCount < rules.FallbackP50ToAvgBelowSamples && !agg.HasP50FromStore {
		p50 = agg.AvgDurationUs
	}

	b := model.Baseline{
		ID:               uuid.New(),
		FingerprintID:    fingerprintID,
		InstanceName:     instanceName,
		DatabaseName:     databaseName,
		ComputedAtUtc:    now,
		Window:           window,
		SampleCount:      agg.SampleCount,
		TotalExecutions:  agg.TotalExecutions,
		P50DurationUs:    p50,
		P95DurationUs:    agg.P95DurationUs,
		P99DurationUs:    agg.P99DurationUs,
		AvgDurationUs:    agg.AvgDurationUs,
		StdDevDurationUs: agg.StdDevDurationUs,
		AvgCPUUs:         agg.AvgCPUUs,
		P95CPUUs:         agg.P95CPUUs,
		AvgLogicalReads:  agg.AvgLogicalReads,
		MaxLogicalReads:  agg.MaxLogicalReads,
		IsActive:         true,
	}

	if err := e.store.SupersedeAndSaveBaseline(ctx, b); err != nil {
		return nil, err
	}

	e.logger.Debug("baseline refreshed",
		zap.String("instance", instanceName), zap.String("database", databaseName),
		zap.String("fingerprint", fingerprintID.String()), zap.Int("samples", agg.SampleCount))

	return &b, nil
}

// RefreshDue computes a fresh baseline for every fingerprint in ids whose
// existing baseline is missing or stale, skipping (without error) any that
// still lack MinimumSamples. Per-fingerprint failures are collected rather
// than aborting the batch.
func (e *Engine) RefreshDue(ctx context.Context, instanceName, databaseName string, ids []uuid.UUID, rules Rules, now time.Time) (refreshed int, errs []error) {
	for _, id := range ids {
		due, err := e.NeedsRefresh(ctx, id, rules, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !due {
			continue
		}

		if _, err := e.Compute(ctx, instanceName, databaseName, id, rules, now); err != nil {
			if errors.Is(err, ErrInsufficientSamples) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		refreshed++
	}
	return refreshed, errs
}
