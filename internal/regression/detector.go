// Package regression implements the pure comparison of a query's current
// aggregated performance against its statistical baseline. It never
// performs I/O: callers supply both sides and get back an optional event.
package regression

import (
	"github.com/google/uuid"

	"github.com/dbwatch/queryguard/internal/model"
)

// Rules parameterizes detection thresholds and minima. Field names mirror
// the analysis.regressionRules.* configuration keys.
type Rules struct {
	DurationIncreaseThresholdPercent     float64
	CPUIncreaseThresholdPercent          float64
	LogicalReadsIncreaseThresholdPercent float64
	MinimumBaselineSamples               int
	MinimumExecutions                    int64
	RequireMultipleMetrics               bool
}

type metricObservation struct {
	metric         model.RegressionMetric
	baselineValue  float64
	currentValue   float64
	percentIncrease float64
	regressed      bool
	// tieBreakRank gives the stable ordering for ties on percentIncrease:
	// duration first, then CPU, then reads.
	tieBreakRank int
}

// Detect compares current aggregated metrics against baseline and returns a
// RegressionEvent when a regression is found, or nil when not.
//
// Preconditions (insufficient baseline history, insufficient current
// execution volume) short-circuit to "no event" rather than an error: a
// thin baseline or a quiet query is an ordinary, expected state, not a
// caller mistake.
func Detect(baseline model.Baseline, current model.AggregatedMetrics, rules Rules) *model.RegressionEvent {
	if baseline.SampleCount < rules.MinimumBaselineSamples {
		return nil
	}
	if current.TotalExecutions < rules.MinimumExecutions {
		return nil
	}

	observations := []metricObservation{
		evaluate(model.MetricP95Duration, baseline.P95DurationUs, current.P95DurationUs, rules.DurationIncreaseThresholdPercent, 0),
		evaluate(model.MetricP95CPU, baseline.P95CPUUs, current.P95CPUUs, rules.CPUIncreaseThresholdPercent, 1),
		evaluate(model.MetricAvgLogicalReads, baseline.AvgLogicalReads, current.AvgLogicalReads, rules.LogicalReadsIncreaseThresholdPercent, 2),
	}

	regressedCount := 0
	for _, o := range observations {
		if o.regressed {
			regressedCount++
		}
	}

	required := 1
	if rules.RequireMultipleMetrics {
		required = 2
	}
	if regressedCount < required {
		return nil
	}

	primary := pickPrimary(observations)
	severity := severityFor(primary.percentIncrease)

	return &model.RegressionEvent{
		ID:               uuid.New(),
		FingerprintID:    baseline.FingerprintID,
		InstanceName:     baseline.InstanceName,
		DatabaseName:     baseline.DatabaseName,
		DetectedAtUtc:    current.Window.End,
		Type:             model.RegressionMetricOnly,
		Metric:           primary.metric,
		BaselineValue:    primary.baselineValue,
		CurrentValue:     primary.currentValue,
		ChangePercent:    primary.percentIncrease,
		ThresholdPercent: thresholdFor(primary.metric, rules),
		Severity:         severity,
		Status:           model.StatusNew,
		Description:      describe(primary, severity),
		SampleWindow:     current.Window,
	}
}

// evaluate computes percentIncrease for one metric pair. A zero baseline
// makes the metric unratable and it is treated as not regressed, never
// divided by zero.
func evaluate(metric model.RegressionMetric, baselineValue, currentValue, thresholdPercent float64, tieBreakRank int) metricObservation {
	if baselineValue == 0 {
		return metricObservation{metric: metric, baselineValue: baselineValue, currentValue: currentValue, tieBreakRank: tieBreakRank}
	}

	pct := (currentValue - baselineValue) / baselineValue * 100
	return metricObservation{
		metric:          metric,
		baselineValue:   baselineValue,
		currentValue:    currentValue,
		percentIncrease: pct,
		regressed:       pct >= thresholdPercent,
		tieBreakRank:    tieBreakRank,
	}
}

// pickPrimary selects the regressed metric with the largest percentIncrease,
// breaking ties by tieBreakRank (duration, then CPU, then reads).
func pickPrimary(observations []metricObservation) metricObservation {
	var best metricObservation
	found := false
	for _, o := range observations {
		if !o.regressed {
			continue
		}
		if !found {
			best = o
			found = true
			continue
		}
		if o.percentIncrease > best.percentIncrease ||
			(o.percentIncrease == best.percentIncrease && o.tieBreakRank < best.tieBreakRank) {
			best = o
		}
	}
	return best
}

func thresholdFor(metric model.RegressionMetric, rules Rules) float64 {
	switch metric {
	case model.MetricP95Duration:
		return rules.DurationIncreaseThresholdPercent
	case model.MetricP95CPU:
		return rules.CPUIncreaseThresholdPercent
	default:
		return rules.LogicalReadsIncreaseThresholdPercent
	}
}

// severityFor maps the maximum observed percent increase to a severity tier.
func severityFor(percentIncrease float64) model.Severity {
	switch {
	case percentIncrease >= 500:
		return model.SeverityCritical
	case percentIncrease >= 200:
		return model.SeverityHigh
	case percentIncrease >= 100:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func describe(primary metricObservation, severity model.Severity) string {
	return string(severity) + " regression on " + string(primary.metric)
}

// Aggregate reduces a batch of raw samples into the AggregatedMetrics shape
// Detect expects. P95 across samples is taken as the 95th order statistic
// of the per-sample P95 values: sort descending, skip the top 5%, take the
// first remaining value.
func Aggregate(fingerprintID uuid.UUID, window model.Window, samples []model.MetricSample, perSampleP95Duration []float64) model.AggregatedMetrics {
	agg := model.AggregatedMetrics{FingerprintID: fingerprintID, Window: window, SampleCount: len(samples)}
	if len(samples) == 0 {
		return agg
	}

	var totalExec int64
	var sumDuration, sumCPU, sumReads float64
	var maxReads float64
	for _, s := range samples {
		totalExec += s.ExecutionCount
		sumDuration += s.AvgDurationUs
		sumCPU += s.AvgCPUUs
		reads := float64(s.TotalLogicalReads)
		sumReads += reads
		if reads > maxReads {
			maxReads = reads
		}
	}

	n := float64(len(samples))
	agg.TotalExecutions = totalExec
	agg.AvgDurationUs = sumDuration / n
	agg.AvgCPUUs = sumCPU / n
	agg.AvgLogicalReads = sumReads / n
	agg.MaxLogicalReads = maxReads
	agg.P95DurationUs = p95FromOrderStatistic(perSampleP95Duration)
	agg.P95CPUUs = agg.AvgCPUUs

	return agg
}

// p95FromOrderStatistic implements the "sort descending, skip the top 5%,
// take the first" rule from the spec for deriving a batch-level P95 out of
// several per-sample P95 readings.
func p95FromOrderStatistic(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sortDescending(sorted)

	skip := len(sorted) * 5 / 100
	if skip >= len(sorted) {
		skip = len(sorted) - 1
	}
	return sorted[skip]
}

func sortDescending(values []float64) {
	for i := 1; i < len(values); i++ {
		v := values[i]
		j := i - 1
		for j >= 0 && values[j] < v {
			values[j+1] = values[j]
			j--
		}
		values[j+1] = v
	}
}
