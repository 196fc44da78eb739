// Package hotspot ranks the current top resource consumers in a window,
// independent of any baseline. Like regression, it is a pure function over
// data the caller has already fetched.
package hotspot

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/dbwatch/queryguard/internal/model"
)

// ErrNilInput is returned when Detect is given a nil samples slice, as
// distinct from an empty one (which is a valid "nothing happened" result).
var ErrNilInput = errors.New("hotspot: samples must not be nil")

// RankingMetric selects which field Detect sorts by.
type RankingMetric string

const (
	RankByTotalCPUTime     RankingMetric = "totalCpuTime"
	RankByTotalDuration    RankingMetric = "totalDuration"
	RankByTotalLogicalRead RankingMetric = "totalLogicalReads"
	RankByAvgDuration      RankingMetric = "avgDuration"
	RankByExecutionCount   RankingMetric = "executionCount"
)

// Rules parameterizes filtering, ranking and truncation.
type Rules struct {
	MinTotalCPUMs              float64
	MinTotalDurationMs         float64
	MinExecutionCount          int64
	MinAvgDurationMs           float64
	IncludeQueriesWithRegressions bool
	RankingMetric              RankingMetric
	TopN                       int
}

// Sample is the per-fingerprint execution summary Detect ranks.
type Sample struct {
	FingerprintID       uuid.UUID
	InstanceName        string
	DatabaseName        string
	TotalCPUMs          float64
	TotalDurationMs     float64
	AvgDurationMs       float64
	ExecutionCount      int64
	TotalLogicalReads   int64
	HasActiveRegression bool
	Window              model.Window
}

func (s Sample) rankingValue(metric RankingMetric) float64 {
	switch metric {
	case RankByTotalCPUTime:
		return s.TotalCPUMs
	case RankByTotalDuration:
		return s.TotalDurationMs
	case RankByTotalLogicalRead:
		return float64(s.TotalLogicalReads)
	case RankByAvgDuration:
		return s.AvgDurationMs
	case RankByExecutionCount:
		return float64(s.ExecutionCount)
	default:
		return s.TotalCPUMs
	}
}

func (s Sample) passesFilters(rules Rules) bool {
	if s.TotalCPUMs < rules.MinTotalCPUMs {
		return false
	}
	if s.TotalDurationMs < rules.MinTotalDurationMs {
		return false
	}
	if s.ExecutionCount < rules.MinExecutionCount {
		return false
	}
	if s.AvgDurationMs < rules.MinAvgDurationMs {
		return false
	}
	if !rules.IncludeQueriesWithRegressions && s.HasActiveRegression {
		return false
	}
	return true
}

// Detect filters, ranks and truncates samples into a stable, ordered list
// of Hotspots. A nil slice is an error; an empty slice (or one where
// nothing survives filtering) yields an empty result.
func Detect(samples []Sample, rules Rules) ([]model.Hotspot, error) {
	if samples == nil {
		return nil, ErrNilInput
	}

	survivors := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.passesFilters(rules) {
			survivors = append(survivors, s)
		}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].rankingValue(rules.RankingMetric) > survivors[j].rankingValue(rules.RankingMetric)
	})

	topN := rules.TopN
	if topN <= 0 || topN > len(survivors) {
		topN = len(survivors)
	}
	survivors = survivors[:topN]

	var total float64
	for _, s := range survivors {
		total += s.rankingValue(rules.RankingMetric)
	}

	result := make([]model.Hotspot, 0, len(survivors))
	for i, s := range survivors {
		value := s.rankingValue(rules.RankingMetric)
		percent := 0.0
		if total > 0 {
			percent = 100 * value / total
		}
		result = append(result, model.Hotspot{
			FingerprintID:       s.FingerprintID,
			InstanceName:        s.InstanceName,
			DatabaseName:        s.DatabaseName,
			Rank:                i + 1,
			RankingMetric:       string(rules.RankingMetric),
			RankingValue:        value,
			ExecutionCount:      s.ExecutionCount,
			TotalCPUMs:          s.TotalCPUMs,
			TotalDurationMs:     s.TotalDurationMs,
			AvgDurationMs:       s.AvgDurationMs,
			TotalLogicalReads:   s.TotalLogicalReads,
			PercentOfTotal:      percent,
			HasActiveRegression: s.HasActiveRegression,
			Window:              s.Window,
		})
	}

	return result, nil
}
