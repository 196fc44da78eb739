package hotspot

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRules(topN int) Rules {
	return Rules{
		RankingMetric: RankByTotalCPUTime,
		TopN:          topN,
	}
}

// S6 — ranking by total CPU time with three candidates.
func TestDetect_RanksByTotalCPUTimeDescending(t *testing.T) {
	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 5000, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 10000, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 2000, ExecutionCount: 1},
	}

	hotspots, err := Detect(samples, defaultRules(3))
	require.NoError(t, err)
	require.Len(t, hotspots, 3)

	assert.Equal(t, 10000.0, hotspots[0].TotalCPUMs)
	assert.Equal(t, 1, hotspots[0].Rank)
	assert.Equal(t, 5000.0, hotspots[1].TotalCPUMs)
	assert.Equal(t, 2, hotspots[1].Rank)
	assert.Equal(t, 2000.0, hotspots[2].TotalCPUMs)
	assert.Equal(t, 3, hotspots[2].Rank)

	assert.InDelta(t, 58.82, hotspots[0].PercentOfTotal, 0.01)
	assert.InDelta(t, 29.41, hotspots[1].PercentOfTotal, 0.01)
	assert.InDelta(t, 11.76, hotspots[2].PercentOfTotal, 0.01)
}

func TestDetect_TopNTruncatesAfterSorting(t *testing.T) {
	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 1, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 300, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 200, ExecutionCount: 1},
	}

	hotspots, err := Detect(samples, defaultRules(2))
	require.NoError(t, err)
	require.Len(t, hotspots, 2)
	assert.Equal(t, 300.0, hotspots[0].TotalCPUMs)
	assert.Equal(t, 200.0, hotspots[1].TotalCPUMs)
}

func TestDetect_FiltersBelowMinimums(t *testing.T) {
	rules := defaultRules(10)
	rules.MinTotalCPUMs = 100
	rules.MinExecutionCount = 5

	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 50, ExecutionCount: 10},   // fails MinTotalCPUMs
		{FingerprintID: uuid.New(), TotalCPUMs: 500, ExecutionCount: 1},   // fails MinExecutionCount
		{FingerprintID: uuid.New(), TotalCPUMs: 500, ExecutionCount: 10},  // survives
	}

	hotspots, err := Detect(samples, rules)
	require.NoError(t, err)
	require.Len(t, hotspots, 1)
	assert.Equal(t, 500.0, hotspots[0].TotalCPUMs)
}

func TestDetect_ExcludesActiveRegressionsByDefault(t *testing.T) {
	rules := defaultRules(10)
	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 1000, ExecutionCount: 1, HasActiveRegression: true},
		{FingerprintID: uuid.New(), TotalCPUMs: 500, ExecutionCount: 1},
	}

	hotspots, err := Detect(samples, rules)
	require.NoError(t, err)
	require.Len(t, hotspots, 1)
	assert.Equal(t, 500.0, hotspots[0].TotalCPUMs)
}

func TestDetect_IncludesActiveRegressionsWhenConfigured(t *testing.T) {
	rules := defaultRules(10)
	rules.IncludeQueriesWithRegressions = true
	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 1000, ExecutionCount: 1, HasActiveRegression: true},
		{FingerprintID: uuid.New(), TotalCPUMs: 500, ExecutionCount: 1},
	}

	hotspots, err := Detect(samples, rules)
	require.NoError(t, err)
	require.Len(t, hotspots, 2)
}

func TestDetect_RejectsNilSamples(t *testing.T) {
	_, err := Detect(nil, defaultRules(10))
	assert.ErrorIs(t, err, ErrNilInput)
}

func TestDetect_EmptySamplesYieldsEmptyResult(t *testing.T) {
	hotspots, err := Detect([]Sample{}, defaultRules(10))
	require.NoError(t, err)
	assert.Empty(t, hotspots)
}

// Property 7: output length never exceeds topN and remains sorted
// descending by the ranking metric after filtering.
func TestDetect_OutputBoundedAndSortedDescending(t *testing.T) {
	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 30, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 10, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 80, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 50, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 5, ExecutionCount: 1},
	}

	hotspots, err := Detect(samples, defaultRules(3))
	require.NoError(t, err)
	require.LessOrEqual(t, len(hotspots), 3)

	for i := 1; i < len(hotspots); i++ {
		assert.GreaterOrEqual(t, hotspots[i-1].RankingValue, hotspots[i].RankingValue)
		assert.Equal(t, i, hotspots[i-1].Rank)
	}
}

func TestDetect_RankingMetricSelectsDifferentField(t *testing.T) {
	rules := defaultRules(10)
	rules.RankingMetric = RankByExecutionCount

	samples := []Sample{
		{FingerprintID: uuid.New(), TotalCPUMs: 1000, ExecutionCount: 1},
		{FingerprintID: uuid.New(), TotalCPUMs: 1, ExecutionCount: 999},
	}

	hotspots, err := Detect(samples, rules)
	require.NoError(t, err)
	require.Len(t, hotspots, 2)
	assert.Equal(t, int64(999), hotspots[0].ExecutionCount)
}
