package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/hotspot"
	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/regression"
	"github.com/dbwatch/queryguard/internal/store"
)

func defaultAnalysisRules() Rules {
	return Rules{
		RecentWindow:  time.Hour,
		HotspotWindow: time.Hour,
		RegressionRules: regression.Rules{
			DurationIncreaseThresholdPercent: 50,
			MinimumBaselineSamples:           10,
			MinimumExecutions:                5,
		},
		HotspotRules: hotspot.Rules{
			RankingMetric: hotspot.RankByTotalCPUTime,
			TopN:          5,
		},
	}
}

func TestRunCycle_DetectsAndPersistsRegression(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	fpID, err := mem.GetOrCreateFingerprint(ctx, [8]byte{1}, "SELECT 1", "SELECT #", "inst1", "db1", now)
	require.NoError(t, err)

	require.NoError(t, mem.SaveBaseline(ctx, model.Baseline{
		ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: 15, P95DurationUs: 1000,
	}))

	require.NoError(t, mem.SaveSampleBatch(ctx, "inst1", []model.MetricSample{{
		FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1",
		SampledAtUtc: now.Add(-time.Minute), ExecutionCount: 10, AvgDurationUs: 2000,
	}}))

	o := New(mem, zap.NewNop())
	results := o.RunCycle(ctx, []DatabaseTarget{{InstanceName: "inst1", DatabaseName: "db1"}}, defaultAnalysisRules(), now)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].RegressionsFound, 1)
	assert.Equal(t, model.SeverityMedium, results[0].RegressionsFound[0].Severity)
}

func TestRunCycle_SkipsFingerprintWithNoActiveBaseline(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := mem.GetOrCreateFingerprint(ctx, [8]byte{2}, "SELECT 2", "SELECT #", "inst1", "db1", now)
	require.NoError(t, err)

	o := New(mem, zap.NewNop())
	results := o.RunCycle(ctx, []DatabaseTarget{{InstanceName: "inst1", DatabaseName: "db1"}}, defaultAnalysisRules(), now)

	require.Len(t, results, 1)
	assert.Empty(t, results[0].RegressionsFound)
}

func TestRunCycle_DoesNotDuplicateActiveRegression(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	fpID, err := mem.GetOrCreateFingerprint(ctx, [8]byte{3}, "SELECT 3", "SELECT #", "inst1", "db1", now)
	require.NoError(t, err)

	require.NoError(t, mem.SaveBaseline(ctx, model.Baseline{
		ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: 15, P95DurationUs: 1000,
	}))
	require.NoError(t, mem.SaveRegression(ctx, model.RegressionEvent{
		ID: uuid.New(), FingerprintID: fpID, Status: model.StatusNew, DetectedAtUtc: now,
	}))
	require.NoError(t, mem.SaveSampleBatch(ctx, "inst1", []model.MetricSample{{
		FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1",
		SampledAtUtc: now.Add(-time.Minute), ExecutionCount: 10, AvgDurationUs: 2000,
	}}))

	o := New(mem, zap.NewNop())
	results := o.RunCycle(ctx, []DatabaseTarget{{InstanceName: "inst1", DatabaseName: "db1"}}, defaultAnalysisRules(), now)

	require.Len(t, results, 1)
	assert.Empty(t, results[0].RegressionsFound)
}

func TestCheckAutoResolutions_ResolvesWhenWithinTolerance(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	fpID := uuid.New()

	require.NoError(t, mem.SaveBaseline(ctx, model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, P95DurationUs: 1000}))
	eventID := uuid.New()
	require.NoError(t, mem.SaveRegression(ctx, model.RegressionEvent{ID: eventID, FingerprintID: fpID, Status: model.StatusNew, DetectedAtUtc: now}))
	require.NoError(t, mem.SaveSampleBatch(ctx, "inst1", []model.MetricSample{{
		FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1",
		SampledAtUtc: now.Add(-time.Minute), ExecutionCount: 10, AvgDurationUs: 1100,
	}}))

	o := New(mem, zap.NewNop())
	resolved, errs := o.CheckAutoResolutions(ctx, time.Hour, now)
	assert.Empty(t, errs)
	assert.Equal(t, 1, resolved)

	active, err := mem.GetActiveRegressionByFingerprint(ctx, fpID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestCheckAutoResolutions_LeavesRegressionActiveWhenStillDegraded(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	fpID := uuid.New()

	require.NoError(t, mem.SaveBaseline(ctx, model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, P95DurationUs: 1000}))
	require.NoError(t, mem.SaveRegression(ctx, model.RegressionEvent{ID: uuid.New(), FingerprintID: fpID, Status: model.StatusNew, DetectedAtUtc: now}))
	require.NoError(t, mem.SaveSampleBatch(ctx, "inst1", []model.MetricSample{{
		FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1",
		SampledAtUtc: now.Add(-time.Minute), ExecutionCount: 10, AvgDurationUs: 3000,
	}}))

	o := New(mem, zap.NewNop())
	resolved, errs := o.CheckAutoResolutions(ctx, time.Hour, now)
	assert.Empty(t, errs)
	assert.Equal(t, 0, resolved)
}
