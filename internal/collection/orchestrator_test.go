package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/delta"
	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/statsprovider"
	"github.com/dbwatch/queryguard/internal/store"
)

type fakeProvider struct {
	stats []statsprovider.RawQueryStats
	err   error
}

func (f *fakeProvider) GetTopQueries(ctx context.Context, instanceName, databaseName string, topN int, window model.Window, orderBy statsprovider.OrderBy) ([]statsprovider.RawQueryStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func (f *fakeProvider) IsQueryStoreEnabled(ctx context.Context, instanceName, databaseName string) (bool, error) {
	return false, nil
}

func defaultRules() Rules {
	return Rules{
		TopN:                   10,
		LookbackWindow:         time.Hour,
		MinimumExecutionCount:  1,
		MaxInstanceParallelism: 2,
		MaxDatabaseParallelism: 2,
		OrderBy:                statsprovider.OrderByCPU,
	}
}

func newOrchestrator(t *testing.T) (*Orchestrator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	computer := delta.New(mem, delta.SkipEmission)
	return New(mem, computer, zap.NewNop()), mem
}

func TestRunCycle_PersistsSamplesOnSecondCycle(t *testing.T) {
	o, mem := newOrchestrator(t)
	provider := &fakeProvider{stats: []statsprovider.RawQueryStats{
		{SQLText: "SELECT * FROM orders WHERE id = 1", ExecutionCount: 100, TotalCPUUs: 5000},
	}}
	target := InstanceTarget{Name: "inst1", Provider: provider, Databases: []string{"db1"}}

	first := o.RunCycle(context.Background(), []InstanceTarget{target}, defaultRules())
	require.False(t, first.HasErrors())
	require.Len(t, first.Databases, 1)
	assert.Equal(t, 0, first.Databases[0].SamplesEmitted) // first sighting, SkipEmission

	provider.stats[0].ExecutionCount = 150
	provider.stats[0].TotalCPUUs = 8000

	second := o.RunCycle(context.Background(), []InstanceTarget{target}, defaultRules())
	require.False(t, second.HasErrors())
	require.Len(t, second.Databases, 1)
	assert.Equal(t, 1, second.Databases[0].SamplesEmitted)

	_ = mem
}

func TestRunCycle_MinimumExecutionCountFiltersLowVolumeQueries(t *testing.T) {
	o, mem := newOrchestrator(t)
	provider := &fakeProvider{stats: []statsprovider.RawQueryStats{
		{SQLText: "SELECT 1", ExecutionCount: 1},
		{SQLText: "SELECT 2", ExecutionCount: 50},
	}}
	target := InstanceTarget{Name: "inst1", Provider: provider, Databases: []string{"db1"}}

	rules := defaultRules()
	rules.MinimumExecutionCount = 10

	result := o.RunCycle(context.Background(), []InstanceTarget{target}, rules)
	require.False(t, result.HasErrors())
	require.Len(t, result.Databases, 1)
	assert.Equal(t, 2, result.Databases[0].QueriesFetched)

	// Only the 50-execution query passes the floor and gets fingerprinted.
	fps, err := mem.GetFingerprintsByDatabase(context.Background(), "inst1", "db1")
	require.NoError(t, err)
	assert.Len(t, fps, 1)
}

func TestRunCycle_OneDatabaseFailureDoesNotAbortOthers(t *testing.T) {
	o, _ := newOrchestrator(t)
	goodProvider := &fakeProvider{stats: []statsprovider.RawQueryStats{
		{SQLText: "SELECT * FROM good", ExecutionCount: 5},
	}}
	badProvider := &fakeProvider{err: errors.New("connection reset")}

	targets := []InstanceTarget{
		{Name: "inst1", Provider: goodProvider, Databases: []string{"good_db"}},
		{Name: "inst2", Provider: badProvider, Databases: []string{"bad_db"}},
	}

	result := o.RunCycle(context.Background(), targets, defaultRules())
	require.True(t, result.HasErrors())
	require.Len(t, result.Databases, 2)

	var sawGood, sawBad bool
	for _, d := range result.Databases {
		if d.DatabaseName == "good_db" {
			sawGood = true
			assert.NoError(t, d.Err)
		}
		if d.DatabaseName == "bad_db" {
			sawBad = true
			assert.Error(t, d.Err)
		}
	}
	assert.True(t, sawGood)
	assert.True(t, sawBad)
}

func TestRunCycle_EmptyTargetsYieldsEmptyResult(t *testing.T) {
	o, _ := newOrchestrator(t)
	result := o.RunCycle(context.Background(), nil, defaultRules())
	assert.False(t, result.HasErrors())
	assert.Empty(t, result.Databases)
}
