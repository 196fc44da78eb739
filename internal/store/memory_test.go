package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbwatch/queryguard/internal/model"
)

func TestMemory_SnapshotRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fpID := uuid.New()

	snap := model.CumulativeSnapshot{InstanceName: "i1", DatabaseName: "d1", FingerprintID: fpID, ExecutionCount: 42, SnapshotTimeUtc: time.Now().UTC()}
	require.NoError(t, m.Upsert(ctx, snap))

	got, err := m.GetLast(ctx, snap.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.ExecutionCount)
}

func TestMemory_BaselineSupersessionLeavesExactlyOneActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fpID := uuid.New()

	b1 := model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: 10}
	require.NoError(t, m.SaveBaseline(ctx, b1))
	require.NoError(t, m.SupersedeActiveBaseline(ctx, fpID))

	b2 := model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: 20}
	require.NoError(t, m.SaveBaseline(ctx, b2))

	active, err := m.GetActiveBaseline(ctx, fpID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, b2.ID, active.ID)

	// Property 2: exactly one active baseline per fingerprint.
	activeCount := 0
	for _, b := range m.baselines {
		if b.FingerprintID == fpID && b.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestMemory_SupersedeAndSaveBaselineLeavesExactlyOneActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fpID := uuid.New()

	b1 := model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: 10}
	require.NoError(t, m.SupersedeAndSaveBaseline(ctx, b1))

	b2 := model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: 20}
	require.NoError(t, m.SupersedeAndSaveBaseline(ctx, b2))

	active, err := m.GetActiveBaseline(ctx, fpID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, b2.ID, active.ID)

	activeCount := 0
	for _, b := range m.baselines {
		if b.FingerprintID == fpID && b.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestMemory_SupersedeAndSaveBaselineConcurrentCallersLeaveExactlyOneActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fpID := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = m.SupersedeAndSaveBaseline(ctx, model.Baseline{ID: uuid.New(), FingerprintID: fpID, IsActive: true, SampleCount: i})
		}(i)
	}
	wg.Wait()

	activeCount := 0
	for _, b := range m.baselines {
		if b.FingerprintID == fpID && b.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestMemory_AtMostOneActiveRegressionPerFingerprint(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fpID := uuid.New()

	e1 := model.RegressionEvent{ID: uuid.New(), FingerprintID: fpID, Status: model.StatusNew, DetectedAtUtc: time.Now().UTC()}
	require.NoError(t, m.SaveRegression(ctx, e1))

	active, err := m.GetActiveRegressionByFingerprint(ctx, fpID)
	require.NoError(t, err)
	require.NotNil(t, active)

	e1.Status = model.StatusResolved
	require.NoError(t, m.UpdateRegression(ctx, e1))

	active, err = m.GetActiveRegressionByFingerprint(ctx, fpID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestMemory_FingerprintGetOrCreateIsIdempotentByHashAndDatabase(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	hash := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}

	id1, err := m.GetOrCreateFingerprint(ctx, hash, "SELECT 1", "SELECT #", "i1", "d1", time.Now().UTC())
	require.NoError(t, err)

	id2, err := m.GetOrCreateFingerprint(ctx, hash, "SELECT 1", "SELECT #", "i1", "d1", time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestMemory_CountSuccessfulAppliesExcludesDryRunsAndFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.SaveAudit(ctx, model.RemediationAudit{InstanceName: "i1", Success: true, IsDryRun: false, Timestamp: now}))
	require.NoError(t, m.SaveAudit(ctx, model.RemediationAudit{InstanceName: "i1", Success: true, IsDryRun: true, Timestamp: now}))
	require.NoError(t, m.SaveAudit(ctx, model.RemediationAudit{InstanceName: "i1", Success: false, IsDryRun: false, Timestamp: now}))

	count, err := m.CountSuccessfulApplies(ctx, "i1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
