package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbwatch/queryguard/internal/model"
)

// Memory is an in-process MetricsStore for unit and integration tests. All
// state lives behind a single mutex, following the collector's
// indexed-map-under-lock pattern for per-entity tracking state.
type Memory struct {
	mu sync.Mutex

	fingerprintsByID   map[uuid.UUID]model.Fingerprint
	fingerprintsByHash map[fingerprintKey]uuid.UUID
	samples            []model.MetricSample
	snapshots          map[model.SnapshotKey]model.CumulativeSnapshot
	baselines          []model.Baseline
	regressions        []model.RegressionEvent
	audits             []model.RemediationAudit
}

type fingerprintKey struct {
	hash     [8]byte
	database string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		fingerprintsByID:   make(map[uuid.UUID]model.Fingerprint),
		fingerprintsByHash: make(map[fingerprintKey]uuid.UUID),
		snapshots:          make(map[model.SnapshotKey]model.CumulativeSnapshot),
	}
}

func (m *Memory) GetOrCreateFingerprint(_ context.Context, hash [8]byte, sampleText, normalizedText, instanceName, databaseName string, seenAt time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fingerprintKey{hash: hash, database: databaseName}
	if id, ok := m.fingerprintsByHash[key]; ok {
		fp := m.fingerprintsByID[id]
		if seenAt.After(fp.LastSeenUtc) {
			fp.LastSeenUtc = seenAt
			m.fingerprintsByID[id] = fp
		}
		return id, nil
	}

	fp := model.Fingerprint{
		ID:             uuid.New(),
		Hash:           hash,
		SampleText:     sampleText,
		NormalizedText: normalizedText,
		InstanceName:   instanceName,
		DatabaseName:   databaseName,
		FirstSeenUtc:   seenAt,
		LastSeenUtc:    seenAt,
	}
	m.fingerprintsByID[fp.ID] = fp
	m.fingerprintsByHash[key] = fp.ID
	return fp.ID, nil
}

func (m *Memory) GetFingerprintByID(_ context.Context, id uuid.UUID) (*model.Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.fingerprintsByID[id]
	if !ok {
		return nil, nil
	}
	return &fp, nil
}

func (m *Memory) GetFingerprintsByDatabase(_ context.Context, instanceName, databaseName string) ([]model.Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Fingerprint
	for _, fp := range m.fingerprintsByID {
		if fp.InstanceName == instanceName && fp.DatabaseName == databaseName {
			result = append(result, fp)
		}
	}
	return result, nil
}

func (m *Memory) UpdateLastSeen(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.fingerprintsByID[id]
	if !ok {
		return nil
	}
	if seenAt.After(fp.LastSeenUtc) {
		fp.LastSeenUtc = seenAt
		m.fingerprintsByID[id] = fp
	}
	return nil
}

func (m *Memory) SaveSampleBatch(_ context.Context, _ string, samples []model.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *Memory) GetSamplesForFingerprint(_ context.Context, id uuid.UUID, window model.Window) ([]model.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.MetricSample
	for _, s := range m.samples {
		if s.FingerprintID == id && !s.SampledAtUtc.Before(window.Start) && s.SampledAtUtc.Before(window.End) {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *Memory) GetLatestPerFingerprint(_ context.Context, databaseName string, window model.Window, topN int) ([]model.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[uuid.UUID]model.MetricSample)
	for _, s := range m.samples {
		if s.DatabaseName != databaseName || s.SampledAtUtc.Before(window.Start) || !s.SampledAtUtc.Before(window.End) {
			continue
		}
		if cur, ok := latest[s.FingerprintID]; !ok || s.SampledAtUtc.After(cur.SampledAtUtc) {
			latest[s.FingerprintID] = s
		}
	}

	result := make([]model.MetricSample, 0, len(latest))
	for _, s := range latest {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TotalCPUUs > result[j].TotalCPUUs })
	if topN > 0 && topN < len(result) {
		result = result[:topN]
	}
	return result, nil
}

func (m *Memory) AggregateSamples(_ context.Context, id uuid.UUID, window model.Window) (model.AggregatedMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := model.AggregatedMetrics{FingerprintID: id, Window: window}
	var durations []float64
	var sumDuration, sumCPU, sumReads, maxReads float64

	for _, s := range m.samples {
		if s.FingerprintID != id || s.SampledAtUtc.Before(window.Start) || !s.SampledAtUtc.Before(window.End) {
			continue
		}
		agg.SampleCount++
		agg.TotalExecutions += s.ExecutionCount
		durations = append(durations, s.AvgDurationUs)
		sumDuration += s.AvgDurationUs
		sumCPU += s.AvgCPUUs
		reads := float64(s.TotalLogicalReads)
		sumReads += reads
		if reads > maxReads {
			maxReads = reads
		}
	}

	if agg.SampleCount == 0 {
		return agg, nil
	}

	n := float64(agg.SampleCount)
	agg.AvgDurationUs = sumDuration / n
	agg.AvgCPUUs = sumCPU / n
	agg.AvgLogicalReads = sumReads / n
	agg.MaxLogicalReads = maxReads
	sort.Float64s(durations)
	agg.P50DurationUs = percentile(durations, 0.5)
	agg.P95DurationUs = percentile(durations, 0.95)
	agg.P99DurationUs = percentile(durations, 0.99)
	agg.P95CPUUs = agg.AvgCPUUs
	agg.HasP50FromStore = true
	return agg, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func (m *Memory) PurgeSamplesOlderThan(_ context.Context, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var purged int64
	for _, s := range m.samples {
		if s.SampledAtUtc.Before(ts) {
			purged++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return purged, nil
}

func (m *Memory) GetLast(_ context.Context, key model.SnapshotKey) (*model.CumulativeSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[key]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *Memory) Upsert(_ context.Context, snapshot model.CumulativeSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.Key()] = snapshot
	return nil
}

func (m *Memory) PurgeStale(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for k, v := range m.snapshots {
		if v.SnapshotTimeUtc.Before(olderThan) {
			delete(m.snapshots, k)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) GetActiveBaseline(_ context.Context, fingerprintID uuid.UUID) (*model.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.baselines {
		if b.FingerprintID == fingerprintID && b.IsActive {
			bc := b
			return &bc, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveBaseline(_ context.Context, b model.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines = append(m.baselines, b)
	return nil
}

func (m *Memory) SupersedeActiveBaseline(_ context.Context, fingerprintID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeActiveBaselineLocked(fingerprintID)
	return nil
}

func (m *Memory) supersedeActiveBaselineLocked(fingerprintID uuid.UUID) {
	for i, b := range m.baselines {
		if b.FingerprintID == fingerprintID && b.IsActive {
			m.baselines[i].IsActive = false
		}
	}
}

// SupersedeAndSaveBaseline performs the supersede-then-insert pair under a
// single lock acquisition, mirroring the Postgres store's transaction.
func (m *Memory) SupersedeAndSaveBaseline(_ context.Context, b model.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeActiveBaselineLocked(b.FingerprintID)
	m.baselines = append(m.baselines, b)
	return nil
}

func (m *Memory) SaveRegression(_ context.Context, e model.RegressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regressions = append(m.regressions, e)
	return nil
}

func (m *Memory) UpdateRegression(_ context.Context, e model.RegressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regressions {
		if r.ID == e.ID {
			m.regressions[i] = e
			return nil
		}
	}
	return nil
}

func (m *Memory) GetActiveRegressionByFingerprint(_ context.Context, fingerprintID uuid.UUID) (*model.RegressionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regressions {
		if r.FingerprintID == fingerprintID && r.Status.IsActive() {
			rc := r
			return &rc, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetActiveRegressions(_ context.Context) ([]model.RegressionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.RegressionEvent
	for _, r := range m.regressions {
		if r.Status.IsActive() {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) GetRecentRegressions(_ context.Context, window model.Window) ([]model.RegressionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.RegressionEvent
	for _, r := range m.regressions {
		if !r.DetectedAtUtc.Before(window.Start) && r.DetectedAtUtc.Before(window.End) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) PurgeRegressionsOlderThan(_ context.Context, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.regressions[:0]
	var purged int64
	for _, r := range m.regressions {
		if r.DetectedAtUtc.Before(ts) && !r.Status.IsActive() {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.regressions = kept
	return purged, nil
}

func (m *Memory) SaveAudit(_ context.Context, r model.RemediationAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, r)
	return nil
}

func (m *Memory) GetRecentAudits(_ context.Context, instanceName string, lookback time.Duration) ([]model.RemediationAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	since := time.Now().UTC().Add(-lookback)
	var result []model.RemediationAudit
	for _, a := range m.audits {
		if a.InstanceName == instanceName && !a.Timestamp.Before(since) {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *Memory) GetAuditSummary(_ context.Context, from, to time.Time) (RemediationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := RemediationSummary{From: from, To: to}
	for _, a := range m.audits {
		if a.Timestamp.Before(from) || !a.Timestamp.Before(to) {
			continue
		}
		sum.TotalAttempts++
		switch {
		case a.IsDryRun:
			sum.DryRuns++
		case a.Success:
			sum.SuccessfulApplies++
		default:
			sum.Denied++
		}
	}
	return sum, nil
}

func (m *Memory) CountSuccessfulApplies(_ context.Context, instanceName string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.audits {
		if a.InstanceName == instanceName && a.Success && !a.IsDryRun && !a.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

var _ MetricsStore = (*Memory)(nil)
