// Package store defines the persistence contract the analytical engine
// depends on and provides a Postgres-backed implementation plus an
// in-memory one for tests. The core never assumes a particular physical
// schema beyond what these interfaces require.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dbwatch/queryguard/internal/model"
)

// FingerprintStore persists Fingerprint identity records.
type FingerprintStore interface {
	GetOrCreateFingerprint(ctx context.Context, hash [8]byte, sampleText, normalizedText, instanceName, databaseName string, seenAt time.Time) (uuid.UUID, error)
	GetFingerprintByID(ctx context.Context, id uuid.UUID) (*model.Fingerprint, error)
	GetFingerprintsByDatabase(ctx context.Context, instanceName, databaseName string) ([]model.Fingerprint, error)
	UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error
}

// SampleStore persists and aggregates per-cycle MetricSample records.
type SampleStore interface {
	SaveSampleBatch(ctx context.Context, instanceName string, samples []model.MetricSample) error
	GetSamplesForFingerprint(ctx context.Context, id uuid.UUID, window model.Window) ([]model.MetricSample, error)
	GetLatestPerFingerprint(ctx context.Context, databaseName string, window model.Window, topN int) ([]model.MetricSample, error)
	AggregateSamples(ctx context.Context, id uuid.UUID, window model.Window) (model.AggregatedMetrics, error)
	PurgeSamplesOlderThan(ctx context.Context, ts time.Time) (int64, error)
}

// SnapshotStore persists the last-seen cumulative counters DeltaComputer
// diffs against. It mirrors delta.SnapshotStore so a *Postgres or *Memory
// value here can be handed directly to delta.New.
type SnapshotStore interface {
	GetLast(ctx context.Context, key model.SnapshotKey) (*model.CumulativeSnapshot, error)
	Upsert(ctx context.Context, snapshot model.CumulativeSnapshot) error
	PurgeStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// BaselineStore persists rolling statistical baselines, enforcing "at most
// one active baseline per fingerprint" at the storage layer.
type BaselineStore interface {
	GetActiveBaseline(ctx context.Context, fingerprintID uuid.UUID) (*model.Baseline, error)
	SaveBaseline(ctx context.Context, baseline model.Baseline) error
	SupersedeActiveBaseline(ctx context.Context, fingerprintID uuid.UUID) error
	// SupersedeAndSaveBaseline marks any existing active baseline for
	// baseline.FingerprintID inactive and inserts baseline as the new active
	// one, both within a single transaction, so a reader never observes
	// either zero or two active baselines for the same fingerprint.
	SupersedeAndSaveBaseline(ctx context.Context, baseline model.Baseline) error
}

// RegressionStore persists detected regressions and their lifecycle.
type RegressionStore interface {
	SaveRegression(ctx context.Context, event model.RegressionEvent) error
	UpdateRegression(ctx context.Context, event model.RegressionEvent) error
	GetActiveRegressionByFingerprint(ctx context.Context, fingerprintID uuid.UUID) (*model.RegressionEvent, error)
	GetActiveRegressions(ctx context.Context) ([]model.RegressionEvent, error)
	GetRecentRegressions(ctx context.Context, window model.Window) ([]model.RegressionEvent, error)
	PurgeRegressionsOlderThan(ctx context.Context, ts time.Time) (int64, error)
}

// RemediationSummary aggregates audit records for the daily summary. The
// RemediationGuard's hourly rate limit uses CountSuccessfulApplies instead.
type RemediationSummary struct {
	From              time.Time
	To                time.Time
	TotalAttempts     int
	SuccessfulApplies int
	DryRuns           int
	Denied            int
}

// RemediationAuditStore persists the append-only remediation audit trail.
type RemediationAuditStore interface {
	SaveAudit(ctx context.Context, record model.RemediationAudit) error
	GetRecentAudits(ctx context.Context, instanceName string, lookback time.Duration) ([]model.RemediationAudit, error)
	GetAuditSummary(ctx context.Context, from, to time.Time) (RemediationSummary, error)
	CountSuccessfulApplies(ctx context.Context, instanceName string, since time.Time) (int, error)
}

// MetricsStore is the full persistence contract (C3) the orchestrators are
// built against. Nothing outside this package should reference a concrete
// implementation type.
type MetricsStore interface {
	FingerprintStore
	SampleStore
	SnapshotStore
	BaselineStore
	RegressionStore
	RemediationAuditStore
}
