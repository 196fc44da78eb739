// Package model holds the shared data types that flow between the
// collection, analysis, remediation and alerting subsystems.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RegressionType classifies how a regression was detected.
type RegressionType string

const (
	RegressionMetricOnly             RegressionType = "metricOnly"
	RegressionPlanChange             RegressionType = "planChange"
	RegressionPlanChangeWithMetric   RegressionType = "planChangeWithRegression"
)

// RegressionMetric names the metric that triggered a regression.
type RegressionMetric string

const (
	MetricP95Duration     RegressionMetric = "p95Duration"
	MetricP95CPU          RegressionMetric = "p95Cpu"
	MetricAvgLogicalReads RegressionMetric = "avgLogicalReads"
)

// Severity ranks how bad a detected regression is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// RegressionStatus is the lifecycle state of a RegressionEvent.
type RegressionStatus string

const (
	StatusNew          RegressionStatus = "new"
	StatusAcknowledged RegressionStatus = "acknowledged"
	StatusResolved     RegressionStatus = "resolved"
	StatusAutoResolved RegressionStatus = "autoResolved"
	StatusDismissed    RegressionStatus = "dismissed"
)

// IsActive reports whether a regression in this status still counts as the
// single active regression for its fingerprint.
func (s RegressionStatus) IsActive() bool {
	return s == StatusNew || s == StatusAcknowledged
}

// Fingerprint is the identity of "the same query modulo literals".
type Fingerprint struct {
	ID               uuid.UUID
	Hash             [8]byte
	SampleText       string
	NormalizedText   string
	InstanceName     string
	DatabaseName     string
	FirstSeenUtc     time.Time
	LastSeenUtc      time.Time
	IsFromServerHash bool
}

// Window is an inclusive/exclusive UTC time range; End must not precede Start.
type Window struct {
	Start time.Time
	End   time.Time
}

// CumulativeSnapshot is the last-seen cumulative counters for a query on an
// instance/database, used to derive per-cycle deltas.
type CumulativeSnapshot struct {
	InstanceName      string
	DatabaseName      string
	FingerprintID     uuid.UUID
	PlanHash          *string
	ExecutionCount    int64
	TotalCPUUs        int64
	TotalDurationUs   int64
	TotalLogicalReads int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
	SnapshotTimeUtc   time.Time
}

// Key identifies the snapshot's collection key.
func (s CumulativeSnapshot) Key() SnapshotKey {
	plan := ""
	if s.PlanHash != nil {
		plan = *s.PlanHash
	}
	return SnapshotKey{
		InstanceName:  s.InstanceName,
		DatabaseName:  s.DatabaseName,
		FingerprintID: s.FingerprintID,
		PlanHash:      plan,
	}
}

// SnapshotKey is the natural key of a CumulativeSnapshot.
type SnapshotKey struct {
	InstanceName  string
	DatabaseName  string
	FingerprintID uuid.UUID
	PlanHash      string
}

// MemoryGrantStats captures optional memory-grant statistics; absent unless
// NumSamples > 0.
type MemoryGrantStats struct {
	NumSamples       int64
	AvgGrantKB       float64
	AvgUsedGrantKB   float64
}

// MetricSample is one immutable delta record appended during a collection cycle.
type MetricSample struct {
	FingerprintID      uuid.UUID
	InstanceName       string
	DatabaseName       string
	SampledAtUtc       time.Time
	PlanHash           *string
	QueryStoreQueryID  *int64
	QueryStorePlanID   *int64
	ExecutionCount     int64
	TotalCPUUs         int64
	AvgCPUUs           float64
	TotalDurationUs    int64
	AvgDurationUs      float64
	MinDurationUs      int64
	MaxDurationUs      int64
	MinCPUUs           int64
	MaxCPUUs           int64
	TotalLogicalReads  int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
	MemoryGrant        *MemoryGrantStats
	WasReset           bool
}

// AggregatedMetrics summarizes MetricSamples over a window for a fingerprint.
type AggregatedMetrics struct {
	FingerprintID     uuid.UUID
	Window            Window
	SampleCount       int
	TotalExecutions   int64
	P50DurationUs     float64
	P95DurationUs     float64
	P99DurationUs     float64
	AvgDurationUs     float64
	StdDevDurationUs  float64
	AvgCPUUs          float64
	P95CPUUs          float64
	AvgLogicalReads   float64
	MaxLogicalReads   float64
	HasP50FromStore   bool
}

// Baseline is the rolling statistical profile of a fingerprint's normal
// performance.
type Baseline struct {
	ID                uuid.UUID
	FingerprintID     uuid.UUID
	InstanceName      string
	DatabaseName      string
	ComputedAtUtc     time.Time
	Window            Window
	SampleCount       int
	TotalExecutions   int64
	P50DurationUs     float64
	P95DurationUs     float64
	P99DurationUs     float64
	AvgDurationUs     float64
	StdDevDurationUs  float64
	AvgCPUUs          float64
	P95CPUUs          float64
	AvgLogicalReads   float64
	MaxLogicalReads   float64
	ExpectedPlanHash  *string
	IsActive          bool
}

// RegressionEvent is a detected performance degradation.
type RegressionEvent struct {
	ID               uuid.UUID
	FingerprintID    uuid.UUID
	InstanceName     string
	DatabaseName     string
	DetectedAtUtc    time.Time
	Type             RegressionType
	Metric           RegressionMetric
	BaselineValue    float64
	CurrentValue     float64
	ChangePercent    float64
	ThresholdPercent float64
	Severity         Severity
	OldPlanHash      *string
	NewPlanHash      *string
	Status           RegressionStatus
	Description      string
	SampleWindow     Window
}

// Hotspot is a transient, ranked resource-consumer; not persisted.
type Hotspot struct {
	FingerprintID       uuid.UUID
	InstanceName        string
	DatabaseName        string
	Rank                int
	RankingMetric       string
	RankingValue        float64
	ExecutionCount      int64
	TotalCPUMs          float64
	TotalDurationMs     float64
	AvgDurationMs       float64
	TotalLogicalReads   int64
	PercentOfTotal      float64
	HasActiveRegression bool
	Window              Window
}

// RemediationType enumerates the kinds of suggestion/action the advisor can
// produce and the guard can gate.
type RemediationType string

const (
	RemediationForcePlan         RemediationType = "forcePlan"
	RemediationUpdateStatistics  RemediationType = "updateStatistics"
	RemediationCreateIndex       RemediationType = "createIndex"
	RemediationClearPlanCache    RemediationType = "clearPlanCache"
	RemediationOther             RemediationType = "other"
)

// RemediationSafety describes how safe it is to apply a suggestion automatically.
type RemediationSafety string

const (
	SafetySafe           RemediationSafety = "safe"
	SafetyRequiresReview RemediationSafety = "requiresReview"
	SafetyManualOnly     RemediationSafety = "manualOnly"
)

// RiskLevel orders remediation risk for comparison against policy thresholds.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Compare returns -1, 0 or 1 as r is less than, equal to, or greater than other.
func (r RiskLevel) Compare(other RiskLevel) int {
	a, b := riskRank[r], riskRank[other]
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// RemediationSuggestion is a proposed corrective action; data only, never executed
// by the component that produces it.
type RemediationSuggestion struct {
	ID          uuid.UUID
	Type        RemediationType
	Title       string
	Description string
	Script      *string
	Safety      RemediationSafety
	Confidence  float64
	Priority    int
	RiskLevel   RiskLevel
}

// RemediationAudit is an append-only record of an attempted (or denied) write action.
type RemediationAudit struct {
	ID              uuid.UUID
	Timestamp       time.Time
	InstanceName    string
	DatabaseName    string
	FingerprintID   uuid.UUID
	SuggestionID    *uuid.UUID
	Type            RemediationType
	SQLStatement    string
	IsDryRun        bool
	Success         bool
	ErrorMessage    *string
	SQLErrorNumber  *int
	Duration        time.Duration
	Initiator       string
	MachineName     string
	ServiceVersion  string
}
