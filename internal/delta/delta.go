// Package delta turns cumulative counters read from a SQL Server instance
// into per-cycle deltas, detecting the counter resets that happen whenever
// a cached plan is evicted and re-compiled.
//
// The shape of this component — look up prior state keyed by identity,
// compare against the current reading, and only ever move state forward —
// mirrors the correlator's indexed maps in the collector's querycorrelator
// processor, generalized from an in-pipeline cache to an explicit
// read-then-upsert step against the snapshot store.
package delta

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dbwatch/queryguard/internal/model"
)

// Counters is the cumulative counter reading for one query on one cycle.
type Counters struct {
	ExecutionCount     int64
	TotalCPUUs         int64
	TotalDurationUs    int64
	TotalLogicalReads  int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
}

// SnapshotStore is the narrow slice of the MetricsStore contract the
// DeltaComputer needs: read the last snapshot for a key, and upsert the new one.
type SnapshotStore interface {
	GetLast(ctx context.Context, key model.SnapshotKey) (*model.CumulativeSnapshot, error)
	Upsert(ctx context.Context, snapshot model.CumulativeSnapshot) error
}

// FirstCycleBehavior controls what Compute does when no prior snapshot
// exists for a key. The source this spec is based on left this ambiguous
// (see Open Question 1); this reimplementation pins it down as a documented
// configuration choice rather than a guess.
type FirstCycleBehavior int

const (
	// SkipEmission emits no MetricSample on a query's first-ever sighting;
	// only the snapshot is recorded. This is the default: a single reading
	// has no "period" to report a delta over.
	SkipEmission FirstCycleBehavior = iota
	// EmitZeroDelta emits a MetricSample with all-zero deltas on first
	// sighting, so downstream consumers see the fingerprint immediately.
	EmitZeroDelta
)

// Computer converts cumulative readings into deltas.
type Computer struct {
	store    SnapshotStore
	behavior FirstCycleBehavior
}

// New creates a Computer. behavior decides first-cycle emission; see
// FirstCycleBehavior.
func New(store SnapshotStore, behavior FirstCycleBehavior) *Computer {
	return &Computer{store: store, behavior: behavior}
}

// Input identifies one query's cumulative reading for one collection cycle.
type Input struct {
	InstanceName      string
	DatabaseName      string
	FingerprintID     uuid.UUID
	PlanHash          *string
	SampledAtUtc      time.Time
	QueryStoreQueryID *int64
	QueryStorePlanID  *int64
	Current           Counters
}

func (in Input) key() model.SnapshotKey {
	k := model.SnapshotKey{
		InstanceName:  in.InstanceName,
		DatabaseName:  in.DatabaseName,
		FingerprintID: in.FingerprintID,
	}
	if in.PlanHash != nil {
		k.PlanHash = *in.PlanHash
	}
	return k
}

// Compute derives the per-cycle delta for one query, consulting and then
// updating the snapshot store. It returns (nil, nil) when no sample should
// be emitted (first cycle under SkipEmission).
func (c *Computer) Compute(ctx context.Context, in Input) (*model.MetricSample, error) {
	key := in.key()

	prev, err := c.store.GetLast(ctx, key)
	if err != nil {
		return nil, err
	}

	var sample *model.MetricSample
	switch {
	case prev == nil:
		if c.behavior == EmitZeroDelta {
			sample = &model.MetricSample{
				FingerprintID: in.FingerprintID,
				InstanceName:  in.InstanceName,
				DatabaseName:  in.DatabaseName,
				SampledAtUtc:  in.SampledAtUtc,
				PlanHash:      in.PlanHash,
				WasReset:      false,
			}
		}
	default:
		sample = computeFromPrevious(in, *prev)
	}

	if err := c.store.Upsert(ctx, model.CumulativeSnapshot{
		InstanceName:       in.InstanceName,
		DatabaseName:       in.DatabaseName,
		FingerprintID:      key.FingerprintID,
		PlanHash:           in.PlanHash,
		ExecutionCount:     in.Current.ExecutionCount,
		TotalCPUUs:         in.Current.TotalCPUUs,
		TotalDurationUs:    in.Current.TotalDurationUs,
		TotalLogicalReads:  in.Current.TotalLogicalReads,
		TotalLogicalWrites: in.Current.TotalLogicalWrites,
		TotalPhysicalReads: in.Current.TotalPhysicalReads,
		SnapshotTimeUtc:    in.SampledAtUtc,
	}); err != nil {
		return nil, err
	}

	return sample, nil
}

// computeFromPrevious applies the delta/reset rules against a known prior
// snapshot. A reset is declared when execution count, CPU time or duration
// goes backwards; in that case every counter's "delta" is reported as the
// current absolute value, since the previous cumulative series no longer
// applies to the newly-cached plan.
func computeFromPrevious(in Input, prev model.CumulativeSnapshot) *model.MetricSample {
	wasReset := in.Current.ExecutionCount < prev.ExecutionCount ||
		in.Current.TotalCPUUs < prev.TotalCPUUs ||
		in.Current.TotalDurationUs < prev.TotalDurationUs

	var execDelta, cpuDelta, durDelta, readsDelta, writesDelta, physReadsDelta int64
	if wasReset {
		execDelta = in.Current.ExecutionCount
		cpuDelta = in.Current.TotalCPUUs
		durDelta = in.Current.TotalDurationUs
		readsDelta = in.Current.TotalLogicalReads
		writesDelta = in.Current.TotalLogicalWrites
		physReadsDelta = in.Current.TotalPhysicalReads
	} else {
		execDelta = in.Current.ExecutionCount - prev.ExecutionCount
		cpuDelta = in.Current.TotalCPUUs - prev.TotalCPUUs
		durDelta = in.Current.TotalDurationUs - prev.TotalDurationUs
		readsDelta = in.Current.TotalLogicalReads - prev.TotalLogicalReads
		writesDelta = in.Current.TotalLogicalWrites - prev.TotalLogicalWrites
		physReadsDelta = in.Current.TotalPhysicalReads - prev.TotalPhysicalReads
	}

	var avgCPU, avgDuration float64
	if execDelta > 0 {
		avgCPU = float64(cpuDelta) / float64(execDelta)
		avgDuration = float64(durDelta) / float64(execDelta)
	}

	return &model.MetricSample{
		FingerprintID:      in.FingerprintID,
		InstanceName:       in.InstanceName,
		DatabaseName:       in.DatabaseName,
		SampledAtUtc:       in.SampledAtUtc,
		PlanHash:           in.PlanHash,
		QueryStoreQueryID:  in.QueryStoreQueryID,
		QueryStorePlanID:   in.QueryStorePlanID,
		ExecutionCount:     execDelta,
		TotalCPUUs:         cpuDelta,
		AvgCPUUs:           avgCPU,
		TotalDurationUs:    durDelta,
		AvgDurationUs:      avgDuration,
		TotalLogicalReads:  readsDelta,
		TotalLogicalWrites: writesDelta,
		TotalPhysicalReads: physReadsDelta,
		WasReset:           wasReset,
	}
}
