// Package collection implements C5, the per-cycle fetch/fingerprint/delta/
// persist pipeline driven by the scheduler's collection job.
package collection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/delta"
	"github.com/dbwatch/queryguard/internal/fingerprint"
	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/statsprovider"
	"github.com/dbwatch/queryguard/internal/store"
)

// InstanceTarget is one monitored SQL Server instance and the databases on
// it that collection should cover.
type InstanceTarget struct {
	Name         string
	IsProduction bool
	Provider     statsprovider.StatsProvider
	Databases    []string
}

// Rules parameterizes one collection cycle. Field names mirror the
// planCollection.* configuration keys.
type Rules struct {
	TopN                   int
	LookbackWindow         time.Duration
	MinimumExecutionCount  int64
	MaxInstanceParallelism int
	MaxDatabaseParallelism int
	OrderBy                statsprovider.OrderBy
}

// DatabaseResult captures one database's outcome within a cycle. A
// database's failure never aborts the run; it is recorded here instead.
type DatabaseResult struct {
	InstanceName   string
	DatabaseName   string
	QueriesFetched int
	SamplesEmitted int
	Err            error
}

// CycleResult is the aggregate outcome of one collection cycle (§4.6's
// "errors are captured per-database" rule applies symmetrically to
// collection, not just analysis).
type CycleResult struct {
	StartedAtUtc time.Time
	EndedAtUtc   time.Time
	Databases    []DatabaseResult
}

// HasErrors reports whether any database in the cycle failed.
func (r CycleResult) HasErrors() bool {
	for _, d := range r.Databases {
		if d.Err != nil {
			return true
		}
	}
	return false
}

// Orchestrator is C5.
type Orchestrator struct {
	store  store.MetricsStore
	delta  *delta.Computer
	logger *zap.Logger
}

// New constructs an Orchestrator. deltaComputer should be shared with any
// other component reading/writing CumulativeSnapshots for the same store.
func New(metricsStore store.MetricsStore, deltaComputer *delta.Computer, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: metricsStore, delta: deltaComputer, logger: logger}
}

// RunCycle fetches top-N queries for every enabled (instance, database),
// fingerprints and deltas each, and persists the resulting samples.
// Parallelism is bounded by rules.MaxInstanceParallelism; within an
// instance, databases are processed up to rules.MaxDatabaseParallelism,
// but collection for any single database is never run concurrently with
// itself, satisfying the snapshot-serialization guarantee in §5.
func (o *Orchestrator) RunCycle(ctx context.Context, targets []InstanceTarget, rules Rules) CycleResult {
	result := CycleResult{StartedAtUtc: time.Now().UTC()}

	instanceSem := newSemaphore(maxParallelism(rules.MaxInstanceParallelism))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			instanceSem.acquire()
			defer instanceSem.release()

			dbResults := o.collectInstance(ctx, target, rules)

			mu.Lock()
			result.Databases = append(result.Databases, dbResults...)
			mu.Unlock()
		}()
	}

	wg.Wait()
	result.EndedAtUtc = time.Now().UTC()
	return result
}

func (o *Orchestrator) collectInstance(ctx context.Context, target InstanceTarget, rules Rules) []DatabaseResult {
	dbSem := newSemaphore(maxParallelism(rules.MaxDatabaseParallelism))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var results []DatabaseResult

	for _, database := range target.Databases {
		database := database
		wg.Add(1)
		go func() {
			defer wg.Done()
			dbSem.acquire()
			defer dbSem.release()

			res := o.collectDatabase(ctx, target, database, rules)

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func (o *Orchestrator) collectDatabase(ctx context.Context, target InstanceTarget, database string, rules Rules) DatabaseResult {
	result := DatabaseResult{InstanceName: target.Name, DatabaseName: database}

	now := time.Now().UTC()
	window := model.Window{Start: now.Add(-rules.LookbackWindow), End: now}

	raw, err := target.Provider.GetTopQueries(ctx, target.Name, database, rules.TopN, window, rules.OrderBy)
	if err != nil {
		result.Err = err
		return result
	}
	result.QueriesFetched = len(raw)

	var samples []model.MetricSample
	for _, q := range raw {
		if q.ExecutionCount < rules.MinimumExecutionCount {
			continue
		}

		fp, err := fingerprint.Fingerprint(q.SQLText)
		if err != nil {
			o.logger.Debug("skipping query with invalid text for fingerprinting",
				zap.String("instance", target.Name), zap.String("database", database), zap.Error(err))
			continue
		}

		fpID, err := o.store.GetOrCreateFingerprint(ctx, fp.Hash, fp.SampleText, fp.NormalizedText, target.Name, database, now)
		if err != nil {
			result.Err = err
			return result
		}

		var planHash *string
		if len(q.PlanHash) > 0 {
			h := string(q.PlanHash)
			planHash = &h
		}

		sample, err := o.delta.Compute(ctx, delta.Input{
			InstanceName:      target.Name,
			DatabaseName:      database,
			FingerprintID:     fpID,
			PlanHash:          planHash,
			SampledAtUtc:      now,
			QueryStoreQueryID: q.QueryStoreQueryID,
			QueryStorePlanID:  q.QueryStorePlanID,
			Current: delta.Counters{
				ExecutionCount:     q.ExecutionCount,
				TotalCPUUs:         q.TotalCPUUs,
				TotalDurationUs:    q.TotalDurationUs,
				TotalLogicalReads:  q.TotalLogicalReads,
				TotalLogicalWrites: q.TotalLogicalWrites,
				TotalPhysicalReads: q.TotalPhysicalReads,
			},
		})
		if err != nil {
			result.Err = err
			return result
		}
		if sample == nil {
			continue
		}
		samples = append(samples, *sample)
	}

	if len(samples) > 0 {
		if err := o.store.SaveSampleBatch(ctx, target.Name, samples); err != nil {
			result.Err = err
			return result
		}
	}

	result.SamplesEmitted = len(samples)
	return result
}

func maxParallelism(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

type semaphore chan struct{}

func newSemaphore(n int) semaphore { return make(semaphore, n) }
func (s semaphore) acquire()       { s <- struct{}{} }
func (s semaphore) release()       { <-s }
