package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/model"
)

// Postgres is the production MetricsStore, one table per §3 entity plus
// an append-only remediation_audit table. Every statement is parameterized
// and every call is cancellable via ctx.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres wraps an already-opened, already-pooled *sql.DB. Use Open to
// construct that connection.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) GetOrCreateFingerprint(ctx context.Context, hash [8]byte, sampleText, normalizedText, instanceName, databaseName string, seenAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO fingerprints (id, hash, sample_text, normalized_text, instance_name, database_name, first_seen_utc, last_seen_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (hash, database_name) DO UPDATE SET last_seen_utc = GREATEST(fingerprints.last_seen_utc, EXCLUDED.last_seen_utc)
		RETURNING id
	`, uuid.New(), hash[:], sampleText, normalizedText, instanceName, databaseName, seenAt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get or create fingerprint: %w", err)
	}
	return id, nil
}

func (p *Postgres) GetFingerprintByID(ctx context.Context, id uuid.UUID) (*model.Fingerprint, error) {
	var fp model.Fingerprint
	var hash []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, sample_text, normalized_text, instance_name, database_name, first_seen_utc, last_seen_utc, is_from_server_hash
		FROM fingerprints WHERE id = $1
	`, id).Scan(&fp.ID, &hash, &fp.SampleText, &fp.NormalizedText, &fp.InstanceName, &fp.DatabaseName, &fp.FirstSeenUtc, &fp.LastSeenUtc, &fp.IsFromServerHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fingerprint by id: %w", err)
	}
	copy(fp.Hash[:], hash)
	return &fp, nil
}

func (p *Postgres) GetFingerprintsByDatabase(ctx context.Context, instanceName, databaseName string) ([]model.Fingerprint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, sample_text, normalized_text, instance_name, database_name, first_seen_utc, last_seen_utc, is_from_server_hash
		FROM fingerprints WHERE instance_name = $1 AND database_name = $2
	`, instanceName, databaseName)
	if err != nil {
		return nil, fmt.Errorf("get fingerprints by database: %w", err)
	}
	defer rows.Close()

	var result []model.Fingerprint
	for rows.Next() {
		var fp model.Fingerprint
		var hash []byte
		if err := rows.Scan(&fp.ID, &hash, &fp.SampleText, &fp.NormalizedText, &fp.InstanceName, &fp.DatabaseName, &fp.FirstSeenUtc, &fp.LastSeenUtc, &fp.IsFromServerHash); err != nil {
			return nil, fmt.Errorf("scan fingerprint row: %w", err)
		}
		copy(fp.Hash[:], hash)
		result = append(result, fp)
	}
	return result, rows.Err()
}

func (p *Postgres) UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE fingerprints SET last_seen_utc = GREATEST(last_seen_utc, $2) WHERE id = $1`, id, seenAt)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

func (p *Postgres) SaveSampleBatch(ctx context.Context, instanceName string, samples []model.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_samples (fingerprint_id, instance_name, database_name, sampled_at_utc, plan_hash,
			query_store_query_id, query_store_plan_id, execution_count, total_cpu_us, avg_cpu_us,
			total_duration_us, avg_duration_us, min_duration_us, max_duration_us, min_cpu_us, max_cpu_us,
			total_logical_reads, total_logical_writes, total_physical_reads, was_reset)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.FingerprintID, instanceName, s.DatabaseName, s.SampledAtUtc, s.PlanHash,
			s.QueryStoreQueryID, s.QueryStorePlanID, s.ExecutionCount, s.TotalCPUUs, s.AvgCPUUs,
			s.TotalDurationUs, s.AvgDurationUs, s.MinDurationUs, s.MaxDurationUs, s.MinCPUUs, s.MaxCPUUs,
			s.TotalLogicalReads, s.TotalLogicalWrites, s.TotalPhysicalReads, s.WasReset); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) GetSamplesForFingerprint(ctx context.Context, id uuid.UUID, window model.Window) ([]model.MetricSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT fingerprint_id, instance_name, database_name, sampled_at_utc, plan_hash, query_store_query_id, query_store_plan_id,
			execution_count, total_cpu_us, avg_cpu_us, total_duration_us, avg_duration_us, min_duration_us, max_duration_us,
			min_cpu_us, max_cpu_us, total_logical_reads, total_logical_writes, total_physical_reads, was_reset
		FROM metric_samples WHERE fingerprint_id = $1 AND sampled_at_utc >= $2 AND sampled_at_utc < $3
		ORDER BY sampled_at_utc
	`, id, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("get samples for fingerprint: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

func (p *Postgres) GetLatestPerFingerprint(ctx context.Context, databaseName string, window model.Window, topN int) ([]model.MetricSample, error) {
	var limit any // LIMIT NULL returns every row, so topN <= 0 means no limit
	if topN > 0 {
		limit = topN
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (fingerprint_id) fingerprint_id, instance_name, database_name, sampled_at_utc, plan_hash,
			query_store_query_id, query_store_plan_id, execution_count, total_cpu_us, avg_cpu_us, total_duration_us,
			avg_duration_us, min_duration_us, max_duration_us, min_cpu_us, max_cpu_us, total_logical_reads,
			total_logical_writes, total_physical_reads, was_reset
		FROM metric_samples
		WHERE database_name = $1 AND sampled_at_utc >= $2 AND sampled_at_utc < $3
		ORDER BY fingerprint_id, sampled_at_utc DESC
		LIMIT $4
	`, databaseName, window.Start, window.End, limit)
	if err != nil {
		return nil, fmt.Errorf("get latest per fingerprint: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]model.MetricSample, error) {
	var result []model.MetricSample
	for rows.Next() {
		var s model.MetricSample
		if err := rows.Scan(&s.FingerprintID, &s.InstanceName, &s.DatabaseName, &s.SampledAtUtc, &s.PlanHash,
			&s.QueryStoreQueryID, &s.QueryStorePlanID, &s.ExecutionCount, &s.TotalCPUUs, &s.AvgCPUUs, &s.TotalDurationUs,
			&s.AvgDurationUs, &s.MinDurationUs, &s.MaxDurationUs, &s.MinCPUUs, &s.MaxCPUUs, &s.TotalLogicalReads,
			&s.TotalLogicalWrites, &s.TotalPhysicalReads, &s.WasReset); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *Postgres) AggregateSamples(ctx context.Context, id uuid.UUID, window model.Window) (model.AggregatedMetrics, error) {
	agg := model.AggregatedMetrics{FingerprintID: id, Window: window}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(execution_count), 0),
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY avg_duration_us), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY avg_duration_us), 0),
			COALESCE(PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY avg_duration_us), 0),
			COALESCE(AVG(avg_duration_us), 0), COALESCE(STDDEV_POP(avg_duration_us), 0),
			COALESCE(AVG(avg_cpu_us), 0), COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY avg_cpu_us), 0),
			COALESCE(AVG(total_logical_reads), 0), COALESCE(MAX(total_logical_reads), 0)
		FROM metric_samples
		WHERE fingerprint_id = $1 AND sampled_at_utc >= $2 AND sampled_at_utc < $3
	`, id, window.Start, window.End).Scan(&agg.SampleCount, &agg.TotalExecutions, &agg.P50DurationUs, &agg.P95DurationUs,
		&agg.P99DurationUs, &agg.AvgDurationUs, &agg.StdDevDurationUs, &agg.AvgCPUUs, &agg.P95CPUUs, &agg.AvgLogicalReads, &agg.MaxLogicalReads)
	if err != nil {
		return model.AggregatedMetrics{}, fmt.Errorf("aggregate samples: %w", err)
	}
	agg.HasP50FromStore = true
	return agg, nil
}

func (p *Postgres) PurgeSamplesOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE sampled_at_utc < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("purge samples: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) GetLast(ctx context.Context, key model.SnapshotKey) (*model.CumulativeSnapshot, error) {
	var snap model.CumulativeSnapshot
	var planHash sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT instance_name, database_name, fingerprint_id, plan_hash, execution_count, total_cpu_us,
			total_duration_us, total_logical_reads, total_logical_writes, total_physical_reads, snapshot_time_utc
		FROM cumulative_snapshots
		WHERE instance_name = $1 AND database_name = $2 AND fingerprint_id = $3 AND COALESCE(plan_hash, '') = $4
	`, key.InstanceName, key.DatabaseName, key.FingerprintID, key.PlanHash).Scan(&snap.InstanceName, &snap.DatabaseName,
		&snap.FingerprintID, &planHash, &snap.ExecutionCount, &snap.TotalCPUUs, &snap.TotalDurationUs,
		&snap.TotalLogicalReads, &snap.TotalLogicalWrites, &snap.TotalPhysicalReads, &snap.SnapshotTimeUtc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last snapshot: %w", err)
	}
	if planHash.Valid && planHash.String != "" {
		snap.PlanHash = &planHash.String
	}
	return &snap, nil
}

func (p *Postgres) Upsert(ctx context.Context, snapshot model.CumulativeSnapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cumulative_snapshots (instance_name, database_name, fingerprint_id, plan_hash, execution_count,
			total_cpu_us, total_duration_us, total_logical_reads, total_logical_writes, total_physical_reads, snapshot_time_utc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (instance_name, database_name, fingerprint_id, plan_hash) DO UPDATE SET
			execution_count = EXCLUDED.execution_count, total_cpu_us = EXCLUDED.total_cpu_us,
			total_duration_us = EXCLUDED.total_duration_us, total_logical_reads = EXCLUDED.total_logical_reads,
			total_logical_writes = EXCLUDED.total_logical_writes, total_physical_reads = EXCLUDED.total_physical_reads,
			snapshot_time_utc = EXCLUDED.snapshot_time_utc
	`, snapshot.InstanceName, snapshot.DatabaseName, snapshot.FingerprintID, snapshot.Key().PlanHash, snapshot.ExecutionCount,
		snapshot.TotalCPUUs, snapshot.TotalDurationUs, snapshot.TotalLogicalReads, snapshot.TotalLogicalWrites,
		snapshot.TotalPhysicalReads, snapshot.SnapshotTimeUtc)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM cumulative_snapshots WHERE snapshot_time_utc < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge stale snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) GetActiveBaseline(ctx context.Context, fingerprintID uuid.UUID) (*model.Baseline, error) {
	b := model.Baseline{}
	var expectedPlanHash sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, fingerprint_id, instance_name, database_name, computed_at_utc, window_start_utc, window_end_utc,
			sample_count, total_executions, p50_duration_us, p95_duration_us, p99_duration_us, avg_duration_us,
			stddev_duration_us, avg_cpu_us, p95_cpu_us, avg_logical_reads, max_logical_reads, expected_plan_hash, is_active
		FROM baselines WHERE fingerprint_id = $1 AND is_active = true
	`, fingerprintID).Scan(&b.ID, &b.FingerprintID, &b.InstanceName, &b.DatabaseName, &b.ComputedAtUtc, &b.Window.Start,
		&b.Window.End, &b.SampleCount, &b.TotalExecutions, &b.P50DurationUs, &b.P95DurationUs, &b.P99DurationUs,
		&b.AvgDurationUs, &b.StdDevDurationUs, &b.AvgCPUUs, &b.P95CPUUs, &b.AvgLogicalReads, &b.MaxLogicalReads,
		&expectedPlanHash, &b.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active baseline: %w", err)
	}
	if expectedPlanHash.Valid {
		b.ExpectedPlanHash = &expectedPlanHash.String
	}
	return &b, nil
}

func (p *Postgres) SaveBaseline(ctx context.Context, b model.Baseline) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO baselines (id, fingerprint_id, instance_name, database_name, computed_at_utc, window_start_utc,
			window_end_utc, sample_count, total_executions, p50_duration_us, p95_duration_us, p99_duration_us,
			avg_duration_us, stddev_duration_us, avg_cpu_us, p95_cpu_us, avg_logical_reads, max_logical_reads,
			expected_plan_hash, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, b.ID, b.FingerprintID, b.InstanceName, b.DatabaseName, b.ComputedAtUtc, b.Window.Start, b.Window.End,
		b.SampleCount, b.TotalExecutions, b.P50DurationUs, b.P95DurationUs, b.P99DurationUs, b.AvgDurationUs,
		b.StdDevDurationUs, b.AvgCPUUs, b.P95CPUUs, b.AvgLogicalReads, b.MaxLogicalReads, b.ExpectedPlanHash, b.IsActive)
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// SupersedeActiveBaseline marks the current active baseline inactive. It is
// not atomic with a subsequent SaveBaseline; callers that need the
// supersede-then-insert pair to be indivisible must use
// SupersedeAndSaveBaseline instead.
func (p *Postgres) SupersedeActiveBaseline(ctx context.Context, fingerprintID uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `UPDATE baselines SET is_active = false WHERE fingerprint_id = $1 AND is_active = true`, fingerprintID)
	if err != nil {
		return fmt.Errorf("supersede active baseline: %w", err)
	}
	return nil
}

// SupersedeAndSaveBaseline marks the current active baseline for
// baseline.FingerprintID inactive and inserts baseline as the new active
// one inside a single serializable transaction, so GetActiveBaseline never
// observes zero or two active baselines for the fingerprint even when two
// callers race to refresh it. The unique partial index on
// baselines(fingerprint_id) WHERE is_active backstops this at the schema
// level if a caller ever bypasses this method.
func (p *Postgres) SupersedeAndSaveBaseline(ctx context.Context, b model.Baseline) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin baseline supersede transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE baselines SET is_active = false WHERE fingerprint_id = $1 AND is_active = true`, b.FingerprintID); err != nil {
		return fmt.Errorf("supersede active baseline: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO baselines (id, fingerprint_id, instance_name, database_name, computed_at_utc, window_start_utc,
			window_end_utc, sample_count, total_executions, p50_duration_us, p95_duration_us, p99_duration_us,
			avg_duration_us, stddev_duration_us, avg_cpu_us, p95_cpu_us, avg_logical_reads, max_logical_reads,
			expected_plan_hash, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, b.ID, b.FingerprintID, b.InstanceName, b.DatabaseName, b.ComputedAtUtc, b.Window.Start, b.Window.End,
		b.SampleCount, b.TotalExecutions, b.P50DurationUs, b.P95DurationUs, b.P99DurationUs, b.AvgDurationUs,
		b.StdDevDurationUs, b.AvgCPUUs, b.P95CPUUs, b.AvgLogicalReads, b.MaxLogicalReads, b.ExpectedPlanHash, b.IsActive); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit baseline supersede transaction: %w", err)
	}
	return nil
}

func (p *Postgres) SaveRegression(ctx context.Context, e model.RegressionEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO regression_events (id, fingerprint_id, instance_name, database_name, detected_at_utc, type, metric,
			baseline_value, current_value, change_percent, threshold_percent, severity, old_plan_hash, new_plan_hash,
			status, description, window_start_utc, window_end_utc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, e.ID, e.FingerprintID, e.InstanceName, e.DatabaseName, e.DetectedAtUtc, e.Type, e.Metric, e.BaselineValue,
		e.CurrentValue, e.ChangePercent, e.ThresholdPercent, e.Severity, e.OldPlanHash, e.NewPlanHash, e.Status,
		e.Description, e.SampleWindow.Start, e.SampleWindow.End)
	if err != nil {
		return fmt.Errorf("save regression: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateRegression(ctx context.Context, e model.RegressionEvent) error {
	_, err := p.db.ExecContext(ctx, `UPDATE regression_events SET status = $2, description = $3 WHERE id = $1`, e.ID, e.Status, e.Description)
	if err != nil {
		return fmt.Errorf("update regression: %w", err)
	}
	return nil
}

func (p *Postgres) scanRegressionRow(row *sql.Row) (*model.RegressionEvent, error) {
	var e model.RegressionEvent
	var oldPlan, newPlan sql.NullString
	err := row.Scan(&e.ID, &e.FingerprintID, &e.InstanceName, &e.DatabaseName, &e.DetectedAtUtc, &e.Type, &e.Metric,
		&e.BaselineValue, &e.CurrentValue, &e.ChangePercent, &e.ThresholdPercent, &e.Severity, &oldPlan, &newPlan,
		&e.Status, &e.Description, &e.SampleWindow.Start, &e.SampleWindow.End)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan regression row: %w", err)
	}
	if oldPlan.Valid {
		e.OldPlanHash = &oldPlan.String
	}
	if newPlan.Valid {
		e.NewPlanHash = &newPlan.String
	}
	return &e, nil
}

const regressionColumns = `id, fingerprint_id, instance_name, database_name, detected_at_utc, type, metric,
	baseline_value, current_value, change_percent, threshold_percent, severity, old_plan_hash, new_plan_hash,
	status, description, window_start_utc, window_end_utc`

func (p *Postgres) GetActiveRegressionByFingerprint(ctx context.Context, fingerprintID uuid.UUID) (*model.RegressionEvent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+regressionColumns+` FROM regression_events WHERE fingerprint_id = $1 AND status IN ('new','acknowledged')`, fingerprintID)
	return p.scanRegressionRow(row)
}

func (p *Postgres) GetActiveRegressions(ctx context.Context) ([]model.RegressionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+regressionColumns+` FROM regression_events WHERE status IN ('new','acknowledged')`)
	if err != nil {
		return nil, fmt.Errorf("get active regressions: %w", err)
	}
	defer rows.Close()
	return scanRegressionRows(rows)
}

func (p *Postgres) GetRecentRegressions(ctx context.Context, window model.Window) ([]model.RegressionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+regressionColumns+` FROM regression_events WHERE detected_at_utc >= $1 AND detected_at_utc < $2`, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("get recent regressions: %w", err)
	}
	defer rows.Close()
	return scanRegressionRows(rows)
}

func scanRegressionRows(rows *sql.Rows) ([]model.RegressionEvent, error) {
	var result []model.RegressionEvent
	for rows.Next() {
		var e model.RegressionEvent
		var oldPlan, newPlan sql.NullString
		if err := rows.Scan(&e.ID, &e.FingerprintID, &e.InstanceName, &e.DatabaseName, &e.DetectedAtUtc, &e.Type, &e.Metric,
			&e.BaselineValue, &e.CurrentValue, &e.ChangePercent, &e.ThresholdPercent, &e.Severity, &oldPlan, &newPlan,
			&e.Status, &e.Description, &e.SampleWindow.Start, &e.SampleWindow.End); err != nil {
			return nil, fmt.Errorf("scan regression row: %w", err)
		}
		if oldPlan.Valid {
			e.OldPlanHash = &oldPlan.String
		}
		if newPlan.Valid {
			e.NewPlanHash = &newPlan.String
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *Postgres) PurgeRegressionsOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM regression_events WHERE detected_at_utc < $1 AND status NOT IN ('new','acknowledged')`, ts)
	if err != nil {
		return 0, fmt.Errorf("purge regressions: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) SaveAudit(ctx context.Context, r model.RemediationAudit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO remediation_audit (id, timestamp_utc, instance_name, database_name, fingerprint_id, suggestion_id,
			type, sql_statement, is_dry_run, success, error_message, sql_error_number, duration_us, initiator, machine_name, service_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, r.ID, r.Timestamp, r.InstanceName, r.DatabaseName, r.FingerprintID, r.SuggestionID, r.Type, r.SQLStatement,
		r.IsDryRun, r.Success, r.ErrorMessage, r.SQLErrorNumber, r.Duration.Microseconds(), r.Initiator, r.MachineName, r.ServiceVersion)
	if err != nil {
		return fmt.Errorf("save remediation audit: %w", err)
	}
	return nil
}

func (p *Postgres) GetRecentAudits(ctx context.Context, instanceName string, lookback time.Duration) ([]model.RemediationAudit, error) {
	since := time.Now().UTC().Add(-lookback)
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, timestamp_utc, instance_name, database_name, fingerprint_id, suggestion_id, type, sql_statement,
			is_dry_run, success, error_message, sql_error_number, duration_us, initiator, machine_name, service_version
		FROM remediation_audit WHERE instance_name = $1 AND timestamp_utc >= $2 ORDER BY timestamp_utc DESC
	`, instanceName, since)
	if err != nil {
		return nil, fmt.Errorf("get recent audits: %w", err)
	}
	defer rows.Close()

	var result []model.RemediationAudit
	for rows.Next() {
		var r model.RemediationAudit
		var durationUs int64
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.InstanceName, &r.DatabaseName, &r.FingerprintID, &r.SuggestionID,
			&r.Type, &r.SQLStatement, &r.IsDryRun, &r.Success, &r.ErrorMessage, &r.SQLErrorNumber, &durationUs,
			&r.Initiator, &r.MachineName, &r.ServiceVersion); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.Duration = time.Duration(durationUs) * time.Microsecond
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *Postgres) GetAuditSummary(ctx context.Context, from, to time.Time) (RemediationSummary, error) {
	sum := RemediationSummary{From: from, To: to}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success AND NOT is_dry_run),
			COUNT(*) FILTER (WHERE is_dry_run),
			COUNT(*) FILTER (WHERE NOT success AND NOT is_dry_run)
		FROM remediation_audit WHERE timestamp_utc >= $1 AND timestamp_utc < $2
	`, from, to).Scan(&sum.TotalAttempts, &sum.SuccessfulApplies, &sum.DryRuns, &sum.Denied)
	if err != nil {
		return RemediationSummary{}, fmt.Errorf("get audit summary: %w", err)
	}
	return sum, nil
}

// CountSuccessfulApplies backs RemediationGuard's rate limit (§4.7 check 7).
// A query failure here must propagate as an error so the guard fails
// closed rather than silently permitting an unbounded rate.
func (p *Postgres) CountSuccessfulApplies(ctx context.Context, instanceName string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM remediation_audit WHERE instance_name = $1 AND success AND NOT is_dry_run AND timestamp_utc >= $2
	`, instanceName, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count successful applies: %w", err)
	}
	return count, nil
}

var _ MetricsStore = (*Postgres)(nil)
