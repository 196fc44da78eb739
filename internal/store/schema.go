package store

// Schema is the DDL for the control-plane database. It is exported as a
// string rather than embedded migration files so a single binary can
// bootstrap a fresh database for local development and integration tests
// without a separate migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	id uuid PRIMARY KEY,
	hash bytea NOT NULL,
	sample_text text NOT NULL,
	normalized_text text NOT NULL,
	instance_name text NOT NULL,
	database_name text NOT NULL,
	first_seen_utc timestamptz NOT NULL,
	last_seen_utc timestamptz NOT NULL,
	is_from_server_hash boolean NOT NULL DEFAULT false,
	UNIQUE (hash, database_name)
);

CREATE TABLE IF NOT EXISTS cumulative_snapshots (
	instance_name text NOT NULL,
	database_name text NOT NULL,
	fingerprint_id uuid NOT NULL REFERENCES fingerprints(id),
	plan_hash text NOT NULL DEFAULT '',
	execution_count bigint NOT NULL,
	total_cpu_us bigint NOT NULL,
	total_duration_us bigint NOT NULL,
	total_logical_reads bigint NOT NULL,
	total_logical_writes bigint NOT NULL,
	total_physical_reads bigint NOT NULL,
	snapshot_time_utc timestamptz NOT NULL,
	PRIMARY KEY (instance_name, database_name, fingerprint_id, plan_hash)
);

CREATE TABLE IF NOT EXISTS metric_samples (
	id bigserial PRIMARY KEY,
	fingerprint_id uuid NOT NULL REFERENCES fingerprints(id),
	instance_name text NOT NULL,
	database_name text NOT NULL,
	sampled_at_utc timestamptz NOT NULL,
	plan_hash text,
	query_store_query_id bigint,
	query_store_plan_id bigint,
	execution_count bigint NOT NULL,
	total_cpu_us bigint NOT NULL,
	avg_cpu_us double precision NOT NULL,
	total_duration_us bigint NOT NULL,
	avg_duration_us double precision NOT NULL,
	min_duration_us bigint NOT NULL,
	max_duration_us bigint NOT NULL,
	min_cpu_us bigint NOT NULL,
	max_cpu_us bigint NOT NULL,
	total_logical_reads bigint NOT NULL,
	total_logical_writes bigint NOT NULL,
	total_physical_reads bigint NOT NULL,
	was_reset boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_fp_time ON metric_samples (fingerprint_id, sampled_at_utc);
CREATE INDEX IF NOT EXISTS idx_metric_samples_db_time ON metric_samples (database_name, sampled_at_utc);

CREATE TABLE IF NOT EXISTS baselines (
	id uuid PRIMARY KEY,
	fingerprint_id uuid NOT NULL REFERENCES fingerprints(id),
	instance_name text NOT NULL,
	database_name text NOT NULL,
	computed_at_utc timestamptz NOT NULL,
	window_start_utc timestamptz NOT NULL,
	window_end_utc timestamptz NOT NULL,
	sample_count integer NOT NULL,
	total_executions bigint NOT NULL,
	p50_duration_us double precision NOT NULL,
	p95_duration_us double precision NOT NULL,
	p99_duration_us double precision NOT NULL,
	avg_duration_us double precision NOT NULL,
	stddev_duration_us double precision NOT NULL,
	avg_cpu_us double precision NOT NULL,
	p95_cpu_us double precision NOT NULL,
	avg_logical_reads double precision NOT NULL,
	max_logical_reads double precision NOT NULL,
	expected_plan_hash text,
	is_active boolean NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_baselines_active ON baselines (fingerprint_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS regression_events (
	id uuid PRIMARY KEY,
	fingerprint_id uuid NOT NULL REFERENCES fingerprints(id),
	instance_name text NOT NULL,
	database_name text NOT NULL,
	detected_at_utc timestamptz NOT NULL,
	type text NOT NULL,
	metric text NOT NULL,
	baseline_value double precision NOT NULL,
	current_value double precision NOT NULL,
	change_percent double precision NOT NULL,
	threshold_percent double precision NOT NULL,
	severity text NOT NULL,
	old_plan_hash text,
	new_plan_hash text,
	status text NOT NULL,
	description text NOT NULL,
	window_start_utc timestamptz NOT NULL,
	window_end_utc timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regression_active ON regression_events (fingerprint_id) WHERE status IN ('new', 'acknowledged');

CREATE TABLE IF NOT EXISTS remediation_audit (
	id uuid PRIMARY KEY,
	timestamp_utc timestamptz NOT NULL,
	instance_name text NOT NULL,
	database_name text NOT NULL,
	fingerprint_id uuid NOT NULL,
	suggestion_id uuid,
	type text NOT NULL,
	sql_statement text NOT NULL,
	is_dry_run boolean NOT NULL,
	success boolean NOT NULL,
	error_message text,
	sql_error_number integer,
	duration_us bigint NOT NULL,
	initiator text NOT NULL,
	machine_name text NOT NULL,
	service_version text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remediation_audit_instance_time ON remediation_audit (instance_name, timestamp_utc);
`
