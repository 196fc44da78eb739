// Package config loads and validates the daemon's layered configuration
// (defaults, then a config file, then environment overrides) using the same
// viper/pflag combination the collector's own command-line tooling is
// built on, rather than the source's dependency-injection options-monitor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/remediation"
)

// InstanceConfig names one monitored SQL Server instance.
type InstanceConfig struct {
	Name             string   `mapstructure:"name"`
	ConnectionString string   `mapstructure:"connection_string"`
	IsProduction     bool     `mapstructure:"is_production"`
	Databases        []string `mapstructure:"databases"`
}

// PlanCollectionConfig covers the planCollection.* keys.
type PlanCollectionConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	TopN                   int           `mapstructure:"top_n"`
	LookbackWindow         time.Duration `mapstructure:"lookback_window"`
	MinimumExecutionCount  int64         `mapstructure:"minimum_execution_count"`
	MaxInstanceParallelism int           `mapstructure:"max_instance_parallelism"`
	MaxDatabaseParallelism int           `mapstructure:"max_database_parallelism"`
	StartupDelay           time.Duration `mapstructure:"startup_delay"`
}

// AnalysisConfig covers the analysis.* keys.
type AnalysisConfig struct {
	RecentWindow               time.Duration `mapstructure:"recent_window"`
	HotspotWindow              time.Duration `mapstructure:"hotspot_window"`
	AnalysisInterval           time.Duration `mapstructure:"analysis_interval"`
	AutoResolutionCheckInterval time.Duration `mapstructure:"auto_resolution_check_interval"`
	StartupDelay               time.Duration `mapstructure:"startup_delay"`
	RegressionRules            RegressionRulesConfig `mapstructure:"regression_rules"`
	HotspotRules               HotspotRulesConfig    `mapstructure:"hotspot_rules"`
}

// RegressionRulesConfig covers analysis.regressionRules.*.
type RegressionRulesConfig struct {
	DurationIncreaseThresholdPercent     float64 `mapstructure:"duration_increase_threshold_percent"`
	CPUIncreaseThresholdPercent          float64 `mapstructure:"cpu_increase_threshold_percent"`
	LogicalReadsIncreaseThresholdPercent float64 `mapstructure:"logical_reads_increase_threshold_percent"`
	MinimumBaselineSamples               int     `mapstructure:"minimum_baseline_samples"`
	MinimumExecutions                    int64   `mapstructure:"minimum_executions"`
	RequireMultipleMetrics               bool    `mapstructure:"require_multiple_metrics"`
}

// HotspotRulesConfig covers analysis.hotspotRules.*.
type HotspotRulesConfig struct {
	MinTotalCPUMs                float64 `mapstructure:"min_total_cpu_ms"`
	MinTotalDurationMs           float64 `mapstructure:"min_total_duration_ms"`
	MinExecutionCount            int64   `mapstructure:"min_execution_count"`
	MinAvgDurationMs             float64 `mapstructure:"min_avg_duration_ms"`
	IncludeQueriesWithRegressions bool    `mapstructure:"include_queries_with_regressions"`
	RankingMetric                string  `mapstructure:"ranking_metric"`
	TopN                          int     `mapstructure:"top_n"`
}

// SchedulingConfig covers scheduling.*.
type SchedulingConfig struct {
	BaselineRebuildTimeOfDay string        `mapstructure:"baseline_rebuild_time_of_day"`
	DailySummaryTimeOfDay    string        `mapstructure:"daily_summary_time_of_day"`
	FailureBackoff           time.Duration `mapstructure:"failure_backoff"`
	MaxFailureBackoff        time.Duration `mapstructure:"max_failure_backoff"`
	MaxConsecutiveFailures   int           `mapstructure:"max_consecutive_failures"`
	BaselineLookbackWindow   time.Duration `mapstructure:"baseline_lookback_window"`
	MinimumBaselineSamples   int           `mapstructure:"minimum_baseline_samples"`
}

// SecurityConfig covers security.* and feeds the RemediationGuard's Policy.
type SecurityConfig struct {
	Mode                    string   `mapstructure:"mode"`
	Environment             string   `mapstructure:"environment"`
	EnableRemediation       bool     `mapstructure:"enable_remediation"`
	DryRunMode              bool     `mapstructure:"dry_run_mode"`
	MaxRemediationsPerHour  int      `mapstructure:"max_remediations_per_hour"`
	ExcludedDatabases       []string `mapstructure:"excluded_databases"`
	ApprovalThreshold       string   `mapstructure:"approval_threshold"`
	AllowProductionRemediation bool  `mapstructure:"allow_production_remediation"`
	MaintenanceWindowRequired bool   `mapstructure:"maintenance_window_required"`
	MaintenanceStartHour    int      `mapstructure:"maintenance_start_hour"`
	MaintenanceEndHour      int      `mapstructure:"maintenance_end_hour"`
}

// AlertingConfig covers alerting.*.
type AlertingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinimumSeverity    string        `mapstructure:"minimum_severity"`
	AlertCooldownPeriod time.Duration `mapstructure:"alert_cooldown_period"`
	MaxHotspotsInSummary int          `mapstructure:"max_hotspots_in_summary"`
	SendDailySummary   bool          `mapstructure:"send_daily_summary"`
	SlackWebhookURL    string        `mapstructure:"slack_webhook_url"`
	WebhookURL         string        `mapstructure:"webhook_url"`
	NewRelicAccountID  int           `mapstructure:"new_relic_account_id"`
	NewRelicAPIKey     string        `mapstructure:"new_relic_api_key"`
}

// StoreConfig covers the Postgres connection and pool.
type StoreConfig struct {
	DataSourceName     string        `mapstructure:"data_source_name"`
	MaxOpenConnections int           `mapstructure:"max_open_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `mapstructure:"conn_max_idle_time"`
}

// Config is the fully-loaded, validated configuration for one daemon process.
type Config struct {
	Instances      []InstanceConfig    `mapstructure:"instances"`
	PlanCollection PlanCollectionConfig `mapstructure:"plan_collection"`
	Analysis       AnalysisConfig      `mapstructure:"analysis"`
	Scheduling     SchedulingConfig    `mapstructure:"scheduling"`
	Security       SecurityConfig      `mapstructure:"security"`
	Alerting       AlertingConfig      `mapstructure:"alerting"`
	Store          StoreConfig         `mapstructure:"store"`
}

// Validate rejects an unusable configuration. It mirrors the teacher's
// per-field-with-context style rather than returning a bag of errors.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("config: at least one instance must be configured")
	}
	for _, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("config: instance entry missing name")
		}
		if inst.ConnectionString == "" {
			return fmt.Errorf("config: instance %q missing connection_string", inst.Name)
		}
	}

	if c.PlanCollection.Interval <= 0 {
		return fmt.Errorf("config: plan_collection.interval must be positive, got %v", c.PlanCollection.Interval)
	}
	if c.PlanCollection.TopN <= 0 {
		return fmt.Errorf("config: plan_collection.top_n must be positive, got %d", c.PlanCollection.TopN)
	}

	if c.Analysis.AnalysisInterval <= 0 {
		return fmt.Errorf("config: analysis.analysis_interval must be positive, got %v", c.Analysis.AnalysisInterval)
	}

	switch remediation.Mode(c.Security.Mode) {
	case remediation.ModeReadOnly, remediation.ModeSuggestRemediation, remediation.ModeAutoApplyLowRisk:
	default:
		return fmt.Errorf("config: security.mode %q is not a recognized mode", c.Security.Mode)
	}

	if c.Store.DataSourceName == "" {
		return fmt.Errorf("config: store.data_source_name is required")
	}
	if c.Store.MaxOpenConnections <= 0 {
		return fmt.Errorf("config: store.max_open_connections must be positive, got %d", c.Store.MaxOpenConnections)
	}

	return nil
}

// RiskLevel parses the approval threshold into a model.RiskLevel, defaulting
// to High when unset or unrecognized.
func (s SecurityConfig) RiskLevel() model.RiskLevel {
	switch strings.ToLower(s.ApprovalThreshold) {
	case "low":
		return model.RiskLow
	case "medium":
		return model.RiskMedium
	case "critical":
		return model.RiskCritical
	default:
		return model.RiskHigh
	}
}

// Severity parses the minimum alert severity, defaulting to Medium when
// malformed, as called for in §4.9.
func (a AlertingConfig) Severity() model.Severity {
	switch strings.ToLower(a.MinimumSeverity) {
	case "low":
		return model.SeverityLow
	case "high":
		return model.SeverityHigh
	case "critical":
		return model.SeverityCritical
	default:
		return model.SeverityMedium
	}
}

// defaults seeds every key that has a sane default so a minimal config file
// only needs to name instances and a connection string.
func defaults(v *viper.Viper) {
	v.SetDefault("plan_collection.interval", time.Minute)
	v.SetDefault("plan_collection.top_n", 20)
	v.SetDefault("plan_collection.lookback_window", time.Minute)
	v.SetDefault("plan_collection.minimum_execution_count", int64(1))
	v.SetDefault("plan_collection.max_instance_parallelism", 1)
	v.SetDefault("plan_collection.max_database_parallelism", 1)
	v.SetDefault("plan_collection.startup_delay", 10*time.Second)

	v.SetDefault("analysis.recent_window", 15*time.Minute)
	v.SetDefault("analysis.hotspot_window", time.Hour)
	v.SetDefault("analysis.analysis_interval", 5*time.Minute)
	v.SetDefault("analysis.auto_resolution_check_interval", 15*time.Minute)
	v.SetDefault("analysis.startup_delay", time.Minute)
	v.SetDefault("analysis.regression_rules.duration_increase_threshold_percent", 50.0)
	v.SetDefault("analysis.regression_rules.cpu_increase_threshold_percent", 50.0)
	v.SetDefault("analysis.regression_rules.logical_reads_increase_threshold_percent", 50.0)
	v.SetDefault("analysis.regression_rules.minimum_baseline_samples", 10)
	v.SetDefault("analysis.regression_rules.minimum_executions", int64(5))
	v.SetDefault("analysis.hotspot_rules.ranking_metric", "totalCpuTime")
	v.SetDefault("analysis.hotspot_rules.top_n", 20)

	v.SetDefault("scheduling.baseline_rebuild_time_of_day", "02:00")
	v.SetDefault("scheduling.daily_summary_time_of_day", "08:00")
	v.SetDefault("scheduling.failure_backoff", 30*time.Second)
	v.SetDefault("scheduling.max_failure_backoff", 30*time.Minute)
	v.SetDefault("scheduling.max_consecutive_failures", 10)
	v.SetDefault("scheduling.baseline_lookback_window", 7*24*time.Hour)
	v.SetDefault("scheduling.minimum_baseline_samples", 3)

	v.SetDefault("security.mode", "readOnly")
	v.SetDefault("security.environment", "dev")
	v.SetDefault("security.enable_remediation", false)
	v.SetDefault("security.dry_run_mode", true)
	v.SetDefault("security.max_remediations_per_hour", 3)
	v.SetDefault("security.approval_threshold", "high")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.minimum_severity", "medium")
	v.SetDefault("alerting.alert_cooldown_period", time.Hour)
	v.SetDefault("alerting.max_hotspots_in_summary", 10)
	v.SetDefault("alerting.send_daily_summary", true)

	v.SetDefault("store.max_open_connections", 10)
	v.SetDefault("store.max_idle_connections", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.conn_max_idle_time", 5*time.Minute)
}

// Load builds a Viper instance layered file < env, binds the given flag set
// (so CLI flags take highest precedence), and unmarshals + validates into a Config.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("QUERYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
