// Command monitor runs the query-performance monitoring daemon: it loads
// configuration, opens the control-plane store and one connection per
// monitored SQL Server instance, and schedules the collection, analysis,
// baseline-rebuild, daily-summary, and auto-resolution jobs until a signal
// tells it to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/alerting"
	"github.com/dbwatch/queryguard/internal/analysis"
	"github.com/dbwatch/queryguard/internal/baseline"
	"github.com/dbwatch/queryguard/internal/collection"
	"github.com/dbwatch/queryguard/internal/config"
	"github.com/dbwatch/queryguard/internal/delta"
	"github.com/dbwatch/queryguard/internal/flags"
	"github.com/dbwatch/queryguard/internal/health"
	"github.com/dbwatch/queryguard/internal/hotspot"
	"github.com/dbwatch/queryguard/internal/metrics"
	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/regression"
	"github.com/dbwatch/queryguard/internal/remediation"
	"github.com/dbwatch/queryguard/internal/scheduler"
	"github.com/dbwatch/queryguard/internal/statsprovider"
	"github.com/dbwatch/queryguard/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("monitor", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to the daemon's YAML config file")
	devLogging := fs.Bool("dev-logging", false, "use zap's human-readable development logger")
	_ = fs.Parse(os.Args[1:])

	logger, err := newLogger(*devLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("monitor exited with error", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := store.Open(cfg.Store.DataSourceName, store.PoolConfig{
		MaxOpenConnections: cfg.Store.MaxOpenConnections,
		MaxIdleConnections: cfg.Store.MaxIdleConnections,
		ConnMaxLifetime:    cfg.Store.ConnMaxLifetime,
		ConnMaxIdleTime:    cfg.Store.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening control-plane store: %w", err)
	}
	metricsStore := store.NewPostgres(db, logger)
	defer metricsStore.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	targets, err := buildCollectionTargets(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to monitored instances: %w", err)
	}

	reg := metrics.New()
	flagSet := flags.New(flags.NewSnapshot(defaultEnabledFlags(), cfg.Security.AllowProductionRemediation, cfg.Security.DryRunMode))

	healthChecker := health.NewChecker(logger, 5*time.Second)
	healthChecker.Register("store", func(ctx context.Context) error { return db.PingContext(ctx) })
	for _, target := range targets {
		target := target
		if pinger, ok := target.Provider.(interface{ Ping(context.Context) error }); ok {
			healthChecker.Register("instance:"+target.Name, pinger.Ping)
		}
	}

	deltaComputer := delta.New(metricsStore, delta.SkipEmission)
	collectionOrchestrator := collection.New(metricsStore, deltaComputer, logger)
	baselineEngine := baseline.New(metricsStore, logger)
	analysisOrchestrator := analysis.New(metricsStore, logger)
	guard := remediation.New(metricsStore, time.Now)
	advisor := remediation.NewAdvisor()
	remediationPolicy := remediation.Policy{
		Mode:                      remediation.Mode(cfg.Security.Mode),
		Environment:               remediation.Environment(cfg.Security.Environment),
		EnableRemediation:         cfg.Security.EnableRemediation,
		DryRunMode:                cfg.Security.DryRunMode,
		ApprovalThreshold:         cfg.Security.RiskLevel(),
		MaxPerHour:                cfg.Security.MaxRemediationsPerHour,
		ExcludedDatabases:         cfg.Security.ExcludedDatabases,
		MaintenanceWindowRequired: cfg.Security.MaintenanceWindowRequired,
		MaintenanceStartHour:      cfg.Security.MaintenanceStartHour,
		MaintenanceEndHour:        cfg.Security.MaintenanceEndHour,
	}

	channels := buildAlertChannels(cfg, logger)
	alertOrchestrator := alerting.New(channels, logger)
	for _, ch := range channels {
		if err := ch.TestConnection(ctx); err != nil {
			logger.Warn("alert channel connection test failed", zap.String("channel", ch.Name()), zap.Error(err))
		}
	}

	sched := scheduler.New(flagSet, logger)
	doneCh := make(chan struct{}, 8)
	jobs := 0

	collectionRules := collection.Rules{
		TopN:                   cfg.PlanCollection.TopN,
		LookbackWindow:         cfg.PlanCollection.LookbackWindow,
		MinimumExecutionCount:  cfg.PlanCollection.MinimumExecutionCount,
		MaxInstanceParallelism: cfg.PlanCollection.MaxInstanceParallelism,
		MaxDatabaseParallelism: cfg.PlanCollection.MaxDatabaseParallelism,
		OrderBy:                statsprovider.OrderByCPU,
	}

	sched.RunPeriodic(ctx, scheduler.PeriodicJob{
		Name:         string(flags.PlanCollection),
		StartupDelay: cfg.PlanCollection.StartupDelay,
		Interval:     cfg.PlanCollection.Interval,
		Backoff:      scheduler.BackoffRules{BaseBackoff: cfg.Scheduling.FailureBackoff, MaxBackoff: cfg.Scheduling.MaxFailureBackoff, MaxConsecutiveFailures: cfg.Scheduling.MaxConsecutiveFailures},
		Run: func(ctx context.Context) error {
			result := collectionOrchestrator.RunCycle(ctx, targets, collectionRules)
			if result.HasErrors() {
				for _, d := range result.Databases {
					if d.Err != nil {
						logger.Warn("database collection failed", zap.String("instance", d.InstanceName), zap.String("database", d.DatabaseName), zap.Error(d.Err))
					}
				}
			}
			return nil
		},
	}, doneCh)
	jobs++

	analysisTargets := analysisTargetsFrom(cfg)
	analysisRules := analysis.Rules{
		RecentWindow:  cfg.Analysis.RecentWindow,
		HotspotWindow: cfg.Analysis.HotspotWindow,
		RegressionRules: regression.Rules{
			DurationIncreaseThresholdPercent:     cfg.Analysis.RegressionRules.DurationIncreaseThresholdPercent,
			CPUIncreaseThresholdPercent:          cfg.Analysis.RegressionRules.CPUIncreaseThresholdPercent,
			LogicalReadsIncreaseThresholdPercent: cfg.Analysis.RegressionRules.LogicalReadsIncreaseThresholdPercent,
			MinimumBaselineSamples:               cfg.Analysis.RegressionRules.MinimumBaselineSamples,
			MinimumExecutions:                    cfg.Analysis.RegressionRules.MinimumExecutions,
			RequireMultipleMetrics:               cfg.Analysis.RegressionRules.RequireMultipleMetrics,
		},
		HotspotRules: hotspot.Rules{
			MinTotalCPUMs:                 cfg.Analysis.HotspotRules.MinTotalCPUMs,
			MinTotalDurationMs:            cfg.Analysis.HotspotRules.MinTotalDurationMs,
			MinExecutionCount:             cfg.Analysis.HotspotRules.MinExecutionCount,
			MinAvgDurationMs:              cfg.Analysis.HotspotRules.MinAvgDurationMs,
			IncludeQueriesWithRegressions: cfg.Analysis.HotspotRules.IncludeQueriesWithRegressions,
			RankingMetric:                 hotspot.RankingMetric(cfg.Analysis.HotspotRules.RankingMetric),
			TopN:                          cfg.Analysis.HotspotRules.TopN,
		},
	}

	sched.RunPeriodic(ctx, scheduler.PeriodicJob{
		Name:         string(flags.Analysis),
		StartupDelay: cfg.Analysis.StartupDelay,
		Interval:     cfg.Analysis.AnalysisInterval,
		Backoff:      scheduler.BackoffRules{BaseBackoff: cfg.Scheduling.FailureBackoff, MaxBackoff: cfg.Scheduling.MaxFailureBackoff, MaxConsecutiveFailures: cfg.Scheduling.MaxConsecutiveFailures},
		Run: func(ctx context.Context) error {
			results := analysisOrchestrator.RunCycle(ctx, analysisTargets, analysisRules, time.Now().UTC())
			var allRegressions []model.RegressionEvent
			var allHotspots []model.Hotspot
			for _, r := range results {
				allRegressions = append(allRegressions, r.RegressionsFound...)
				allHotspots = append(allHotspots, r.Hotspots...)
			}
			if len(allRegressions) > 0 {
				alertOrchestrator.SendRegressionAlerts(ctx, allRegressions, alerting.Rules{
					Enabled:        cfg.Alerting.Enabled,
					MinimumSeverity: cfg.Alerting.Severity(),
					CooldownPeriod: cfg.Alerting.AlertCooldownPeriod,
				}, time.Now().UTC())

				for _, instanceTarget := range targets {
					isProduction := instanceTarget.IsProduction
					for _, event := range allRegressions {
						if event.InstanceName != instanceTarget.Name {
							continue
						}
						if !flagSet.IsRemediationAllowed(isProduction) {
							continue
						}
						for _, suggestion := range advisor.Suggest(event) {
							decision := guard.Check(ctx, event.InstanceName, event.DatabaseName, suggestion.RiskLevel, remediationPolicy)
							logger.Info("remediation decision",
								zap.String("instance", event.InstanceName),
								zap.String("database", event.DatabaseName),
								zap.String("action", string(suggestion.Type)),
								zap.Bool("permitted", decision.Permitted),
								zap.Bool("dryRun", decision.IsDryRun),
								zap.String("reason", decision.Reason))
						}
					}
				}
			}
			if len(allHotspots) > 0 && cfg.Alerting.Enabled {
				alertOrchestrator.SendHotspotSummary(ctx, allHotspots)
			}
			return nil
		},
	}, doneCh)
	jobs++

	sched.RunPeriodic(ctx, scheduler.PeriodicJob{
		Name:     "autoresolution",
		Interval: cfg.Analysis.AutoResolutionCheckInterval,
		Run: func(ctx context.Context) error {
			_, errs := analysisOrchestrator.CheckAutoResolutions(ctx, cfg.Analysis.RecentWindow, time.Now().UTC())
			for _, e := range errs {
				logger.Warn("auto-resolution check failed", zap.Error(e))
			}
			return nil
		},
	}, doneCh)
	jobs++

	baselineTimeOfDay, err := parseTimeOfDay(cfg.Scheduling.BaselineRebuildTimeOfDay)
	if err != nil {
		return fmt.Errorf("parsing scheduling.baseline_rebuild_time_of_day: %w", err)
	}
	sched.RunDaily(ctx, scheduler.DailyJob{
		Name:      string(flags.BaselineRebuild),
		TimeOfDay: baselineTimeOfDay,
		Run: func(ctx context.Context) error {
			return rebuildBaselines(ctx, metricsStore, baselineEngine, cfg)
		},
	}, doneCh)
	jobs++

	summaryTimeOfDay, err := parseTimeOfDay(cfg.Scheduling.DailySummaryTimeOfDay)
	if err != nil {
		return fmt.Errorf("parsing scheduling.daily_summary_time_of_day: %w", err)
	}
	sched.RunDaily(ctx, scheduler.DailyJob{
		Name:      string(flags.DailySummary),
		TimeOfDay: summaryTimeOfDay,
		Run: func(ctx context.Context) error {
			if !cfg.Alerting.SendDailySummary {
				return nil
			}
			alertOrchestrator.SendDailySummary(ctx, alerting.DailySummary{})
			return nil
		},
	}, doneCh)
	jobs++

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", healthChecker.LivenessHandler())
	mux.HandleFunc("/readyz", healthChecker.ReadinessHandler())
	httpServer := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining jobs")
	sched.Shutdown()
	for i := 0; i < jobs; i++ {
		<-doneCh
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func defaultEnabledFlags() map[flags.Name]bool {
	return map[flags.Name]bool{
		flags.PlanCollection:  true,
		flags.Analysis:        true,
		flags.BaselineRebuild: true,
		flags.DailySummary:    true,
		flags.Alerting:        true,
		flags.Remediation:     false,
		flags.HealthChecks:    true,
		flags.QueryStore:      true,
		"autoresolution":      true,
	}
}

func buildCollectionTargets(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]collection.InstanceTarget, error) {
	targets := make([]collection.InstanceTarget, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		provider, err := statsprovider.NewFromConnectionString(ctx, inst.ConnectionString, logger)
		if err != nil {
			return nil, fmt.Errorf("instance %q: %w", inst.Name, err)
		}
		targets = append(targets, collection.InstanceTarget{
			Name:         inst.Name,
			IsProduction: inst.IsProduction,
			Provider:     provider,
			Databases:    inst.Databases,
		})
	}
	return targets, nil
}

func analysisTargetsFrom(cfg *config.Config) []analysis.DatabaseTarget {
	var targets []analysis.DatabaseTarget
	for _, inst := range cfg.Instances {
		for _, db := range inst.Databases {
			targets = append(targets, analysis.DatabaseTarget{InstanceName: inst.Name, DatabaseName: db})
		}
	}
	return targets
}

func buildAlertChannels(cfg *config.Config, logger *zap.Logger) []alerting.Channel {
	var channels []alerting.Channel
	if cfg.Alerting.SlackWebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(cfg.Alerting.SlackWebhookURL, true))
	}
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel("webhook", cfg.Alerting.WebhookURL, true))
	}
	if cfg.Alerting.NewRelicAccountID != 0 && cfg.Alerting.NewRelicAPIKey != "" {
		nrChannel, err := alerting.NewNewRelicChannel(cfg.Alerting.NewRelicAccountID, cfg.Alerting.NewRelicAPIKey, true)
		if err != nil {
			logger.Warn("skipping new relic alert channel", zap.Error(err))
		} else {
			channels = append(channels, nrChannel)
		}
	}
	return channels
}

func rebuildBaselines(ctx context.Context, metricsStore *store.Postgres, engine *baseline.Engine, cfg *config.Config) error {
	rules := baseline.Rules{
		LookbackWindow:               cfg.Scheduling.BaselineLookbackWindow,
		MinimumSamples:               cfg.Scheduling.MinimumBaselineSamples,
		RefreshInterval:              24 * time.Hour,
		FallbackP50ToAvgBelowSamples: 10,
	}
	now := time.Now().UTC()
	for _, inst := range cfg.Instances {
		for _, db := range inst.Databases {
			fingerprints, err := metricsStore.GetFingerprintsByDatabase(ctx, inst.Name, db)
			if err != nil {
				return fmt.Errorf("listing fingerprints for %s/%s: %w", inst.Name, db, err)
			}
			ids := make([]uuid.UUID, len(fingerprints))
			for i, fp := range fingerprints {
				ids[i] = fp.ID
			}

			_, errs := engine.RefreshDue(ctx, inst.Name, db, ids, rules, now)
			if len(errs) > 0 {
				return fmt.Errorf("rebuilding baselines for %s/%s: %w", inst.Name, db, errors.Join(errs...))
			}
		}
	}
	return nil
}

func parseTimeOfDay(hhmm string) (scheduler.TimeOfDay, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return scheduler.TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", hhmm)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return scheduler.TimeOfDay{}, fmt.Errorf("time of day out of range: %q", hhmm)
	}
	return scheduler.TimeOfDay{Hour: hour, Minute: minute}, nil
}
