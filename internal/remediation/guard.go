// Package remediation implements C10, the policy state machine gating any
// write action against a monitored database, and C11, the suggestion
// generator that never executes anything itself.
package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dbwatch/queryguard/internal/model"
)

// Mode is the guard's global operating posture.
type Mode string

const (
	ModeReadOnly            Mode = "readOnly"
	ModeSuggestRemediation  Mode = "suggestRemediation"
	ModeAutoApplyLowRisk    Mode = "autoApplyLowRisk"
)

// Environment tags the deployment tier an instance runs in.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// systemDatabases can never be targeted by a write action regardless of
// policy; these names are reserved by SQL Server itself.
var systemDatabases = map[string]bool{
	"master": true, "msdb": true, "model": true, "tempdb": true, "resource": true,
}

// Policy is the guard's live, validated configuration. It is read fresh on
// every check rather than cached, so a config reload takes effect
// immediately.
type Policy struct {
	Mode                     Mode
	Environment              Environment
	EnableRemediation        bool
	DryRunMode               bool
	ApprovalThreshold        model.RiskLevel
	MaxPerHour               int
	ExcludedDatabases        []string
	MaintenanceWindowRequired bool
	MaintenanceStartHour     int
	MaintenanceEndHour       int
}

func (p Policy) isExcluded(database string) bool {
	for _, d := range p.ExcludedDatabases {
		if strings.EqualFold(d, database) {
			return true
		}
	}
	return false
}

// inWindow reports whether hour falls in [start, end), accounting for
// windows that cross midnight (start > end).
func inWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// AuditCounter is the narrow slice of the persistence contract the guard
// needs for its rate limit.
type AuditCounter interface {
	CountSuccessfulApplies(ctx context.Context, instanceName string, since time.Time) (int, error)
}

// Decision is the guard's verdict. Permitted decisions carry whether the
// action must run as a dry run; denied decisions carry a human-readable
// reason and, where applicable, a suggested alternative.
type Decision struct {
	Permitted bool
	IsDryRun  bool
	Reason    string
	Alternative string
}

func permit(dryRun bool) Decision { return Decision{Permitted: true, IsDryRun: dryRun} }

func deny(reason, alternative string) Decision {
	return Decision{Permitted: false, Reason: reason, Alternative: alternative}
}

// Guard is C10. It holds no mutable state of its own; every check is a pure
// function of the supplied Policy plus one read against the audit store for
// the hourly rate limit.
type Guard struct {
	audits AuditCounter
	clock  func() time.Time
}

// New constructs a Guard. clock defaults to time.Now when nil, overridable
// for deterministic tests of the maintenance-window check.
func New(audits AuditCounter, clock func() time.Time) *Guard {
	if clock == nil {
		clock = time.Now
	}
	return &Guard{audits: audits, clock: clock}
}

// Check runs the ordered deny-chain from §4.7 and returns the first
// matching denial, or Permit carrying the dry-run flag from policy.
func (g *Guard) Check(ctx context.Context, instanceName, databaseName string, riskLevel model.RiskLevel, policy Policy) Decision {
	if !policy.EnableRemediation {
		return deny("remediation is disabled globally", "")
	}
	if policy.Mode == ModeReadOnly {
		return deny("guard is in read-only mode", "")
	}
	if systemDatabases[strings.ToLower(databaseName)] {
		return deny(fmt.Sprintf("%q is a system database", databaseName), "")
	}
	if policy.isExcluded(databaseName) {
		return deny(fmt.Sprintf("%q is in the excluded-databases list", databaseName), "")
	}
	if policy.Mode == ModeSuggestRemediation {
		return deny("mode is suggestRemediation: scripts are surfaced but never applied", "review the suggestion and apply it manually")
	}
	if policy.Mode == ModeAutoApplyLowRisk && riskLevel.Compare(model.RiskLow) > 0 {
		return deny(fmt.Sprintf("risk level %s exceeds autoApplyLowRisk's low-risk ceiling", riskLevel), "request manual approval")
	}

	count, err := g.audits.CountSuccessfulApplies(ctx, instanceName, g.clock().Add(-time.Hour))
	if err != nil {
		return deny("rate limit check failed, denying fail-closed", "")
	}
	if policy.MaxPerHour > 0 && count >= policy.MaxPerHour {
		return deny(fmt.Sprintf("hourly remediation limit reached (%d/%d)", count, policy.MaxPerHour), "wait for the next hour window")
	}

	if policy.MaintenanceWindowRequired {
		hour := g.clock().UTC().Hour()
		if !inWindow(hour, policy.MaintenanceStartHour, policy.MaintenanceEndHour) {
			return deny(fmt.Sprintf("outside maintenance window %02d:00-%02d:00 UTC", policy.MaintenanceStartHour, policy.MaintenanceEndHour), "retry during the maintenance window")
		}
	}

	if riskLevel.Compare(policy.ApprovalThreshold) >= 0 {
		return deny(fmt.Sprintf("risk level %s requires out-of-band approval", riskLevel), "obtain approval before applying")
	}

	return permit(policy.DryRunMode)
}
