package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dbwatch/queryguard/internal/model"
)

type stubAuditCounter struct {
	count int
	err   error
}

func (s stubAuditCounter) CountSuccessfulApplies(ctx context.Context, instanceName string, since time.Time) (int, error) {
	return s.count, s.err
}

func basePolicy() Policy {
	return Policy{
		Mode:              ModeAutoApplyLowRisk,
		Environment:       EnvProduction,
		EnableRemediation: true,
		ApprovalThreshold: model.RiskHigh,
		MaxPerHour:        5,
	}
}

func TestCheck_KillSwitchDenies(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()
	p.EnableRemediation = false

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
}

func TestCheck_ReadOnlyModeDenies(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()
	p.Mode = ModeReadOnly

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
}

// S7 — guard denial chain.
func TestCheck_S7_AutoApplyLowRiskDeniesMediumRisk(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskMedium, p)
	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "risk level")
}

func TestCheck_S7_SystemDatabaseDeniesRegardlessOfRisk(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()

	d := g.Check(context.Background(), "inst1", "tempdb", model.RiskLow, p)
	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "system database")
}

func TestCheck_S7_OutsideMaintenanceWindowDenies(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	g := New(stubAuditCounter{}, clock)
	p := basePolicy()
	p.MaintenanceWindowRequired = true
	p.MaintenanceStartHour = 22
	p.MaintenanceEndHour = 4

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "maintenance window")
}

func TestCheck_SystemDatabaseCaseInsensitive(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()

	d := g.Check(context.Background(), "inst1", "TempDB", model.RiskLow, p)
	assert.False(t, d.Permitted)
}

func TestCheck_ExcludedDatabaseDenies(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()
	p.ExcludedDatabases = []string{"Orders"}

	d := g.Check(context.Background(), "inst1", "orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
}

func TestCheck_SuggestRemediationModeAlwaysDenies(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()
	p.Mode = ModeSuggestRemediation

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
	assert.NotEmpty(t, d.Alternative)
}

func TestCheck_RateLimitDeniesAtThreshold(t *testing.T) {
	g := New(stubAuditCounter{count: 5}, nil)
	p := basePolicy()

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "hourly")
}

func TestCheck_RateLimitQueryFailureDeniesFailClosed(t *testing.T) {
	g := New(stubAuditCounter{err: assert.AnError}, nil)
	p := basePolicy()

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
}

func TestCheck_ApprovalThresholdDenies(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()
	p.Mode = ModeSuggestRemediation // bypass to test order would deny earlier; use AutoApply path instead

	p.Mode = ModeAutoApplyLowRisk
	p.ApprovalThreshold = model.RiskLow

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "approval")
}

func TestCheck_PermitsWithDryRunFlagFromPolicy(t *testing.T) {
	g := New(stubAuditCounter{}, nil)
	p := basePolicy()
	p.DryRunMode = true

	d := g.Check(context.Background(), "inst1", "Orders", model.RiskLow, p)
	assert.True(t, d.Permitted)
	assert.True(t, d.IsDryRun)
}

func TestInWindow_CrossMidnight(t *testing.T) {
	assert.True(t, inWindow(23, 22, 4))
	assert.True(t, inWindow(3, 22, 4))
	assert.False(t, inWindow(5, 22, 4))
}
