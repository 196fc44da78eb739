package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEnabled_UnknownNameDefaultsFalse(t *testing.T) {
	f := New(NewSnapshot(map[Name]bool{Analysis: true}, false, false))
	assert.False(t, f.IsEnabled("somethingelse"))
	assert.True(t, f.IsEnabled("analysis"))
}

func TestIsEnabled_CaseInsensitive(t *testing.T) {
	f := New(NewSnapshot(map[Name]bool{PlanCollection: true}, false, false))
	assert.True(t, f.IsEnabled("PlanCollection"))
	assert.True(t, f.IsEnabled("PLANCOLLECTION"))
}

func TestIsRemediationAllowed_GlobalOffAlwaysDenies(t *testing.T) {
	f := New(NewSnapshot(map[Name]bool{Remediation: false}, true, false))
	assert.False(t, f.IsRemediationAllowed(false))
	assert.False(t, f.IsRemediationAllowed(true))
}

func TestIsRemediationAllowed_NonProductionAllowedWithoutOverride(t *testing.T) {
	f := New(NewSnapshot(map[Name]bool{Remediation: true}, false, false))
	assert.True(t, f.IsRemediationAllowed(false))
}

func TestIsRemediationAllowed_ProductionRequiresOverrideUnlessDryRun(t *testing.T) {
	f := New(NewSnapshot(map[Name]bool{Remediation: true}, false, false))
	assert.False(t, f.IsRemediationAllowed(true))

	f.Replace(NewSnapshot(map[Name]bool{Remediation: true}, false, true))
	assert.True(t, f.IsRemediationAllowed(true))

	f.Replace(NewSnapshot(map[Name]bool{Remediation: true}, true, false))
	assert.True(t, f.IsRemediationAllowed(true))
}

func TestReplace_SwapsSnapshotAtomically(t *testing.T) {
	f := New(NewSnapshot(map[Name]bool{Alerting: false}, false, false))
	assert.False(t, f.IsEnabled("alerting"))

	f.Replace(NewSnapshot(map[Name]bool{Alerting: true}, false, false))
	assert.True(t, f.IsEnabled("alerting"))
}
