package remediation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbwatch/queryguard/internal/model"
)

func TestSuggest_AlwaysIncludesUpdateStatistics(t *testing.T) {
	a := NewAdvisor()
	event := model.RegressionEvent{Type: model.RegressionMetricOnly, Metric: model.MetricP95Duration, Severity: model.SeverityLow}

	suggestions := a.Suggest(event)
	found := false
	for _, s := range suggestions {
		if s.Type == model.RemediationUpdateStatistics {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSuggest_PlanChangeWithOldHashSuggestsForcePlan(t *testing.T) {
	a := NewAdvisor()
	old := "abc123"
	event := model.RegressionEvent{Type: model.RegressionPlanChange, OldPlanHash: &old, Severity: model.SeverityMedium}

	suggestions := a.Suggest(event)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, model.RemediationForcePlan, suggestions[0].Type)
}

func TestSuggest_HighSeverityIncludesClearPlanCache(t *testing.T) {
	a := NewAdvisor()
	event := model.RegressionEvent{Type: model.RegressionMetricOnly, Metric: model.MetricP95CPU, Severity: model.SeverityCritical}

	suggestions := a.Suggest(event)
	found := false
	for _, s := range suggestions {
		if s.Type == model.RemediationClearPlanCache {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSuggest_OrderedByAscendingPriority(t *testing.T) {
	a := NewAdvisor()
	old := "abc"
	event := model.RegressionEvent{Type: model.RegressionPlanChangeWithMetric, OldPlanHash: &old, Metric: model.MetricAvgLogicalReads, Severity: model.SeverityCritical}

	suggestions := a.Suggest(event)
	for i := 1; i < len(suggestions); i++ {
		assert.LessOrEqual(t, suggestions[i-1].Priority, suggestions[i].Priority)
	}
}

func TestSuggest_EverySuggestionCarriesSafetyLevel(t *testing.T) {
	a := NewAdvisor()
	event := model.RegressionEvent{Type: model.RegressionMetricOnly, Metric: model.MetricP95Duration, Severity: model.SeverityLow}

	for _, s := range a.Suggest(event) {
		assert.NotEqual(t, model.RemediationSafety(""), s.Safety)
	}
}
