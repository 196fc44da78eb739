package remediation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dbwatch/queryguard/internal/model"
)

// Advisor is C11. It only ever produces data; nothing in this package opens
// a connection to a target database.
type Advisor struct{}

// NewAdvisor constructs an Advisor.
func NewAdvisor() *Advisor { return &Advisor{} }

// Suggest inspects a regression event and, optionally, the plan-hash
// evidence carried on it, returning zero or more candidate remediations
// ordered by ascending Priority value (Priority 1 first).
func (a *Advisor) Suggest(event model.RegressionEvent) []model.RemediationSuggestion {
	var suggestions []model.RemediationSuggestion

	if event.Type == model.RegressionPlanChange || event.Type == model.RegressionPlanChangeWithMetric {
		if event.OldPlanHash != nil {
			suggestions = append(suggestions, model.RemediationSuggestion{
				ID:          uuid.New(),
				Type:        model.RemediationForcePlan,
				Title:       "Force the previously-good execution plan",
				Description: fmt.Sprintf("Plan hash changed from %s to %s; forcing the prior plan reverts to known-good behavior until statistics or indexes are fixed.", *event.OldPlanHash, safePlanHash(event.NewPlanHash)),
				Safety:      model.SafetyRequiresReview,
				Confidence:  0.6,
				Priority:    1,
				RiskLevel:   model.RiskMedium,
			})
		}
	}

	if event.Metric == model.MetricAvgLogicalReads {
		suggestions = append(suggestions, model.RemediationSuggestion{
			ID:          uuid.New(),
			Type:        model.RemediationCreateIndex,
			Title:       "Review indexing for increased logical reads",
			Description: "Logical reads rose well beyond baseline; an existing index may no longer cover this query's access pattern.",
			Safety:      model.SafetyManualOnly,
			Confidence:  0.4,
			Priority:    3,
			RiskLevel:   model.RiskHigh,
		})
	}

	suggestions = append(suggestions, model.RemediationSuggestion{
		ID:          uuid.New(),
		Type:        model.RemediationUpdateStatistics,
		Title:       "Update statistics on tables touched by this query",
		Description: "Stale statistics are a common cause of sudden plan regressions and are safe to refresh.",
		Script:      strPtr("UPDATE STATISTICS"),
		Safety:      model.SafetySafe,
		Confidence:  0.5,
		Priority:    2,
		RiskLevel:   model.RiskLow,
	})

	if event.Severity.AtLeast(model.SeverityHigh) {
		suggestions = append(suggestions, model.RemediationSuggestion{
			ID:          uuid.New(),
			Type:        model.RemediationClearPlanCache,
			Title:       "Clear the cached plan for this statement",
			Description: "Severity is high enough that forcing a fresh compile may be preferable to waiting for the next natural eviction.",
			Safety:      model.SafetyRequiresReview,
			Confidence:  0.3,
			Priority:    4,
			RiskLevel:   model.RiskMedium,
		})
	}

	return sortedByPriority(suggestions)
}

func safePlanHash(h *string) string {
	if h == nil {
		return "unknown"
	}
	return *h
}

func strPtr(s string) *string { return &s }

func sortedByPriority(s []model.RemediationSuggestion) []model.RemediationSuggestion {
	out := make([]model.RemediationSuggestion, len(s))
	copy(out, s)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
