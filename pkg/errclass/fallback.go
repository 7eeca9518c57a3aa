package errclass

import (
	"strings"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// conditionPrefixTemplate is one entry of the code-prefix → template stub
// table from spec.md §4.5.
type conditionPrefixTemplate struct {
	prefixes   []string
	templateID string
	title      string
	condition  string
}

// fallbackTemplates is the fixed fallback table spec.md §4.5 names verbatim.
var fallbackTemplates = []conditionPrefixTemplate{
	{[]string{"E10", "E11"}, "fallback-diabetes", "Diabetes management", "diabetes"},
	{[]string{"I10", "I11"}, "fallback-hypertension", "Hypertension management", "hypertension"},
	{[]string{"J44", "J45"}, "fallback-respiratory", "Respiratory care", "respiratory"},
	{[]string{"M54", "M79"}, "fallback-pain", "Pain management", "pain"},
	{[]string{"F32", "F33"}, "fallback-depression", "Depression care", "depression"},
}

const fallbackGeneralTemplateID = "fallback-general"

// EmptyExtraction is the degrade-path extraction result per spec.md §4.5:
// an empty entity set plus a manual-review red flag.
func EmptyExtraction() (*models.ExtractedEntities, models.RedFlag) {
	flag := models.RedFlag{
		Severity: models.SeverityMedium,
		Message:  "Extraction service unavailable; entities require manual review.",
		Source:   "system",
	}
	return &models.ExtractedEntities{}, flag
}

// RecommendationFallback maps condition codes to the fixed fallback
// template table, assigning confidence 0.3-0.5 and a "[FALLBACK]" reasoning
// prefix per spec.md §4.5. Each matched condition code prefix contributes
// one recommendation; codes matching no known prefix fall through to the
// general template, which is added at most once.
func RecommendationFallback(conditionCodes []string) []models.Recommendation {
	var recs []models.Recommendation
	seen := map[string]bool{}
	generalNeeded := false

	for _, code := range conditionCodes {
		matched := false
		for _, t := range fallbackTemplates {
			if !hasPrefix(code, t.prefixes) {
				continue
			}
			matched = true
			if seen[t.templateID] {
				continue
			}
			seen[t.templateID] = true
			recs = append(recs, fallbackRecommendation(t.templateID, t.title, code, t.condition))
		}
		if !matched {
			generalNeeded = true
		}
	}

	if generalNeeded && !seen[fallbackGeneralTemplateID] {
		recs = append(recs, fallbackRecommendation(fallbackGeneralTemplateID, "General care plan", "", "general"))
	}

	return recs
}

func hasPrefix(code string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}

func fallbackRecommendation(templateID, title, matchedCondition, reason string) models.Recommendation {
	reasoning := "[FALLBACK] recommender unavailable; matched on condition code prefix (" + reason + ")"
	matched := []string{}
	if matchedCondition != "" {
		matched = []string{matchedCondition}
	}
	return models.Recommendation{
		TemplateID:        templateID,
		Title:             title,
		Confidence:        0.4,
		MatchedConditions: matched,
		Reasoning:         &reasoning,
	}
}

// MinimalDraft is the two-goal/two-intervention draft per spec.md §4.5,
// used when draft generation fails and SKIP is not chosen by the caller.
func MinimalDraft(conditionCodes []string, now time.Time) *models.DraftCarePlan {
	return &models.DraftCarePlan{
		ID:             "fallback-draft",
		Title:          "Minimal care plan (fallback)",
		ConditionCodes: conditionCodes,
		Goals: []string{
			"Stabilize presenting condition",
			"Schedule follow-up within 7 days",
		},
		Interventions: []string{
			"Review current medications",
			"Patient education on warning signs",
		},
		GeneratedAt:    now,
		Confidence:     0.3,
		RequiresReview: true,
	}
}

// SafetyUnavailableFlag is the conservative red flag spec.md §4.5 requires
// when the safety validation service itself cannot be reached.
func SafetyUnavailableFlag() models.RedFlag {
	return models.RedFlag{
		Severity: models.SeverityHigh,
		Message:  "Safety validation unavailable; conservative manual review required.",
		Source:   "system",
	}
}
