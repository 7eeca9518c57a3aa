package errclass

import "github.com/Prism-Clinical/careplan-orchestrator/pkg/models"

// retryableCategories are the only categories eligible for RETRY per
// spec.md §4.5.
var retryableCategories = map[models.ErrorCategory]bool{
	models.CategoryServiceUnavailable: true,
	models.CategoryTimeout:            true,
	models.CategoryRateLimited:        true,
}

// defaultActions is the per-category default recovery action table from
// spec.md §4.5.
var defaultActions = map[models.ErrorCategory]models.RecoveryAction{
	models.CategoryExtractionFailed:      models.ActionDegrade,
	models.CategoryEmbeddingFailed:       models.ActionSkip,
	models.CategoryRecommendationFailed:  models.ActionUseFallback,
	models.CategoryDraftGenerationFailed: models.ActionSkip,
}

// stageDefaultActions is the same per-stage defaults as defaultActions,
// keyed by stage rather than category. A retryable transport category
// (SERVICE_UNAVAILABLE/TIMEOUT/RATE_LIMITED) carries no entry of its own in
// defaultActions, so once its retry budget is exhausted the failing stage's
// own default still applies instead of falling through to ABORT — e.g. the
// audio service returning 503 on every attempt degrades ENTITY_EXTRACTION
// the same way an EXTRACTION_FAILED error would, per spec.md §8.
var stageDefaultActions = map[models.StageID]models.RecoveryAction{
	models.StageEntityExtraction:       models.ActionDegrade,
	models.StageEmbeddingGeneration:    models.ActionSkip,
	models.StageTemplateRecommendation: models.ActionUseFallback,
	models.StageDraftGeneration:        models.ActionSkip,
}

// DetermineRecoveryAction implements spec.md §4.5's
// determineRecoveryAction(error, retryCount, maxRetries).
//
// FATAL severity aborts unconditionally. Otherwise, a retryable category
// under the retry budget retries; past the budget (or for a non-retryable
// category), the category's default action applies, falling back to the
// failing stage's own default, and only then to ABORT.
func DetermineRecoveryAction(pe *PipelineError, retryCount, maxRetries int) models.RecoveryAction {
	if pe.Severity == models.SeverityFatal {
		return models.ActionAbort
	}
	if retryableCategories[pe.Category] && retryCount < maxRetries {
		return models.ActionRetry
	}
	if action, ok := defaultActions[pe.Category]; ok {
		return action
	}
	if action, ok := stageDefaultActions[pe.Stage]; ok {
		return action
	}
	return models.ActionAbort
}
