package errclass

import (
	"errors"
	"strings"
	"testing"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubRemovesAllKnownPHIShapes(t *testing.T) {
	msg := "Patient John Smith SSN 123-45-6789 DOB 1980-01-02 reached at john.smith@example.com or 555-123-4567, MRN: ABC123456"
	scrubbed := Scrub(msg)

	for _, leak := range []string{"John Smith", "123-45-6789", "1980-01-02", "john.smith@example.com", "555-123-4567", "ABC123456"} {
		assert.NotContains(t, scrubbed, leak)
	}
}

func TestScrubTruncatesAt500Chars(t *testing.T) {
	long := strings.Repeat("a", 1000)
	scrubbed := Scrub(long)
	assert.Len(t, scrubbed, maxMessageLen)
}

func TestClassifyMapsStageToCategory(t *testing.T) {
	pe := Classify(errors.New("boom"), models.StageEntityExtraction, "c1")
	assert.Equal(t, models.CategoryExtractionFailed, pe.Category)
	assert.Equal(t, models.SeverityDegraded, pe.Severity)
}

func TestClassifyRecognizesTransportShapeOverStage(t *testing.T) {
	pe := Classify(ServiceUnavailableError{Err: errors.New("503")}, models.StageEntityExtraction, "c1")
	assert.Equal(t, models.CategoryServiceUnavailable, pe.Category)
}

func TestClassifyIsIdempotentOnAlreadyClassified(t *testing.T) {
	first := Classify(errors.New("boom"), models.StageEntityExtraction, "c1")
	second := Classify(first, models.StageValidation, "c2")
	assert.Same(t, first, second)
}

func TestDetermineRecoveryActionFatalAlwaysAborts(t *testing.T) {
	pe := New(models.CategoryValidationFailed, models.StageValidation, "c1", errors.New("bad input"))
	action := DetermineRecoveryAction(pe, 0, 3)
	assert.Equal(t, models.ActionAbort, action)
}

func TestDetermineRecoveryActionRetriesWithinBudget(t *testing.T) {
	pe := New(models.CategoryServiceUnavailable, models.StageEntityExtraction, "c1", errors.New("503"))
	assert.Equal(t, models.ActionRetry, DetermineRecoveryAction(pe, 2, 3))
}

func TestDetermineRecoveryActionFallsBackToStageDefaultPastRetryBudget(t *testing.T) {
	// SERVICE_UNAVAILABLE has no entry in the category default table, so
	// exhausting the retry budget falls back to the failing stage's own
	// default (ENTITY_EXTRACTION -> DEGRADE) rather than ABORT.
	pe := New(models.CategoryServiceUnavailable, models.StageEntityExtraction, "c1", errors.New("503"))
	assert.Equal(t, models.ActionDegrade, DetermineRecoveryAction(pe, 3, 3))
}

func TestDetermineRecoveryActionAbortsWhenNeitherCategoryNorStageHasADefault(t *testing.T) {
	pe := New(models.CategoryServiceUnavailable, models.StageSafetyValidation, "c1", errors.New("503"))
	assert.Equal(t, models.ActionAbort, DetermineRecoveryAction(pe, 3, 3))
}

func TestDetermineRecoveryActionUsesDefaultTableForNonRetryable(t *testing.T) {
	pe := New(models.CategoryEmbeddingFailed, models.StageEmbeddingGeneration, "c1", errors.New("embedding down"))
	assert.Equal(t, models.ActionSkip, DetermineRecoveryAction(pe, 0, 3))

	pe2 := New(models.CategoryRecommendationFailed, models.StageTemplateRecommendation, "c1", errors.New("down"))
	assert.Equal(t, models.ActionUseFallback, DetermineRecoveryAction(pe2, 0, 3))
}

func TestExactlyMaxRetriesPlusOneAttempts(t *testing.T) {
	maxRetries := 3
	pe := New(models.CategoryTimeout, models.StageEntityExtraction, "c1", errors.New("timeout"))

	attempts := 0
	for retryCount := 0; ; retryCount++ {
		attempts++
		action := DetermineRecoveryAction(pe, retryCount, maxRetries)
		if action != models.ActionRetry {
			break
		}
	}
	assert.Equal(t, maxRetries+1, attempts)
}

func TestRecommendationFallbackMatchesKnownPrefixes(t *testing.T) {
	recs := RecommendationFallback([]string{"E11.9"})
	require.Len(t, recs, 1)
	assert.Equal(t, "fallback-diabetes", recs[0].TemplateID)
	assert.True(t, strings.HasPrefix(*recs[0].Reasoning, "[FALLBACK]"))
	assert.GreaterOrEqual(t, recs[0].Confidence, 0.3)
	assert.LessOrEqual(t, recs[0].Confidence, 0.5)
}

func TestRecommendationFallbackUsesGeneralForUnknownCodes(t *testing.T) {
	recs := RecommendationFallback([]string{"Z99.9"})
	require.Len(t, recs, 1)
	assert.Equal(t, fallbackGeneralTemplateID, recs[0].TemplateID)
}
