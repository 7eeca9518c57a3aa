// Package errclass classifies raw pipeline failures into a category and
// severity, scrubs PHI out of error messages before they can propagate, and
// decides the recovery action for a failed stage (spec.md §4.5, §7).
package errclass

import (
	"context"
	"errors"
	"fmt"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// maxMessageLen truncates scrubbed messages per spec.md §4.5.
const maxMessageLen = 500

// PipelineError is the single carrier type replacing the source's error
// subclass hierarchy (spec.md §9's "Error subclasses" redesign flag). Every
// domain error that crosses the orchestrator boundary is a *PipelineError.
type PipelineError struct {
	Category      models.ErrorCategory
	Severity      models.ErrorSeverity
	Stage         models.StageID
	CorrelationID string
	RetryCount    int
	FallbackUsed  bool
	Message       string

	cause error
}

// New builds a PipelineError, scrubbing and truncating the message at
// construction time so no call site can forget to sanitize it.
func New(category models.ErrorCategory, stage models.StageID, correlationID string, cause error) *PipelineError {
	return &PipelineError{
		Category:      category,
		Severity:      severityFor(category),
		Stage:         stage,
		CorrelationID: correlationID,
		Message:       Scrub(causeMessage(cause)),
		cause:         cause,
	}
}

func causeMessage(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s/%s] stage=%s correlation_id=%s: %s",
		e.Category, e.Severity, e.Stage, e.CorrelationID, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

// WithRetryCount returns a copy annotated with the current retry count.
func (e *PipelineError) WithRetryCount(n int) *PipelineError {
	cp := *e
	cp.RetryCount = n
	return &cp
}

// WithFallback returns a copy marked as having used a fallback generator.
func (e *PipelineError) WithFallback() *PipelineError {
	cp := *e
	cp.FallbackUsed = true
	return &cp
}

// severityFor maps a category to its default severity per spec.md §4.5.
func severityFor(category models.ErrorCategory) models.ErrorSeverity {
	switch category {
	case models.CategoryValidationFailed,
		models.CategoryAuthenticationFailed,
		models.CategoryAuthorizationFailed:
		return models.SeverityFatal
	case models.CategoryExtractionFailed,
		models.CategoryEmbeddingFailed,
		models.CategoryRecommendationFailed,
		models.CategoryDraftGenerationFailed:
		return models.SeverityDegraded
	default:
		return models.SeverityRecoverable
	}
}

// Classify maps a raw error into a PipelineError. Stage determines the
// category mapping for stage-scoped failures; transport failures are
// recognized by their error type (see categoryFor), not by message text.
func Classify(cause error, stage models.StageID, correlationID string) *PipelineError {
	if pe, ok := cause.(*PipelineError); ok {
		return pe
	}

	category := categoryFor(cause, stage)
	return New(category, stage, correlationID, cause)
}

// categoryFor chooses a category for a raw error, preferring transport-shape
// signals (timeout, rate limit, auth) over the stage default so that, e.g.,
// a 503 from the recommender is SERVICE_UNAVAILABLE rather than
// RECOMMENDATION_FAILED — the recovery table keys off both.
func categoryFor(cause error, stage models.StageID) models.ErrorCategory {
	if cause == nil {
		return models.CategoryInternalError
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return models.CategoryTimeout
	}
	switch cause.(type) {
	case TimeoutError:
		return models.CategoryTimeout
	case RateLimitedError:
		return models.CategoryRateLimited
	case ServiceUnavailableError:
		return models.CategoryServiceUnavailable
	case AuthenticationError:
		return models.CategoryAuthenticationFailed
	case AuthorizationError:
		return models.CategoryAuthorizationFailed
	}

	switch stage {
	case models.StageValidation:
		return models.CategoryValidationFailed
	case models.StageEntityExtraction:
		return models.CategoryExtractionFailed
	case models.StageEmbeddingGeneration:
		return models.CategoryEmbeddingFailed
	case models.StageTemplateRecommendation:
		return models.CategoryRecommendationFailed
	case models.StageDraftGeneration:
		return models.CategoryDraftGenerationFailed
	default:
		return models.CategoryInternalError
	}
}

// Sentinel transport-shape error types. ML client implementations (out of
// scope here) are expected to return one of these so Classify can recognize
// the failure mode independent of stage.
type (
	TimeoutError            struct{ Err error }
	RateLimitedError        struct{ Err error }
	ServiceUnavailableError struct{ Err error }
	AuthenticationError     struct{ Err error }
	AuthorizationError      struct{ Err error }
)

func (e TimeoutError) Error() string            { return "timeout: " + e.Err.Error() }
func (e TimeoutError) Unwrap() error             { return e.Err }
func (e RateLimitedError) Error() string         { return "rate limited: " + e.Err.Error() }
func (e RateLimitedError) Unwrap() error          { return e.Err }
func (e ServiceUnavailableError) Error() string  { return "service unavailable: " + e.Err.Error() }
func (e ServiceUnavailableError) Unwrap() error   { return e.Err }
func (e AuthenticationError) Error() string      { return "authentication failed: " + e.Err.Error() }
func (e AuthenticationError) Unwrap() error       { return e.Err }
func (e AuthorizationError) Error() string       { return "authorization failed: " + e.Err.Error() }
func (e AuthorizationError) Unwrap() error        { return e.Err }
