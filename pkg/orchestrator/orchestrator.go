// Package orchestrator implements the DAG executor at the center of the
// pipeline (spec.md §4.7): a six-stage graph
// (VALIDATION → ENTITY_EXTRACTION → EMBEDDING_GENERATION →
// TEMPLATE_RECOMMENDATION → DRAFT_GENERATION → SAFETY_VALIDATION) run with
// per-stage timeouts, retries, caching, auditing, and progress emission. It
// is the composition point for every leaf package in this repository:
// pkg/minimizer, pkg/cache, pkg/idempotency, pkg/degradation, pkg/errclass,
// pkg/lock, and pkg/mlclient.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/audit"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/cache"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/config"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/degradation"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/errclass"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/idempotency"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/lock"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/minimizer"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/mlclient"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/saga"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRequestInProgress is returned when an idempotency key's original
// request is still being processed by another worker.
var ErrRequestInProgress = errors.New("orchestrator: REQUEST_IN_PROGRESS")

// Orchestrator wires every collaborator needed to run process(input) →
// output. It holds no per-request state; one instance serves every job a
// worker pool hands it.
type Orchestrator struct {
	mlFactory    mlclient.Factory
	cache        *cache.Cache
	idempotency  *idempotency.Store
	degradation  *degradation.Manager
	auditor      audit.Collaborator
	cipher       *crypto.Cipher
	tracker      RequestTracker
	progress     ProgressPublisher
	redis        *redis.Client
	cfg          config.Config
	now          func() time.Time
}

// New builds an Orchestrator. progress may be nil, in which case progress
// events are discarded (useful for tests and for the PDF-import worker
// pool, which does not run the DAG at all).
func New(
	mlFactory mlclient.Factory,
	c *cache.Cache,
	idemp *idempotency.Store,
	deg *degradation.Manager,
	auditor audit.Collaborator,
	cipher *crypto.Cipher,
	tracker RequestTracker,
	progress ProgressPublisher,
	redisClient *redis.Client,
	cfg config.Config,
) *Orchestrator {
	if progress == nil {
		progress = noopProgress{}
	}
	return &Orchestrator{
		mlFactory:   mlFactory,
		cache:       c,
		idempotency: idemp,
		degradation: deg,
		auditor:     auditor,
		cipher:      cipher,
		tracker:     tracker,
		progress:    progress,
		redis:       redisClient,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Process runs spec.md §4.7's nine-step algorithm end to end for one
// request.
func (o *Orchestrator) Process(ctx context.Context, input models.PipelineInput) (models.PipelineOutput, error) {
	requestID := uuid.NewString()

	// Step 1: assign requestId, validate input shape.
	if err := validateInput(input); err != nil {
		return models.PipelineOutput{}, errclass.New(models.CategoryValidationFailed, models.StageValidation, input.CorrelationID, err)
	}

	// Step 2: log PHI access.
	o.auditor.LogPHIAccess(ctx, audit.PHIAccessEntry{
		RequestID:     requestID,
		CorrelationID: input.CorrelationID,
		Action:        "PROCESS",
		PHIFields:     phiFieldsPresent(input),
		Timestamp:     o.now(),
	})

	// Step 3: idempotency guard.
	if o.cfg.EnableIdempotency {
		cachedOutput, outcomeRequestID, err := o.guardIdempotency(ctx, &requestID, input)
		if err != nil {
			return models.PipelineOutput{}, err
		}
		if cachedOutput != nil {
			return *cachedOutput, nil
		}
		requestID = outcomeRequestID
	}

	encryptedInput, err := o.encryptJSON(input)
	if err != nil {
		return models.PipelineOutput{}, errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
	}
	if err := o.tracker.Create(ctx, models.PipelineRequest{
		ID:             requestID,
		VisitID:        input.VisitID,
		PatientID:      input.PatientID,
		UserID:         input.UserID,
		IdempotencyKey: input.IdempotencyKey,
		Status:         models.RequestPending,
		InputEncrypted: encryptedInput,
		CreatedAt:      o.now(),
	}); err != nil {
		return models.PipelineOutput{}, errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
	}
	if err := o.tracker.MarkInProgress(ctx, requestID); err != nil {
		return models.PipelineOutput{}, errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
	}

	lockKey := "idempotency:" + input.IdempotencyKey
	var output models.PipelineOutput
	runErr := lock.WithLock(ctx, o.redis, lockKey, o.cfg.LockDefaultTTL, 200*time.Millisecond, 5, func(ctx context.Context) error {
		out, err := o.runDAG(ctx, requestID, input)
		output = out
		return err
	})

	if runErr != nil {
		return o.failRequest(ctx, requestID, input, output.ProcessingMetadata.StageResults, runErr)
	}
	return o.completeRequest(ctx, requestID, input, output)
}

// guardIdempotency implements step 3. It returns a non-nil *PipelineOutput
// when the caller should short-circuit with a cached COMPLETED response, or
// an error for PENDING/FAILED/hash-mismatch outcomes.
func (o *Orchestrator) guardIdempotency(ctx context.Context, requestID *string, input models.PipelineInput) (*models.PipelineOutput, string, error) {
	bodyMap, err := toCanonicalMap(input)
	if err != nil {
		return nil, "", errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
	}
	hash, err := idempotency.CanonicalHash(bodyMap)
	if err != nil {
		return nil, "", errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
	}
	expiresAt := o.now().Add(o.cfg.IdempotencyExpiration)

	outcome, err := o.idempotency.CheckOrCreate(ctx, input.IdempotencyKey, hash, *requestID, expiresAt)
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyReused) {
			return nil, "", errclass.New(models.CategoryValidationFailed, models.StageValidation, input.CorrelationID, err)
		}
		return nil, "", errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
	}

	switch outcome.Status {
	case idempotency.OutcomeNew:
		return nil, outcome.RequestID, nil
	case idempotency.OutcomeCompleted:
		var cached models.PipelineOutput
		if err := json.Unmarshal(outcome.CachedResponse, &cached); err != nil {
			return nil, "", errclass.New(models.CategoryInternalError, models.StageValidation, input.CorrelationID, err)
		}
		return &cached, outcome.RequestID, nil
	case idempotency.OutcomeFailed:
		var cachedErr models.PipelineRequestError
		_ = json.Unmarshal(outcome.CachedError, &cachedErr)
		return nil, "", fmt.Errorf("orchestrator: cached failure %s: %s", cachedErr.Code, cachedErr.Message)
	case idempotency.OutcomePending:
		return nil, "", ErrRequestInProgress
	default:
		return nil, "", fmt.Errorf("orchestrator: unexpected idempotency outcome %q", outcome.Status)
	}
}

// completeRequest commits a successful run's side effects through a saga
// (spec.md §1): recording the result against the tracker and, when
// idempotency is enabled, against the idempotency store. If the
// idempotency commit fails after the tracker commit already succeeded, the
// tracker step is compensated back to FAILED so a caller polling the
// tracker never observes a COMPLETED request the idempotency store doesn't
// also know about.
func (o *Orchestrator) completeRequest(ctx context.Context, requestID string, input models.PipelineInput, output models.PipelineOutput) (models.PipelineOutput, error) {
	output.RequestID = requestID
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return models.PipelineOutput{}, err
	}
	encryptedResult, err := o.cipher.Encrypt(outputJSON)
	if err != nil {
		return models.PipelineOutput{}, err
	}

	stagesCompleted := make([]string, 0, len(output.ProcessingMetadata.StageResults))
	for _, sr := range output.ProcessingMetadata.StageResults {
		if sr.Status == models.StageCompleted {
			stagesCompleted = append(stagesCompleted, string(sr.StageID))
		}
	}

	steps := []saga.Step{
		{
			Name: "recordCompletion",
			Execute: func(ctx context.Context, _ any) (any, error) {
				return nil, o.tracker.Complete(ctx, requestID, encryptedResult, stagesCompleted, output.DegradedServices)
			},
			Compensate: func(ctx context.Context, _ any, _ any) error {
				return o.tracker.Fail(ctx, requestID, models.PipelineRequestError{
					Code:    "INTERNAL_ERROR",
					Message: "result recorded but idempotency commit failed",
				}, stagesCompleted)
			},
		},
	}
	if o.cfg.EnableIdempotency {
		steps = append(steps, saga.Step{
			Name: "recordIdempotency",
			Execute: func(ctx context.Context, _ any) (any, error) {
				return nil, o.idempotency.Complete(ctx, input.IdempotencyKey, requestID, outputJSON)
			},
		})
	}

	if result := saga.New(steps...).Run(ctx, nil, func(stepName string, compErr error) {
		slog.Error("orchestrator: saga compensation failed", "step", stepName, "requestId", requestID, "error", compErr)
	}); !result.Success {
		return models.PipelineOutput{}, result.Err
	}

	o.progress.Publish(ctx, requestID, ProgressEvent{RequestID: requestID, Stage: "COMPLETE", Status: "pipelineCompleted", Timestamp: o.now()})
	return output, nil
}

func (o *Orchestrator) failRequest(ctx context.Context, requestID string, input models.PipelineInput, partialStages []models.StageResult, cause error) (models.PipelineOutput, error) {
	pe := errclass.Classify(cause, models.StageSafetyValidation, input.CorrelationID)
	code := mappedErrorCode(pe.Category)
	errBody := models.PipelineRequestError{Message: pe.Message, Code: code}

	stagesCompleted := make([]string, 0, len(partialStages))
	for _, sr := range partialStages {
		if sr.Status == models.StageCompleted {
			stagesCompleted = append(stagesCompleted, string(sr.StageID))
		}
	}

	_ = o.tracker.Fail(ctx, requestID, errBody, stagesCompleted)
	if o.cfg.EnableIdempotency {
		if errJSON, err := json.Marshal(errBody); err == nil {
			_ = o.idempotency.Fail(ctx, input.IdempotencyKey, requestID, errJSON)
		}
	}
	msg := pe.Message
	o.progress.Publish(ctx, requestID, ProgressEvent{RequestID: requestID, Stage: "ERROR", Status: "pipelineFailed", Message: &msg, Timestamp: o.now()})
	return models.PipelineOutput{}, pe
}

// mappedErrorCode implements spec.md §7's propagation policy: FATAL errors
// and CRITICAL-service failures surface a sanitized code, never the raw
// category string.
func mappedErrorCode(category models.ErrorCategory) string {
	switch category {
	case models.CategoryValidationFailed:
		return "VALIDATION_ERROR"
	case models.CategoryAuthenticationFailed, models.CategoryAuthorizationFailed:
		return "AUTH_ERROR"
	case models.CategoryServiceUnavailable, models.CategoryTimeout, models.CategoryRateLimited:
		return "SERVICE_UNAVAILABLE"
	default:
		return "PIPELINE_ERROR"
	}
}

func phiFieldsPresent(input models.PipelineInput) []string {
	var fields []string
	if input.HasTranscript() {
		fields = append(fields, "transcriptText")
	}
	if input.PatientID != "" {
		fields = append(fields, "patientId")
	}
	return fields
}

func toCanonicalMap(input models.PipelineInput) (map[string]any, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fullContext(input models.PipelineInput, symptoms []string) map[string]any {
	m, _ := toCanonicalMap(input)
	if m == nil {
		m = map[string]any{}
	}
	if len(symptoms) > 0 {
		m["symptoms"] = symptoms
	}
	return m
}

func (o *Orchestrator) encryptJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return o.cipher.Encrypt(b)
}

// minimizeAndAudit projects fullCtx for service, logs a data-sharing audit
// entry for the field names that survived projection, and returns the
// minimized payload.
func (o *Orchestrator) minimizeAndAudit(ctx context.Context, service models.MLService, requestID, correlationID string, fullCtx map[string]any) (map[string]any, error) {
	projected, err := minimizer.Project(service, fullCtx)
	if err != nil {
		return nil, err
	}
	entry := minimizer.BuildAuditEntry(service, projected, correlationID, o.now())
	o.auditor.LogDataSharing(ctx, audit.DataSharingEntry{
		RequestID:     requestID,
		CorrelationID: entry.CorrelationID,
		Service:       string(entry.Service),
		FieldNames:    entry.FieldNames,
		Timestamp:     entry.Timestamp,
	})
	return projected, nil
}

// callML routes a live ML service call through the Degradation Manager's
// circuit breaker (spec.md §4.4): a service already unhealthy or with an
// open circuit fails fast with a ServiceUnavailableError instead of
// reaching the network, and every attempt updates the service's
// failureCount/errorRate/circuitState bookkeeping that ShouldUseFallback
// and the operator-facing degradation summary both read.
func (o *Orchestrator) callML(ctx context.Context, service models.MLService, fn func(ctx context.Context) error) error {
	if o.degradation.ShouldUseFallback(service) {
		return errclass.ServiceUnavailableError{Err: fmt.Errorf("degradation: %s unavailable", service)}
	}
	return o.degradation.RecordCall(ctx, service, fn)
}

func (o *Orchestrator) recordMLCall(ctx context.Context, requestID, correlationID string, service models.MLService, start time.Time, cacheHit, success bool) {
	o.auditor.LogMLServiceCall(ctx, audit.MLServiceCallEntry{
		RequestID:     requestID,
		CorrelationID: correlationID,
		Service:       string(service),
		DurationMs:    time.Since(start).Milliseconds(),
		Success:       success,
		CacheHit:      cacheHit,
		Timestamp:     o.now(),
	})
}
