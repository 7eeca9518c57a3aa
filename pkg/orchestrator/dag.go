package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/errclass"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// stageOutcome is executeStage's result: either Err is nil and Result/
// StageResult carry the stage's output, or Err is non-nil and Action tells
// the caller whether to abort, degrade, skip, or fall back.
type stageOutcome struct {
	Result      any
	StageResult models.StageResult
	Err         *errclass.PipelineError
	Action      models.RecoveryAction
}

// stageBody is a unit of stage work; the second return value flags a cache
// hit so executeStage can record it on the StageResult without the body
// reaching back into the harness.
type stageBody func(ctx context.Context) (result any, cacheHit bool, err error)

// executeStage implements spec.md §4.7 step 4: skip check, timeout race,
// retry-with-backoff-then-classify, and progress emission around one stage
// body.
func (o *Orchestrator) executeStage(ctx context.Context, requestID, correlationID string, stage models.StageID, body stageBody) stageOutcome {
	if !o.degradation.ShouldExecuteStage(stage) {
		o.emitProgress(ctx, requestID, stage, "stageSkipped", nil)
		return stageOutcome{StageResult: models.StageResult{StageID: stage, Status: models.StageSkipped}}
	}

	o.emitProgress(ctx, requestID, stage, "stageStarted", nil)
	start := o.now()

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	bo := errclass.NewRetryBackoff(100*time.Millisecond, 5*time.Second)

	type raceResult struct {
		result   any
		cacheHit bool
		err      error
	}

	for attempt := 0; ; attempt++ {
		resultCh := make(chan raceResult, 1)
		go func() {
			r, hit, err := body(stageCtx)
			resultCh <- raceResult{r, hit, err}
		}()

		var rr raceResult
		select {
		case <-stageCtx.Done():
			rr.err = stageCtx.Err()
		case rr = <-resultCh:
		}

		if rr.err == nil {
			hit := rr.cacheHit
			o.emitProgress(ctx, requestID, stage, "stageCompleted", nil)
			return stageOutcome{
				Result: rr.result,
				StageResult: models.StageResult{
					StageID:    stage,
					Status:     models.StageCompleted,
					DurationMs: time.Since(start).Milliseconds(),
					CacheHit:   &hit,
				},
			}
		}

		pe := errclass.Classify(rr.err, stage, correlationID).WithRetryCount(attempt)
		action := errclass.DetermineRecoveryAction(pe, attempt, o.cfg.MaxRetries)
		if action == models.ActionRetry {
			select {
			case <-stageCtx.Done():
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		msg := pe.Message
		o.emitProgress(ctx, requestID, stage, "stageFailed", &msg)
		return stageOutcome{
			StageResult: models.StageResult{
				StageID:      stage,
				Status:       models.StageFailed,
				DurationMs:   time.Since(start).Milliseconds(),
				ErrorMessage: &msg,
			},
			Err:    pe,
			Action: action,
		}
	}
}

func (o *Orchestrator) emitProgress(ctx context.Context, requestID string, stage models.StageID, status string, message *string) {
	_ = o.progress.Publish(ctx, requestID, ProgressEvent{RequestID: requestID, Stage: stage, Status: status, Message: message, Timestamp: o.now()})
}

// runDAG executes steps 4-7 of spec.md §4.7 for one request, already past
// the idempotency guard and holding the per-key distributed lock.
func (o *Orchestrator) runDAG(ctx context.Context, requestID string, input models.PipelineInput) (models.PipelineOutput, error) {
	started := o.now()
	stageResults := []models.StageResult{{StageID: models.StageValidation, Status: models.StageCompleted}}
	degradedSet := map[string]bool{}
	var redFlags []models.RedFlag
	var extracted *models.ExtractedEntities
	var recommendations []models.Recommendation
	var draft *models.DraftCarePlan
	useConditionOnly := false

	if input.HasTranscript() {
		outcome := o.executeStage(ctx, requestID, input.CorrelationID, models.StageEntityExtraction, func(ctx context.Context) (any, bool, error) {
			return o.runEntityExtraction(ctx, requestID, input)
		})
		stageResults = append(stageResults, outcome.StageResult)
		// A stage the Degradation Manager skipped has neither a result nor an
		// error; it takes the fallback path below.
		switch {
		case outcome.Err == nil && outcome.StageResult.Status == models.StageCompleted:
			res := outcome.Result.(extractionResult)
			extracted = res.entities
			redFlags = append(redFlags, res.redFlags...)
		case outcome.Action == models.ActionAbort:
			return o.partialOutput(stageResults, started), outcome.Err
		default:
			fallbackEntities, flag := errclass.EmptyExtraction()
			extracted = fallbackEntities
			redFlags = append(redFlags, flag)
			degradedSet[string(models.ServiceAudioIntelligence)] = true
		}
	} else {
		stageResults = append(stageResults, models.StageResult{StageID: models.StageEntityExtraction, Status: models.StageSkipped})
	}

	embOutcome := o.executeStage(ctx, requestID, input.CorrelationID, models.StageEmbeddingGeneration, func(ctx context.Context) (any, bool, error) {
		return o.runEmbeddingGeneration(ctx, requestID, input, extracted)
	})
	stageResults = append(stageResults, embOutcome.StageResult)
	if embOutcome.Err != nil && embOutcome.StageResult.Status != models.StageSkipped {
		useConditionOnly = true
		degradedSet[string(models.ServiceRAGEmbeddings)] = true
	}

	recOutcome := o.executeStage(ctx, requestID, input.CorrelationID, models.StageTemplateRecommendation, func(ctx context.Context) (any, bool, error) {
		return o.runTemplateRecommendation(ctx, requestID, input, useConditionOnly)
	})
	stageResults = append(stageResults, recOutcome.StageResult)
	switch {
	case recOutcome.Err == nil && recOutcome.StageResult.Status == models.StageCompleted:
		recommendations = recOutcome.Result.([]models.Recommendation)
	case recOutcome.Action == models.ActionAbort:
		return o.partialOutput(stageResults, started), recOutcome.Err
	default:
		recommendations = errclass.RecommendationFallback(input.ConditionCodes)
		degradedSet[string(models.ServiceCareplanRecommender)] = true
	}

	if input.WantsDraft() && len(recommendations) >= 1 {
		draftOutcome := o.executeStage(ctx, requestID, input.CorrelationID, models.StageDraftGeneration, func(ctx context.Context) (any, bool, error) {
			return o.runDraftGeneration(ctx, requestID, input, recommendations)
		})
		stageResults = append(stageResults, draftOutcome.StageResult)
		switch {
		case draftOutcome.Err == nil:
			draft, _ = draftOutcome.Result.(*models.DraftCarePlan)
		case draftOutcome.Action == models.ActionAbort:
			return o.partialOutput(stageResults, started), draftOutcome.Err
		case draftOutcome.Action == models.ActionSkip:
			degradedSet[string(models.ServiceCareplanRecommender)] = true
		default:
			d := errclass.MinimalDraft(input.ConditionCodes, o.now())
			draft = d
			degradedSet[string(models.ServiceCareplanRecommender)] = true
		}
	} else {
		stageResults = append(stageResults, models.StageResult{StageID: models.StageDraftGeneration, Status: models.StageSkipped})
	}

	safetyOutcome := o.executeStage(ctx, requestID, input.CorrelationID, models.StageSafetyValidation, func(ctx context.Context) (any, bool, error) {
		return o.runSafetyValidation(ctx, redFlags, draft)
	})
	stageResults = append(stageResults, safetyOutcome.StageResult)
	if safetyOutcome.Err != nil {
		redFlags = append(redFlags, errclass.SafetyUnavailableFlag())
		return o.partialOutput(stageResults, started), safetyOutcome.Err
	}
	safetyFlags, _ := safetyOutcome.Result.([]models.RedFlag)
	redFlags = append(redFlags, safetyFlags...)

	redFlags = models.SortRedFlags(redFlags)

	degradedServices := make([]string, 0, len(degradedSet))
	for svc := range degradedSet {
		degradedServices = append(degradedServices, svc)
	}
	sort.Strings(degradedServices)

	requiresManualReview := anyCriticalFlag(redFlags) ||
		degradedSet[string(models.ServiceAudioIntelligence)] ||
		(draft != nil && draft.Confidence < 0.5) ||
		countHighFlags(redFlags) >= 2

	completed := o.now()
	return models.PipelineOutput{
		ExtractedEntities: extracted,
		Recommendations:   recommendations,
		DraftCarePlan:     draft,
		RedFlags:          redFlags,
		ProcessingMetadata: models.ProcessingMetadata{
			StageResults: stageResults,
			StartedAt:    started,
			CompletedAt:  completed,
			DurationMs:   completed.Sub(started).Milliseconds(),
		},
		DegradedServices:     degradedServices,
		RequiresManualReview: requiresManualReview,
	}, nil
}

func (o *Orchestrator) partialOutput(stageResults []models.StageResult, started time.Time) models.PipelineOutput {
	return models.PipelineOutput{
		ProcessingMetadata: models.ProcessingMetadata{StageResults: stageResults, StartedAt: started, CompletedAt: o.now()},
	}
}

func anyCriticalFlag(flags []models.RedFlag) bool {
	for _, f := range flags {
		if f.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

func countHighFlags(flags []models.RedFlag) int {
	n := 0
	for _, f := range flags {
		if f.Severity == models.SeverityHigh {
			n++
		}
	}
	return n
}
