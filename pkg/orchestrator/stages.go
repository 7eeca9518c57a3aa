package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/cache"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/mlclient"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/google/uuid"
)

// extractionResult bundles ENTITY_EXTRACTION's typed output with the red
// flags the service itself reported, so the DAG can merge them at step 6
// without reaching back into the ML response shape.
type extractionResult struct {
	entities *models.ExtractedEntities
	redFlags []models.RedFlag
}

func (o *Orchestrator) runEntityExtraction(ctx context.Context, requestID string, input models.PipelineInput) (any, bool, error) {
	keyHash := cache.HashTranscript(input.TranscriptText)

	fetch := func(ctx context.Context) ([]byte, error) {
		if _, err := o.minimizeAndAudit(ctx, models.ServiceAudioIntelligence, requestID, input.CorrelationID, fullContext(input, nil)); err != nil {
			return nil, err
		}

		start := o.now()
		var resp mlclient.ExtractResponse
		err := o.callML(ctx, models.ServiceAudioIntelligence, func(ctx context.Context) error {
			var callErr error
			resp, callErr = o.mlFactory.AudioIntelligence().Extract(ctx, mlclient.ExtractRequest{TranscriptText: input.TranscriptText})
			return callErr
		})
		o.recordMLCall(ctx, requestID, input.CorrelationID, models.ServiceAudioIntelligence, start, false, err == nil)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}

	var payload []byte
	var hit bool
	var err error
	if o.cfg.EnableCaching {
		payload, hit, err = o.cache.GetOrFetchExtraction(ctx, keyHash, input.CorrelationID, o.cfg.CachePHIMaxTTL, fetch)
	} else {
		payload, err = fetch(ctx)
	}
	if err != nil {
		return nil, false, err
	}
	var resp mlclient.ExtractResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false, err
	}
	return extractionResultFrom(resp), hit, nil
}

func extractionResultFrom(resp mlclient.ExtractResponse) extractionResult {
	return extractionResult{
		entities: &models.ExtractedEntities{
			Symptoms:    convertEntities(resp.Symptoms),
			Medications: convertEntities(resp.Medications),
			Vitals:      convertEntities(resp.Vitals),
		},
		redFlags: convertRedFlags(resp.RedFlags),
	}
}

func convertEntities(items []mlclient.ExtractedItem) []models.Entity {
	out := make([]models.Entity, len(items))
	for i, it := range items {
		out[i] = models.Entity{Text: it.Text, Type: it.Type, Confidence: it.Confidence, Code: it.Code, CodeSystem: it.CodeSystem}
	}
	return out
}

func convertRedFlags(items []mlclient.RedFlagItem) []models.RedFlag {
	out := make([]models.RedFlag, len(items))
	for i, it := range items {
		out[i] = models.RedFlag{Severity: models.RedFlagSeverity(it.Severity), Message: it.Message, Source: "extraction"}
	}
	return out
}

func (o *Orchestrator) runEmbeddingGeneration(ctx context.Context, requestID string, input models.PipelineInput, extracted *models.ExtractedEntities) (any, bool, error) {
	symptoms := symptomTexts(extracted)

	if _, err := o.minimizeAndAudit(ctx, models.ServiceRAGEmbeddings, requestID, input.CorrelationID, fullContext(input, symptoms)); err != nil {
		return nil, false, err
	}

	start := o.now()
	var vec []float64
	err := o.callML(ctx, models.ServiceRAGEmbeddings, func(ctx context.Context) error {
		var callErr error
		vec, callErr = o.mlFactory.RAGEmbeddings().EmbedPatientContext(ctx, mlclient.EmbedRequest{ConditionCodes: input.ConditionCodes, Symptoms: symptoms})
		return callErr
	})
	o.recordMLCall(ctx, requestID, input.CorrelationID, models.ServiceRAGEmbeddings, start, false, err == nil)
	if err != nil {
		return nil, false, err
	}
	return vec, false, nil
}

func symptomTexts(extracted *models.ExtractedEntities) []string {
	if extracted == nil {
		return nil
	}
	out := make([]string, len(extracted.Symptoms))
	for i, s := range extracted.Symptoms {
		out[i] = s.Text
	}
	return out
}

func (o *Orchestrator) runTemplateRecommendation(ctx context.Context, requestID string, input models.PipelineInput, conditionOnly bool) (any, bool, error) {
	keyHash := cache.HashRecommendationContext(input.ConditionCodes, "", "")

	fetch := func(ctx context.Context) ([]byte, error) {
		if _, err := o.minimizeAndAudit(ctx, models.ServiceCareplanRecommender, requestID, input.CorrelationID, fullContext(input, nil)); err != nil {
			return nil, err
		}

		start := o.now()
		var resp mlclient.RecommendResponse
		err := o.callML(ctx, models.ServiceCareplanRecommender, func(ctx context.Context) error {
			var callErr error
			if conditionOnly {
				resp, callErr = o.mlFactory.Recommender().Recommend(ctx, mlclient.RecommendRequest{ConditionCodes: input.ConditionCodes})
			} else {
				resp, callErr = o.mlFactory.Recommender().RecommendWithContext(ctx, mlclient.RecommendWithContextRequest{ConditionCodes: input.ConditionCodes})
			}
			return callErr
		})
		o.recordMLCall(ctx, requestID, input.CorrelationID, models.ServiceCareplanRecommender, start, false, err == nil)
		if err != nil {
			return nil, err
		}
		return json.Marshal(convertTemplates(resp.Templates))
	}

	var payload []byte
	var hit bool
	var err error
	if o.cfg.EnableCaching {
		payload, hit, err = o.cache.GetOrFetchRecommendations(ctx, keyHash, input.CorrelationID, o.cfg.CacheDefaultTTL, fetch)
	} else {
		payload, err = fetch(ctx)
	}
	if err != nil {
		return nil, false, err
	}
	var recs []models.Recommendation
	if err := json.Unmarshal(payload, &recs); err != nil {
		return nil, false, err
	}
	return recs, hit, nil
}

func convertTemplates(matches []mlclient.TemplateMatch) []models.Recommendation {
	out := make([]models.Recommendation, len(matches))
	for i, m := range matches {
		out[i] = models.Recommendation{TemplateID: m.TemplateID, Title: m.Name, Confidence: m.Confidence, MatchedConditions: m.ConditionCodes}
	}
	return out
}

func (o *Orchestrator) runDraftGeneration(ctx context.Context, requestID string, input models.PipelineInput, recs []models.Recommendation) (any, bool, error) {
	templateIDs := make([]string, len(recs))
	for i, r := range recs {
		templateIDs[i] = r.TemplateID
	}

	if _, err := o.minimizeAndAudit(ctx, models.ServiceCareplanRecommender, requestID, input.CorrelationID, fullContext(input, nil)); err != nil {
		return nil, false, err
	}

	start := o.now()
	var resp mlclient.GenerateDraftResponse
	err := o.callML(ctx, models.ServiceCareplanRecommender, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.mlFactory.Recommender().GenerateDraft(ctx, mlclient.GenerateDraftRequest{TemplateIDs: templateIDs, ConditionCodes: input.ConditionCodes})
		return callErr
	})
	o.recordMLCall(ctx, requestID, input.CorrelationID, models.ServiceCareplanRecommender, start, false, err == nil)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Drafts) == 0 {
		return nil, false, fmt.Errorf("orchestrator: generateDraft returned no drafts")
	}

	d := resp.Drafts[0]
	draft := &models.DraftCarePlan{
		ID:             uuid.NewString(),
		Title:          d.Title,
		ConditionCodes: input.ConditionCodes,
		Goals:          d.Goals,
		Interventions:  d.Interventions,
		GeneratedAt:    o.now(),
		Confidence:     d.ConfidenceScore,
		RequiresReview: d.ConfidenceScore < 0.8,
	}
	if len(recs) > 0 {
		tid := recs[0].TemplateID
		draft.TemplateID = &tid
	}
	return draft, false, nil
}

// runSafetyValidation is the local half of SAFETY_VALIDATION's "local +
// optional service" tag (spec.md §4.7 DAG table) — no external safety
// service is wired in this deployment, so the stage only asserts the draft
// confidence is in range before the DAG merges its (currently empty)
// red-flag contribution.
func (o *Orchestrator) runSafetyValidation(ctx context.Context, redFlags []models.RedFlag, draft *models.DraftCarePlan) (any, bool, error) {
	if draft != nil && (draft.Confidence < 0 || draft.Confidence > 1) {
		return nil, false, fmt.Errorf("orchestrator: draft confidence %f out of range", draft.Confidence)
	}
	return []models.RedFlag{}, false, nil
}
