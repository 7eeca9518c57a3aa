package models

import "time"

// PipelineInput is the immutable request payload for a single care-plan run.
// It contains PHI whenever TranscriptText is non-empty.
type PipelineInput struct {
	VisitID              string   `json:"visitId"`
	PatientID            string   `json:"patientId"`
	ConditionCodes       []string `json:"conditionCodes"`
	TranscriptText       string   `json:"transcriptText,omitempty"`
	AudioURL             string   `json:"audioUrl,omitempty"`
	PreferredTemplateIDs []string `json:"preferredTemplateIds,omitempty"`
	GenerateDraft        *bool    `json:"generateDraft,omitempty"`
	IdempotencyKey       string   `json:"idempotencyKey"`
	CorrelationID        string   `json:"correlationId"`
	UserID               string   `json:"userId"`
	UserRole             string   `json:"userRole"`
}

// WantsDraft reports whether draft generation was requested. Absence of the
// flag defaults to true per spec.md §4.7 ("iff generateDraft ≠ false").
func (p *PipelineInput) WantsDraft() bool {
	return p.GenerateDraft == nil || *p.GenerateDraft
}

// HasTranscript reports whether this input carries free-text PHI.
func (p *PipelineInput) HasTranscript() bool {
	return p.TranscriptText != ""
}

// Entity is a single extracted clinical fact (symptom, medication, vital,
// procedure, diagnosis, or allergy).
type Entity struct {
	Text         string   `json:"text"`
	Type         string   `json:"type"`
	Confidence   float64  `json:"confidence"`
	Code         *string  `json:"code,omitempty"`
	CodeSystem   *string  `json:"codeSystem,omitempty"`
	Offset       *int     `json:"offset,omitempty"`
	Length       *int     `json:"length,omitempty"`
}

// ExtractedEntities groups entities by clinical category.
type ExtractedEntities struct {
	Symptoms    []Entity `json:"symptoms"`
	Medications []Entity `json:"medications"`
	Vitals      []Entity `json:"vitals"`
	Procedures  []Entity `json:"procedures"`
	Diagnoses   []Entity `json:"diagnoses"`
	Allergies   []Entity `json:"allergies"`
}

// Recommendation is a single candidate care-plan template match.
type Recommendation struct {
	TemplateID        string   `json:"templateId"`
	Title             string   `json:"title"`
	Confidence        float64  `json:"confidence"`
	MatchedConditions []string `json:"matchedConditions"`
	Reasoning         *string  `json:"reasoning,omitempty"`
	GuidelineSource   *string  `json:"guidelineSource,omitempty"`
	EvidenceGrade     *string  `json:"evidenceGrade,omitempty"`
}

// DraftCarePlan is the generated draft, if any.
type DraftCarePlan struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	ConditionCodes   []string  `json:"conditionCodes"`
	TemplateID       *string   `json:"templateId,omitempty"`
	Goals            []string  `json:"goals"`
	Interventions    []string  `json:"interventions"`
	GeneratedAt      time.Time `json:"generatedAt"`
	Confidence       float64   `json:"confidence"`
	RequiresReview   bool      `json:"requiresReview"`
}

// RedFlag is a structured clinical alert surfaced in the output.
type RedFlag struct {
	Severity RedFlagSeverity `json:"severity"`
	Message  string          `json:"message"`
	Source   string          `json:"source"` // "extraction" | "safety" | "system"
}

// ProcessingMetadata describes how a request was executed.
type ProcessingMetadata struct {
	StageResults []StageResult `json:"stageResults"`
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  time.Time     `json:"completedAt"`
	DurationMs   int64         `json:"durationMs"`
}

// StageResult records the outcome of one DAG node for one request.
type StageResult struct {
	StageID      StageID     `json:"stageId"`
	Status       StageStatus `json:"status"`
	DurationMs   int64       `json:"durationMs"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
	CacheHit     *bool       `json:"cacheHit,omitempty"`
}

// PipelineOutput is the result returned to callers for a completed request.
type PipelineOutput struct {
	RequestID            string              `json:"requestId"`
	ExtractedEntities     *ExtractedEntities  `json:"extractedEntities,omitempty"`
	Recommendations       []Recommendation    `json:"recommendations"`
	DraftCarePlan         *DraftCarePlan      `json:"draftCarePlan,omitempty"`
	RedFlags              []RedFlag           `json:"redFlags"`
	ProcessingMetadata    ProcessingMetadata  `json:"processingMetadata"`
	DegradedServices      []string            `json:"degradedServices"`
	RequiresManualReview  bool                `json:"requiresManualReview"`
}

// SortRedFlags orders flags by severity (CRITICAL first) then by the order
// they already appear in, satisfying invariant 5 of spec.md §3: severity
// ordering is required, duplicate removal is not.
func SortRedFlags(flags []RedFlag) []RedFlag {
	sorted := make([]RedFlag, len(flags))
	copy(sorted, flags)
	// Stable insertion sort keyed on severity rank preserves original
	// relative order among equal-severity flags without pulling in sort.Slice
	// semantics that are not guaranteed stable.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Severity.Rank() < sorted[j-1].Severity.Rank(); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}
