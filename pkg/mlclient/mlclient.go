// Package mlclient declares the typed collaborator interfaces for the
// external ML services (spec.md §6). These are consumed, not implemented,
// by this repository — the ML services themselves are out of scope — but
// the types here replace the dynamic/any-typed responses the source used
// with tagged Go structs (spec.md §9's redesign flag), so unknown fields
// are simply dropped at the JSON boundary rather than carried as `any`.
package mlclient

import "context"

// AudioIntelligence extracts clinical entities and red flags from a
// transcript.
type AudioIntelligence interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResponse, error)
}

type ExtractRequest struct {
	TranscriptText string `json:"transcriptText"`
}

type ExtractedItem struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Code       *string `json:"code,omitempty"`
	CodeSystem *string `json:"codeSystem,omitempty"`
}

type ExtractResponse struct {
	Symptoms    []ExtractedItem `json:"symptoms"`
	Medications []ExtractedItem `json:"medications"`
	Vitals      []ExtractedItem `json:"vitals"`
	RedFlags    []RedFlagItem   `json:"redFlags,omitempty"`
	NLUTier     string          `json:"nluTier"`
}

type RedFlagItem struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Recommender proposes care-plan templates and drafts.
type Recommender interface {
	Recommend(ctx context.Context, req RecommendRequest) (RecommendResponse, error)
	RecommendWithContext(ctx context.Context, req RecommendWithContextRequest) (RecommendResponse, error)
	GenerateDraft(ctx context.Context, req GenerateDraftRequest) (GenerateDraftResponse, error)
}

type RecommendRequest struct {
	ConditionCodes []string `json:"conditionCodes"`
}

type Demographics struct {
	Age *int    `json:"age,omitempty"`
	Sex *string `json:"sex,omitempty"` // "M" | "F"
}

type RecommendWithContextRequest struct {
	ConditionCodes []string     `json:"conditionCodes"`
	Demographics   Demographics `json:"demographics"`
}

type TemplateMatch struct {
	TemplateID     string   `json:"templateId"`
	Name           string   `json:"name"`
	Confidence     float64  `json:"confidence"`
	ConditionCodes []string `json:"conditionCodes"`
	MatchFactors   []string `json:"matchFactors,omitempty"`
}

type RecommendResponse struct {
	Templates    []TemplateMatch `json:"templates"`
	ModelVersion string          `json:"modelVersion"`
}

type GenerateDraftRequest struct {
	TemplateIDs    []string `json:"templateIds"`
	ConditionCodes []string `json:"conditionCodes"`
}

type DraftStub struct {
	Title           string   `json:"title"`
	Goals           []string `json:"goals"`
	Interventions   []string `json:"interventions"`
	ConfidenceScore float64  `json:"confidenceScore"`
}

type GenerateDraftResponse struct {
	Drafts []DraftStub `json:"drafts"`
}

// RAGEmbeddings produces a numeric embedding for downstream similarity
// search (consumed, not indexed, by this orchestrator).
type RAGEmbeddings interface {
	EmbedPatientContext(ctx context.Context, req EmbedRequest) ([]float64, error)
}

type EmbedRequest struct {
	ConditionCodes []string `json:"conditionCodes"`
	Symptoms       []string `json:"symptoms,omitempty"`
}

// PDFParser extracts a care plan from a previously-uploaded PDF.
type PDFParser interface {
	Parse(ctx context.Context, fileKey string) (ParseResponse, error)
}

type ParseValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	FileSize int64    `json:"fileSize"`
	MimeType string   `json:"mimeType"`
}

type ParseResponse struct {
	CarePlan   map[string]any  `json:"carePlan"`
	Codes      []string        `json:"codes"`
	Validation ParseValidation `json:"validation"`
	Confidence float64         `json:"confidence"`
}

// ServiceStatus is one entry of Factory.CheckAllServices.
type ServiceStatus struct {
	Service     string  `json:"service"`
	Status      string  `json:"status"`
	LatencyMs   int64   `json:"latency"`
	LastError   *string `json:"lastError,omitempty"`
	LastSuccess *string `json:"lastSuccess,omitempty"`
}

type HealthReport struct {
	Overall          string          `json:"overall"`
	Services         []ServiceStatus `json:"services"`
	DegradedServices []string        `json:"degradedServices"`
}

// Factory is the collaborator that constructs/owns ML client instances and
// reports aggregate health; the orchestrator obtains every ML client from it.
type Factory interface {
	AudioIntelligence() AudioIntelligence
	Recommender() Recommender
	RAGEmbeddings() RAGEmbeddings
	PDFParser() PDFParser
	CheckAllServices(ctx context.Context) (HealthReport, error)
	GetCircuitStates(ctx context.Context) (map[string]string, error)
}
