package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig is the base URL for each external ML service (spec.md §6's
// service endpoint table). An empty URL disables that service's client,
// which then always errors on call.
type HTTPConfig struct {
	AudioIntelligenceURL string
	RecommenderURL       string
	RAGEmbeddingsURL     string
	PDFParserURL         string
	Timeout              time.Duration
}

// httpFactory implements Factory over plain net/http clients, one per
// service, following tarsy's pkg/runbook.GitHubClient shape: a bare
// *http.Client with a fixed timeout, requests built with
// http.NewRequestWithContext, bodies decoded with encoding/json.
type httpFactory struct {
	audio       *audioIntelligenceClient
	recommender *recommenderClient
	embeddings  *ragEmbeddingsClient
	pdf         *pdfParserClient
}

// NewHTTPFactory builds a Factory backed by real HTTP calls to the four
// external ML services.
func NewHTTPFactory(cfg HTTPConfig) Factory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &httpFactory{
		audio:       &audioIntelligenceClient{baseURL: cfg.AudioIntelligenceURL, http: client},
		recommender: &recommenderClient{baseURL: cfg.RecommenderURL, http: client},
		embeddings:  &ragEmbeddingsClient{baseURL: cfg.RAGEmbeddingsURL, http: client},
		pdf:         &pdfParserClient{baseURL: cfg.PDFParserURL, http: client},
	}
}

func (f *httpFactory) AudioIntelligence() AudioIntelligence { return f.audio }
func (f *httpFactory) Recommender() Recommender             { return f.recommender }
func (f *httpFactory) RAGEmbeddings() RAGEmbeddings          { return f.embeddings }
func (f *httpFactory) PDFParser() PDFParser                  { return f.pdf }

// CheckAllServices pings every configured service's /health endpoint and
// reports aggregate status. The Degradation Manager does not call it; its
// per-service health comes from the calls it wraps in RecordCall.
func (f *httpFactory) CheckAllServices(ctx context.Context) (HealthReport, error) {
	checks := []struct {
		service string
		client  *baseClient
	}{
		{"audio-intelligence", &f.audio.baseClient},
		{"careplan-recommender", &f.recommender.baseClient},
		{"rag-embeddings", &f.embeddings.baseClient},
		{"pdf-parser", &f.pdf.baseClient},
	}

	report := HealthReport{Overall: "healthy"}
	for _, c := range checks {
		status := ServiceStatus{Service: c.service}
		start := time.Now()
		err := c.client.ping(ctx)
		status.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			msg := err.Error()
			status.Status = "unhealthy"
			status.LastError = &msg
			report.DegradedServices = append(report.DegradedServices, c.service)
			report.Overall = "degraded"
		} else {
			status.Status = "healthy"
			now := time.Now().Format(time.RFC3339)
			status.LastSuccess = &now
		}
		report.Services = append(report.Services, status)
	}
	return report, nil
}

// GetCircuitStates is a placeholder for circuit introspection: the actual
// breaker state lives in pkg/degradation.Manager, which wraps every call
// these clients make. This factory has no breaker of its own to report.
func (f *httpFactory) GetCircuitStates(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

// baseClient is the shared request/decode plumbing every service client
// embeds.
type baseClient struct {
	baseURL string
	http    *http.Client
}

func (b *baseClient) ping(ctx context.Context) error {
	if b.baseURL == "" {
		return fmt.Errorf("mlclient: service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mlclient: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (b *baseClient) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	if b.baseURL == "" {
		return fmt.Errorf("mlclient: service not configured")
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("mlclient: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mlclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("mlclient: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mlclient: read response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mlclient: %s returned HTTP %d: %s", path, resp.StatusCode, string(body))
	}
	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("mlclient: decode response from %s: %w", path, err)
		}
	}
	return nil
}

type audioIntelligenceClient struct {
	baseClient
}

func (c *audioIntelligenceClient) Extract(ctx context.Context, req ExtractRequest) (ExtractResponse, error) {
	var resp ExtractResponse
	err := c.postJSON(ctx, "/v1/extract", req, &resp)
	return resp, err
}

type recommenderClient struct {
	baseClient
}

func (c *recommenderClient) Recommend(ctx context.Context, req RecommendRequest) (RecommendResponse, error) {
	var resp RecommendResponse
	err := c.postJSON(ctx, "/v1/recommend", req, &resp)
	return resp, err
}

func (c *recommenderClient) RecommendWithContext(ctx context.Context, req RecommendWithContextRequest) (RecommendResponse, error) {
	var resp RecommendResponse
	err := c.postJSON(ctx, "/v1/recommend-with-context", req, &resp)
	return resp, err
}

func (c *recommenderClient) GenerateDraft(ctx context.Context, req GenerateDraftRequest) (GenerateDraftResponse, error) {
	var resp GenerateDraftResponse
	err := c.postJSON(ctx, "/v1/generate-draft", req, &resp)
	return resp, err
}

type ragEmbeddingsClient struct {
	baseClient
}

func (c *ragEmbeddingsClient) EmbedPatientContext(ctx context.Context, req EmbedRequest) ([]float64, error) {
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	err := c.postJSON(ctx, "/v1/embed", req, &resp)
	return resp.Embedding, err
}

type pdfParserClient struct {
	baseClient
}

func (c *pdfParserClient) Parse(ctx context.Context, fileKey string) (ParseResponse, error) {
	var resp ParseResponse
	err := c.postJSON(ctx, "/v1/parse", map[string]string{"fileKey": fileKey}, &resp)
	return resp, err
}
