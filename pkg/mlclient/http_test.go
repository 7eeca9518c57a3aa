package mlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioIntelligenceExtractDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/extract", r.URL.Path)
		var req ExtractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "patient reports chest pain", req.TranscriptText)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ExtractResponse{
			Symptoms: []ExtractedItem{{Text: "chest pain", Type: "symptom", Confidence: 0.9}},
			NLUTier:  "tier1",
		})
	}))
	defer server.Close()

	factory := NewHTTPFactory(HTTPConfig{AudioIntelligenceURL: server.URL})
	resp, err := factory.AudioIntelligence().Extract(context.Background(), ExtractRequest{TranscriptText: "patient reports chest pain"})
	require.NoError(t, err)
	require.Len(t, resp.Symptoms, 1)
	assert.Equal(t, "chest pain", resp.Symptoms[0].Text)
	assert.Equal(t, "tier1", resp.NLUTier)
}

func TestPDFParserParsePostsFileKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "uploads/visit-1.pdf", body["fileKey"])
		_ = json.NewEncoder(w).Encode(ParseResponse{Codes: []string{"E11.9"}, Confidence: 0.8})
	}))
	defer server.Close()

	factory := NewHTTPFactory(HTTPConfig{PDFParserURL: server.URL})
	resp, err := factory.PDFParser().Parse(context.Background(), "uploads/visit-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"E11.9"}, resp.Codes)
	assert.InDelta(t, 0.8, resp.Confidence, 0.0001)
}

func TestCallReturnsErrorOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	factory := NewHTTPFactory(HTTPConfig{RecommenderURL: server.URL})
	_, err := factory.Recommender().Recommend(context.Background(), RecommendRequest{ConditionCodes: []string{"E11.9"}})
	require.Error(t, err)
}

func TestCallReturnsErrorWhenServiceNotConfigured(t *testing.T) {
	factory := NewHTTPFactory(HTTPConfig{})
	_, err := factory.RAGEmbeddings().EmbedPatientContext(context.Background(), EmbedRequest{ConditionCodes: []string{"E11.9"}})
	require.Error(t, err)
}

func TestCheckAllServicesReportsDegradedWhenUnreachable(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	factory := NewHTTPFactory(HTTPConfig{AudioIntelligenceURL: healthy.URL})
	report, err := factory.CheckAllServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", report.Overall)
	assert.Contains(t, report.DegradedServices, "careplan-recommender")
}
