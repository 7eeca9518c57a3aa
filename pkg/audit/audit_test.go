package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditor(buf *bytes.Buffer) *SlogAuditor {
	handler := slog.NewJSONHandler(buf, nil)
	return NewSlogAuditor(slog.New(handler))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogPHIAccessEmitsFieldNamesNotValues(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditor(&buf)

	a.LogPHIAccess(context.Background(), PHIAccessEntry{
		RequestID:     "R1",
		CorrelationID: "C1",
		Action:        "PROCESS",
		PHIFields:     []string{"transcriptText", "patientId"},
		Timestamp:     time.Now(),
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "phi_access", line["msg"])
	assert.Equal(t, "R1", line["request_id"])
	assert.Equal(t, "PROCESS", line["action"])
	fields, ok := line["phi_fields"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"transcriptText", "patientId"}, fields)
}

func TestLogMLServiceCallRecordsOutcomeAndLatency(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditor(&buf)

	a.LogMLServiceCall(context.Background(), MLServiceCallEntry{
		RequestID:     "R1",
		CorrelationID: "C1",
		Service:       "careplan-recommender",
		DurationMs:    42,
		Success:       true,
		CacheHit:      false,
		Timestamp:     time.Now(),
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "ml_service_call", line["msg"])
	assert.Equal(t, "careplan-recommender", line["service"])
	assert.Equal(t, float64(42), line["duration_ms"])
	assert.Equal(t, true, line["success"])
	assert.Equal(t, false, line["cache_hit"])
}

func TestLogDataSharingRecordsFieldNamesOnly(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditor(&buf)

	a.LogDataSharing(context.Background(), DataSharingEntry{
		RequestID:     "R1",
		CorrelationID: "C1",
		Service:       "audio-intelligence",
		FieldNames:    []string{"transcriptText", "visitId"},
		Timestamp:     time.Now(),
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "data_sharing", line["msg"])
	fields, ok := line["field_names"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"transcriptText", "visitId"}, fields)
	// the entry never carries a "value"/"values" key — only names
	assert.NotContains(t, line, "values")
	assert.NotContains(t, line, "value")
}

func TestLogJobRecordsLifecycleEvent(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditor(&buf)

	a.LogJob(context.Background(), JobEntry{
		JobID:     "J1",
		JobType:   "careplan-generation",
		Event:     "dead_lettered",
		Attempt:   4,
		Timestamp: time.Now(),
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "job_event", line["msg"])
	assert.Equal(t, "J1", line["job_id"])
	assert.Equal(t, "dead_lettered", line["event"])
	assert.Equal(t, float64(4), line["attempt"])
}

func TestLogCacheOperationRecordsKeyHashAndPHIFlag(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditor(&buf)

	a.LogCacheOperation(context.Background(), CacheOperationEntry{
		Operation:     "getExtraction",
		KeyHash:       "0123456789abcdef",
		Success:       true,
		ContainsPHI:   true,
		CorrelationID: "C1",
		Timestamp:     time.Now(),
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "cache_operation", line["msg"])
	assert.Equal(t, "getExtraction", line["operation"])
	assert.Equal(t, "0123456789abcdef", line["key_hash"])
	assert.Equal(t, true, line["contains_phi"])
}

func TestNewSlogAuditorFallsBackToDefaultLogger(t *testing.T) {
	a := NewSlogAuditor(nil)
	require.NotNil(t, a)
	assert.NotPanics(t, func() {
		a.LogJob(context.Background(), JobEntry{JobID: "J1", Event: "claimed", Timestamp: time.Now()})
	})
}
