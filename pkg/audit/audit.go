// Package audit defines the audit collaborator contract from spec.md §6
// (logPHIAccess, logMLServiceCall, logDataSharing, logJob) and a default
// slog-backed implementation. Every entry is guaranteed field-name-only —
// callers pass already-minimized/masked data, never raw PHI values.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// PHIAccessEntry records that a request touched PHI, and which fields.
type PHIAccessEntry struct {
	RequestID     string
	CorrelationID string
	Action        string // e.g. "PROCESS"
	PHIFields     []string
	Timestamp     time.Time
}

// MLServiceCallEntry records one call to an external ML collaborator.
type MLServiceCallEntry struct {
	RequestID     string
	CorrelationID string
	Service       string
	DurationMs    int64
	Success       bool
	CacheHit      bool
	Timestamp     time.Time
}

// DataSharingEntry records which field names were sent to which service.
type DataSharingEntry struct {
	RequestID     string
	CorrelationID string
	Service       string
	FieldNames    []string
	Timestamp     time.Time
}

// JobEntry records a queue/worker lifecycle event.
type JobEntry struct {
	JobID     string
	JobType   string
	Event     string // "claimed" | "completed" | "failed" | "dead_lettered"
	Attempt   int
	Timestamp time.Time
}

// CacheOperationEntry records one Pipeline Cache operation (spec.md §4.2).
// KeyHash is truncated to 16 hex characters — enough to correlate repeat
// hits in logs without reconstructing the full cache key.
type CacheOperationEntry struct {
	Operation     string // "getExtraction" | "setExtraction" | "getRecommendations" | ...
	KeyHash       string
	Success       bool
	ContainsPHI   bool
	CorrelationID string
	Timestamp     time.Time
}

// Collaborator is the audit sink the orchestrator, cache, and queue log
// against. It is consumed, not defined, by most of this repository — only
// this package implements it (with SlogAuditor), matching spec.md §6's
// framing of the audit collaborator as an external interface.
type Collaborator interface {
	LogPHIAccess(ctx context.Context, entry PHIAccessEntry)
	LogMLServiceCall(ctx context.Context, entry MLServiceCallEntry)
	LogDataSharing(ctx context.Context, entry DataSharingEntry)
	LogJob(ctx context.Context, entry JobEntry)
	LogCacheOperation(ctx context.Context, entry CacheOperationEntry)
}

// SlogAuditor implements Collaborator on top of log/slog, the logging
// library tarsy uses throughout (pkg/api/server.go, pkg/queue/pool.go).
type SlogAuditor struct {
	logger *slog.Logger
}

// NewSlogAuditor builds a Collaborator logging structured audit events at
// Info level. A nil logger falls back to slog.Default().
func NewSlogAuditor(logger *slog.Logger) *SlogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditor{logger: logger}
}

func (a *SlogAuditor) LogPHIAccess(_ context.Context, e PHIAccessEntry) {
	a.logger.Info("phi_access",
		"request_id", e.RequestID,
		"correlation_id", e.CorrelationID,
		"action", e.Action,
		"phi_fields", e.PHIFields,
		"timestamp", e.Timestamp)
}

func (a *SlogAuditor) LogMLServiceCall(_ context.Context, e MLServiceCallEntry) {
	a.logger.Info("ml_service_call",
		"request_id", e.RequestID,
		"correlation_id", e.CorrelationID,
		"service", e.Service,
		"duration_ms", e.DurationMs,
		"success", e.Success,
		"cache_hit", e.CacheHit,
		"timestamp", e.Timestamp)
}

func (a *SlogAuditor) LogDataSharing(_ context.Context, e DataSharingEntry) {
	a.logger.Info("data_sharing",
		"request_id", e.RequestID,
		"correlation_id", e.CorrelationID,
		"service", e.Service,
		"field_names", e.FieldNames,
		"timestamp", e.Timestamp)
}

func (a *SlogAuditor) LogJob(_ context.Context, e JobEntry) {
	a.logger.Info("job_event",
		"job_id", e.JobID,
		"job_type", e.JobType,
		"event", e.Event,
		"attempt", e.Attempt,
		"timestamp", e.Timestamp)
}

func (a *SlogAuditor) LogCacheOperation(_ context.Context, e CacheOperationEntry) {
	a.logger.Info("cache_operation",
		"operation", e.Operation,
		"key_hash", e.KeyHash,
		"success", e.Success,
		"contains_phi", e.ContainsPHI,
		"correlation_id", e.CorrelationID,
		"timestamp", e.Timestamp)
}
