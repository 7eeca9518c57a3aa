package orchestrator

import (
	"context"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// ProgressEvent is one message on a request's progress channel (spec.md
// §4.10). Stage "COMPLETE"/"ERROR" with a terminal Status marks the end of
// the stream.
type ProgressEvent struct {
	RequestID    string          `json:"requestId"`
	Stage        models.StageID  `json:"stage"`
	Status       string          `json:"status"` // stageStarted | stageCompleted | stageFailed | stageSkipped | pipelineCompleted | pipelineFailed
	Message      *string         `json:"message,omitempty"`
	PartialResult any            `json:"partialResult,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ProgressPublisher is the Progress Bus collaborator (pkg/progress
// implements it); the orchestrator only depends on the narrow publish
// surface it needs.
type ProgressPublisher interface {
	Publish(ctx context.Context, requestID string, event ProgressEvent) error
}

// noopProgress discards events; used when the orchestrator is built without
// a progress bus wired up (e.g. in unit tests focused on DAG semantics).
type noopProgress struct{}

func (noopProgress) Publish(context.Context, string, ProgressEvent) error { return nil }
