package orchestrator

import (
	"context"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// RequestTracker is the Request Tracker collaborator (pkg/tracker
// implements it). The orchestrator only depends on the write path it needs
// to drive a request through its lifecycle; read/admin operations
// (getByVisitId, getStats, ...) live on the concrete tracker type.
type RequestTracker interface {
	Create(ctx context.Context, req models.PipelineRequest) error
	MarkInProgress(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, resultEncrypted []byte, stagesCompleted, degradedServices []string) error
	Fail(ctx context.Context, id string, errBody models.PipelineRequestError, stagesCompleted []string) error
}
