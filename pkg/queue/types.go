// Package queue implements the Job Queue & Workers component (spec.md
// §4.8): a Redis Streams-backed at-least-once FIFO with per-job retry
// options, two named worker pools (generation, pdf-import), and conversion
// of terminally-failed jobs into dead-letter entries. The worker pool shape
// (Start/Stop with graceful drain, per-job cancel registry, Health) is
// ported from tarsy's pkg/queue/pool.go and worker.go; the transport itself
// is Redis Streams rather than tarsy's Postgres FOR-UPDATE-SKIP-LOCKED poll,
// since this queue has no database table of its own to claim rows from.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates the stream read returned nothing within
	// the block interval.
	ErrNoJobsAvailable = errors.New("queue: no jobs available")

	// ErrDuplicateJob indicates Enqueue was called with a jobId already
	// seen within the dedup window.
	ErrDuplicateJob = errors.New("queue: duplicate job id")
)

// JobOptions configures one Enqueue call (spec.md §4.8). Enqueue writes only
// JobID and Attempts into the stream entry: retry delays and trim counts come
// from the worker pool's PoolConfig, and the RemoveOn*Age bounds are not
// applied anywhere.
type JobOptions struct {
	// JobID, when set, deduplicates at the queue layer: a second Enqueue
	// with the same JobID within the dedup TTL is rejected with
	// ErrDuplicateJob rather than accepted twice. Generation jobs use the
	// submission's idempotency key and pdf-import jobs a fresh uuid; it is
	// not the tracked request id, which the orchestrator mints later.
	JobID string

	// Attempts is the maximum number of delivery attempts before the job
	// is converted to a DLQ entry. Default 3.
	Attempts int

	// BackoffInitial is the first retry delay; subsequent retries double it
	// up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// RemoveOnCompleteAge/Count bound how long/how many completed job
	// entries are retained in the stream for inspection.
	RemoveOnCompleteAge   time.Duration
	RemoveOnCompleteCount int64

	// RemoveOnFailAge/Count are larger bounds than RemoveOnComplete, kept
	// around longer for debugging before the entry is trimmed.
	RemoveOnFailAge   time.Duration
	RemoveOnFailCount int64
}

// DefaultJobOptions returns spec.md §4.8's defaults.
func DefaultJobOptions(jobID string) JobOptions {
	return JobOptions{
		JobID:                 jobID,
		Attempts:              3,
		BackoffInitial:        500 * time.Millisecond,
		BackoffMax:            30 * time.Second,
		RemoveOnCompleteAge:   time.Hour,
		RemoveOnCompleteCount: 1000,
		RemoveOnFailAge:       24 * time.Hour,
		RemoveOnFailCount:     10000,
	}
}

// DecodedJob is one delivery of a job, handed to a JobHandler after the
// queue has parsed the stream entry and decrypted its payload.
type DecodedJob struct {
	ID          string
	Type        string
	Attempt     int
	MaxAttempts int
	Plaintext   []byte
	EnqueuedAt  time.Time
}

// JobHandler processes one decoded job. A non-nil error causes the worker
// to retry (if attempts remain) or dead-letter the job (if exhausted).
type JobHandler interface {
	Handle(ctx context.Context, job DecodedJob) error
}

// DLQWriter is the subset of the request tracker's DLQ surface the queue
// needs to convert an exhausted job into a dead-letter entry. Implemented
// by pkg/tracker.
type DLQWriter interface {
	Add(ctx context.Context, entry models.DLQEntry) (string, error)
}

// WorkerStatus mirrors tarsy's pkg/queue/types.go WorkerStatus.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth reports one worker's current state.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// PoolHealth reports a whole pool's current state.
type PoolHealth struct {
	PoolName      string         `json:"pool_name"`
	IsHealthy     bool           `json:"is_healthy"`
	RedisReachable bool          `json:"redis_reachable"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int64          `json:"queue_depth"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
