package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/audit"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"golang.org/x/time/rate"
)

// WorkerPool manages one named pool of queue workers (spec.md §4.8's
// "generation" or "pdf-import" pool), each reading from the same stream
// under a shared consumer group.
type WorkerPool struct {
	Name        string
	jobType     string
	queue       transport
	cipher      *crypto.Cipher
	handler     JobHandler
	auditor     audit.Collaborator
	dlq         DLQWriter
	concurrency int
	limiter     *rate.Limiter

	attempts              int
	backoffInitial        time.Duration
	backoffMax            time.Duration
	removeOnCompleteCount int64
	removeOnFailCount     int64

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
}

// PoolConfig configures one WorkerPool.
type PoolConfig struct {
	Name                  string
	JobType               string
	Concurrency           int
	RatePerSec            int // 0 disables rate limiting
	Attempts              int
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	RemoveOnCompleteCount int64
	RemoveOnFailCount     int64
}

// NewWorkerPool builds a WorkerPool. handler processes every decoded job;
// dlq receives jobs that exhaust their attempt budget.
func NewWorkerPool(q transport, cipher *crypto.Cipher, handler JobHandler, auditor audit.Collaborator, dlq DLQWriter, cfg PoolConfig) *WorkerPool {
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &WorkerPool{
		Name:                  cfg.Name,
		jobType:               cfg.JobType,
		queue:                 q,
		cipher:                cipher,
		handler:               handler,
		auditor:               auditor,
		dlq:                   dlq,
		concurrency:           cfg.Concurrency,
		limiter:               limiter,
		attempts:              cfg.Attempts,
		backoffInitial:        cfg.BackoffInitial,
		backoffMax:            cfg.BackoffMax,
		removeOnCompleteCount: cfg.RemoveOnCompleteCount,
		removeOnFailCount:     cfg.RemoveOnFailCount,
		stopCh:                make(chan struct{}),
		activeJobs:            make(map[string]context.CancelFunc),
	}
}

// Start ensures the consumer group exists and spawns `concurrency` worker
// goroutines. Safe to call once; a second call is a no-op.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate Start call", "pool", p.Name)
		return nil
	}
	p.started = true

	stream := StreamKey(p.jobType)
	if err := p.queue.EnsureGroup(ctx, stream, p.jobType); err != nil {
		return fmt.Errorf("queue: start pool %s: %w", p.Name, err)
	}

	slog.Info("starting worker pool", "pool", p.Name, "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.Name, i)
		w := newWorker(workerID, p, stream)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}
	return nil
}

// Stop signals every worker to stop and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	slog.Info("stopping worker pool", "pool", p.Name)
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, w := range p.workers {
		w.stop()
	}
	p.wg.Wait()
	slog.Info("worker pool stopped", "pool", p.Name)
}

// RegisterJob stores a cancel function for manual cancellation (propagated
// by cancelPipelineRequest).
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a job on this pod, returning
// true iff it was found here.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health reports the pool's current state.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	depth, err := p.queue.Depth(ctx, StreamKey(p.jobType))
	reachable := err == nil

	stats := make([]WorkerHealth, len(p.workers))
	active := 0
	for i, w := range p.workers {
		h := w.health()
		stats[i] = h
		if h.Status == string(WorkerStatusWorking) {
			active++
		}
	}

	return &PoolHealth{
		PoolName:       p.Name,
		IsHealthy:      reachable && len(p.workers) > 0,
		RedisReachable: reachable,
		ActiveWorkers:  active,
		TotalWorkers:   len(p.workers),
		QueueDepth:     depth,
		WorkerStats:    stats,
	}
}
