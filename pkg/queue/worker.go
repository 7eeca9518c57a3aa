package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/audit"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/errclass"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// reclaimInterval and minIdle tune the orphan-recovery sweep (tarsy's
// runOrphanDetection, expressed here as a PEL auto-claim rather than a DB
// heartbeat scan).
const (
	reclaimInterval = 30 * time.Second
	reclaimMinIdle  = 2 * time.Minute
)

// Worker is a single queue worker: it reads one job at a time from its
// pool's stream, decrypts and hands it to the pool's JobHandler, and acks,
// retries, or dead-letters depending on the outcome.
type Worker struct {
	id       string
	pool     *WorkerPool
	stream   string
	stopCh   chan struct{}
	stopOnce sync.Once

	mu           sync.RWMutex
	status       WorkerStatus
	currentJobID string
	processed    int
	lastActivity time.Time
}

func newWorker(id string, pool *WorkerPool, stream string) *Worker {
	return &Worker{
		id:           id,
		pool:         pool,
		stream:       stream,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.pool.wg.Add(1)
	go w.run(ctx)

	// One reclaim sweeper per worker keeps the orphan-recovery logic
	// co-located with the worker that benefits from it, mirroring the
	// pool-level single sweeper but scaled to the pool's concurrency
	// without any additional coordination.
	w.pool.wg.Add(1)
	go w.runReclaim(ctx)
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.processed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	log := slog.With("worker_id", w.id, "pool", w.pool.Name)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					continue
				}
				log.Error("error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess applies the pool's rate limit (if any), reads the next
// delivery, and runs it through the handler.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	if w.pool.limiter != nil {
		if err := w.pool.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	msg, err := w.pool.queue.ReadNext(ctx, w.stream, w.pool.jobType, w.id, 2*time.Second)
	if err != nil {
		return err
	}

	log := slog.With("job_id", msg.job.ID, "worker_id", w.id)
	log.Info("job claimed")
	w.pool.auditor.LogJob(ctx, audit.JobEntry{JobID: msg.job.ID, JobType: msg.job.Type, Event: "claimed", Attempt: msg.job.Attempt, Timestamp: time.Now()})

	w.setStatus(WorkerStatusWorking, msg.job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancel := context.WithCancel(ctx)
	w.pool.RegisterJob(msg.job.ID, cancel)
	defer func() {
		w.pool.UnregisterJob(msg.job.ID)
		cancel()
	}()

	plaintext, decErr := w.pool.cipher.Decrypt(msg.payload)
	var handleErr error
	if decErr != nil {
		handleErr = fmt.Errorf("queue: decrypt payload: %w", decErr)
	} else {
		handleErr = w.pool.handler.Handle(jobCtx, DecodedJob{
			ID:          msg.job.ID,
			Type:        msg.job.Type,
			Attempt:     msg.job.Attempt,
			MaxAttempts: msg.job.MaxAttempts,
			Plaintext:   plaintext,
			EnqueuedAt:  msg.job.EnqueuedAt,
		})
	}

	if handleErr == nil {
		return w.complete(ctx, msg)
	}
	return w.fail(ctx, msg, handleErr)
}

func (w *Worker) complete(ctx context.Context, msg *streamMessage) error {
	if err := w.pool.queue.Ack(ctx, w.stream, w.pool.jobType, msg.deliveryID); err != nil {
		return err
	}
	_ = w.pool.queue.Trim(ctx, w.stream, w.pool.removeOnCompleteCount)
	w.pool.auditor.LogJob(ctx, audit.JobEntry{JobID: msg.job.ID, JobType: msg.job.Type, Event: "completed", Attempt: msg.job.Attempt, Timestamp: time.Now()})

	w.mu.Lock()
	w.processed++
	w.lastActivity = time.Now()
	w.mu.Unlock()
	return nil
}

// fail decides between retry and dead-letter based on the exhausted
// attempt budget, following spec.md §4.8's "attempts (default 3),
// exponential backoff" policy.
func (w *Worker) fail(ctx context.Context, msg *streamMessage, cause error) error {
	maxAttempts := msg.job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.pool.attempts
	}

	if msg.job.Attempt+1 >= maxAttempts {
		return w.deadLetter(ctx, msg, cause)
	}

	delay := backoffDelay(w.pool.backoffInitial, w.pool.backoffMax, msg.job.Attempt)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	if err := w.pool.queue.Requeue(ctx, msg.job.Type, msg.job, msg.payload); err != nil {
		return err
	}
	if err := w.pool.queue.Ack(ctx, w.stream, w.pool.jobType, msg.deliveryID); err != nil {
		return err
	}
	w.pool.auditor.LogJob(ctx, audit.JobEntry{JobID: msg.job.ID, JobType: msg.job.Type, Event: "failed", Attempt: msg.job.Attempt, Timestamp: time.Now()})
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg *streamMessage, cause error) error {
	now := time.Now()
	entry := models.DLQEntry{
		JobType:          msg.job.Type,
		JobID:            msg.job.ID,
		PayloadEncrypted: msg.payload,
		ErrorMessage:     cause.Error(),
		Attempts:         msg.job.Attempt + 1,
		FirstFailedAt:    msg.job.EnqueuedAt,
		LastFailedAt:     now,
	}
	if w.pool.dlq != nil {
		if _, err := w.pool.dlq.Add(ctx, entry); err != nil {
			return fmt.Errorf("queue: dead-letter %s: %w", msg.job.ID, err)
		}
	}
	if err := w.pool.queue.Ack(ctx, w.stream, w.pool.jobType, msg.deliveryID); err != nil {
		return err
	}
	_ = w.pool.queue.Trim(ctx, w.stream, w.pool.removeOnFailCount)
	w.pool.auditor.LogJob(ctx, audit.JobEntry{JobID: msg.job.ID, JobType: msg.job.Type, Event: "dead_lettered", Attempt: msg.job.Attempt, Timestamp: now})
	slog.Warn("job dead-lettered", "job_id", msg.job.ID, "job_type", msg.job.Type, "error", cause)
	return nil
}

// runReclaim periodically auto-claims deliveries idle longer than
// reclaimMinIdle — a worker that crashed mid-job leaves its delivery in the
// group's PEL, and this hands it to a live consumer instead of losing it
// silently (spec.md §3 invariant 6 is about the processing lock, not this
// queue, but at-least-once delivery is the queue's own contract).
func (w *Worker) runReclaim(ctx context.Context) {
	defer w.pool.wg.Done()
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := w.pool.queue.ReclaimStale(ctx, w.stream, w.pool.jobType, w.id, reclaimMinIdle, 10)
			if err != nil {
				slog.Warn("reclaim sweep failed", "worker_id", w.id, "error", err)
				continue
			}
			for _, m := range msgs {
				slog.Info("reclaimed stale delivery", "job_id", m.job.ID, "worker_id", w.id)
			}
		}
	}
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

// backoffDelay returns the delay before attempt+1's retry, computed by
// stepping a fresh exponential backoff policy attempt+1 times — the same
// cenkalti/backoff construction pkg/errclass uses for stage retries.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	b := errclass.NewRetryBackoff(base, max)
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
