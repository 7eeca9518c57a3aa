package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix = "pipeline:queue:"
	dedupPrefix  = "pipeline:queue:dedup:"
	dedupTTL     = 24 * time.Hour
)

// transport is the subset of Queue's operations a WorkerPool/Worker needs
// to read, ack, retry, and reclaim deliveries. Pulling it out as an
// interface (rather than a *Queue field) lets tests exercise the retry/
// dead-letter decision logic in worker.go against an in-memory fake,
// without depending on miniredis's Streams command coverage.
type transport interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadNext(ctx context.Context, stream, group, consumer string, block time.Duration) (*streamMessage, error)
	ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]*streamMessage, error)
	Requeue(ctx context.Context, jobType string, job DecodedJob, payload []byte) error
	Ack(ctx context.Context, stream, group, deliveryID string) error
	Trim(ctx context.Context, stream string, maxLen int64) error
	Depth(ctx context.Context, stream string) (int64, error)
}

// Queue wraps a Redis Streams transport shared by every worker pool. Each
// job type owns its own stream (StreamKey), consumers within a pool share
// one consumer group so a delivery lands on exactly one worker at a time.
// Queue implements transport.
type Queue struct {
	redis *redis.Client
}

// New builds a Queue over an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{redis: client}
}

// StreamKey returns the stream name for a job type.
func StreamKey(jobType string) string {
	return streamPrefix + jobType
}

// EnsureGroup creates the consumer group for stream, starting from the
// beginning of the stream, and creates the stream itself if absent. It is
// idempotent: BUSYGROUP ("already exists") is swallowed.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("queue: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

// Enqueue appends an encrypted job payload to stream with the given
// options. When opts.JobID is set, a dedup key is SETNX'd first; a
// collision returns the existing job id and ErrDuplicateJob rather than
// adding a second stream entry.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte, opts JobOptions) (string, error) {
	stream := StreamKey(jobType)
	if err := q.EnsureGroup(ctx, stream, jobType); err != nil {
		return "", err
	}

	if opts.JobID != "" {
		ok, err := q.redis.SetNX(ctx, dedupPrefix+opts.JobID, "1", dedupTTL).Result()
		if err != nil {
			return "", fmt.Errorf("queue: dedup check: %w", err)
		}
		if !ok {
			return opts.JobID, ErrDuplicateJob
		}
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"jobId":       opts.JobID,
			"type":        jobType,
			"payload":     payload,
			"attempt":     "0",
			"maxAttempts": strconv.Itoa(opts.Attempts),
			"enqueuedAt":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: xadd %s: %w", stream, err)
	}
	_ = id
	return opts.JobID, nil
}

// Requeue re-appends a job at its next attempt count, used when a handler
// fails and retries remain. The caller acks the original delivery
// separately so the stream never carries two claimable copies at once.
func (q *Queue) Requeue(ctx context.Context, jobType string, job DecodedJob, payload []byte) error {
	stream := StreamKey(jobType)
	_, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"jobId":       job.ID,
			"type":        jobType,
			"payload":     payload,
			"attempt":     strconv.Itoa(job.Attempt + 1),
			"maxAttempts": strconv.Itoa(job.MaxAttempts),
			"enqueuedAt":  job.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", stream, err)
	}
	return nil
}

// streamMessage is one XREADGROUP delivery, still stream-shaped (encrypted
// payload, string fields) before a worker decrypts and parses it.
type streamMessage struct {
	deliveryID string
	job        DecodedJob
	payload    []byte
}

// ReadNext blocks up to block for the next undelivered message on stream
// for group/consumer. Returns ErrNoJobsAvailable on a timeout with nothing
// read.
func (q *Queue) ReadNext(ctx context.Context, stream, group, consumer string, block time.Duration) (*streamMessage, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("queue: xreadgroup %s: %w", stream, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, ErrNoJobsAvailable
	}
	return parseMessage(res[0].Messages[0])
}

// ReclaimStale auto-claims messages idle longer than minIdle from dead or
// stalled consumers, handing them back to consumer for redelivery — the
// Streams equivalent of tarsy's orphan-detection sweep in pkg/queue/pool.go
// (there done via a DB heartbeat column; here via the stream's PEL idle
// time).
func (q *Queue) ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]*streamMessage, error) {
	msgs, _, err := q.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: xautoclaim %s: %w", stream, err)
	}
	out := make([]*streamMessage, 0, len(msgs))
	for _, m := range msgs {
		sm, err := parseMessage(m)
		if err != nil {
			continue
		}
		out = append(out, sm)
	}
	return out, nil
}

func parseMessage(m redis.XMessage) (*streamMessage, error) {
	typ, _ := m.Values["type"].(string)
	jobID, _ := m.Values["jobId"].(string)
	payloadStr, _ := m.Values["payload"].(string)
	attempt, _ := strconv.Atoi(asString(m.Values["attempt"]))
	maxAttempts, _ := strconv.Atoi(asString(m.Values["maxAttempts"]))
	enqueuedAt, err := time.Parse(time.RFC3339Nano, asString(m.Values["enqueuedAt"]))
	if err != nil {
		enqueuedAt = time.Now().UTC()
	}
	return &streamMessage{
		deliveryID: m.ID,
		payload:    []byte(payloadStr),
		job: DecodedJob{
			ID:          jobID,
			Type:        typ,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			EnqueuedAt:  enqueuedAt,
		},
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// Ack acknowledges a delivery, removing it from the group's pending list.
func (q *Queue) Ack(ctx context.Context, stream, group, deliveryID string) error {
	if err := q.redis.XAck(ctx, stream, group, deliveryID).Err(); err != nil {
		return fmt.Errorf("queue: xack %s: %w", stream, err)
	}
	return nil
}

// Trim enforces a removeOnComplete/removeOnFail count bound by trimming
// the stream to approximately maxLen entries (MAXLEN ~ semantics: Redis may
// retain a few extra entries for efficiency, which is acceptable for a
// retention bound rather than an exact cap).
func (q *Queue) Trim(ctx context.Context, stream string, maxLen int64) error {
	if maxLen <= 0 {
		return nil
	}
	if err := q.redis.XTrimMaxLenApprox(ctx, stream, maxLen, 100).Err(); err != nil {
		return fmt.Errorf("queue: xtrim %s: %w", stream, err)
	}
	return nil
}

// Depth returns the approximate number of entries in stream (XLEN), used
// by PoolHealth.
func (q *Queue) Depth(ctx context.Context, stream string) (int64, error) {
	n, err := q.redis.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xlen %s: %w", stream, err)
	}
	return n, nil
}
