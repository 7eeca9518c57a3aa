// Package progress implements the Progress Bus (spec.md §4.10): one Redis
// pub/sub channel per request id carrying stage-level events, exposed to
// subscribers as a pull-based iterator rather than a callback. The
// channel-per-request fan-out mirrors tarsy's pkg/events.ConnectionManager
// (one logical stream per subscriber, broadcast to every listener); the
// transport is go-redis's PubSub in place of tarsy's Postgres LISTEN/NOTIFY,
// per this repo's Redis-centric stack.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/orchestrator"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "pipeline:progress:"

// defaultInactivityTimeout bounds how long a Subscription's Next waits for
// the next message before giving up, per spec.md §4.10's "inactivity
// timeout (default 5 minutes)".
const defaultInactivityTimeout = 5 * time.Minute

// Bus implements the Progress Bus collaborator over Redis pub/sub.
type Bus struct {
	redis             *redis.Client
	inactivityTimeout time.Duration
}

// New builds a Bus with the spec default inactivity timeout.
func New(client *redis.Client) *Bus {
	return &Bus{redis: client, inactivityTimeout: defaultInactivityTimeout}
}

// WithInactivityTimeout overrides the default 5-minute subscriber timeout;
// used by tests to avoid real 5-minute waits.
func (b *Bus) WithInactivityTimeout(d time.Duration) *Bus {
	b.inactivityTimeout = d
	return b
}

func channelName(requestID string) string {
	return channelPrefix + requestID
}

// Publish implements orchestrator.ProgressPublisher: it marshals event and
// publishes it to the request's channel. Publishing to a channel with no
// subscribers is a no-op in Redis, not an error — events simply aren't
// replayed to late joiners (spec.md places no catchup requirement on this
// channel, unlike tarsy's DB-backed catchup).
func (b *Bus) Publish(ctx context.Context, requestID string, event orchestrator.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("progress: marshal event for %s: %w", requestID, err)
	}
	if err := b.redis.Publish(ctx, channelName(requestID), payload).Err(); err != nil {
		return fmt.Errorf("progress: publish for %s: %w", requestID, err)
	}
	return nil
}

// Subscribe opens a Subscription on a request's channel. Next tears down
// the connection itself on every path that ends the stream; callers that
// stop iterating early (without cancelling ctx) must call Close themselves.
func (b *Bus) Subscribe(ctx context.Context, requestID string) *Subscription {
	pubsub := b.redis.Subscribe(ctx, channelName(requestID))
	return &Subscription{
		pubsub:  pubsub,
		timeout: b.inactivityTimeout,
	}
}

// Subscription is a pull-based iterator over one request's progress
// channel. Next blocks until a message arrives, the inactivity timeout
// elapses, or ctx is cancelled.
type Subscription struct {
	pubsub    *redis.PubSub
	timeout   time.Duration
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next event, or (nil, false, nil) when the stream ends
// because a terminal event was already observed, the subscription's
// inactivity timeout elapsed, or ctx was cancelled. A non-nil error means
// the underlying channel message could not be decoded; a closed Redis
// channel also ends the stream with (nil, false, nil). Every exit that ends the stream closes the
// underlying Redis connection itself, so callers are not required to call
// Close except to abandon an in-progress iteration early.
func (s *Subscription) Next(ctx context.Context) (*orchestrator.ProgressEvent, bool, error) {
	if s.closed {
		return nil, false, nil
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = s.Close()
		return nil, false, nil
	case <-timer.C:
		_ = s.Close()
		return nil, false, nil
	case msg, ok := <-s.pubsub.Channel():
		if !ok {
			_ = s.Close()
			return nil, false, nil
		}
		var event orchestrator.ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			_ = s.Close()
			return nil, false, fmt.Errorf("progress: decode event: %w", err)
		}
		if isTerminal(event) {
			// The caller still receives this final event; close now so the
			// stream is fully torn down by the time Next returns.
			_ = s.Close()
		}
		return &event, true, nil
	}
}

// isTerminal reports whether event ends the stream, per spec.md §4.10:
// stage COMPLETE/ERROR with a terminal status.
func isTerminal(event orchestrator.ProgressEvent) bool {
	return event.Status == "pipelineCompleted" || event.Status == "pipelineFailed"
}

// Close unsubscribes and releases the Redis connection. Safe to call more
// than once, and safe to call even if Next was never called.
func (s *Subscription) Close() error {
	s.closed = true
	s.closeOnce.Do(func() { s.closeErr = s.pubsub.Close() })
	return s.closeErr
}
