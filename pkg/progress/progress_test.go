package progress

import (
	"context"
	"testing"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/orchestrator"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForSubscriber(t *testing.T, ctx context.Context, client *redis.Client, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := client.PubSubNumSub(ctx, channel).Result()
		require.NoError(t, err)
		if n[channel] > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscriber registered on %s", channel)
}

func TestPublishDeliversEventToSubscriber(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	bus := New(client).WithInactivityTimeout(time.Second)

	sub := bus.Subscribe(ctx, "req-1")
	defer sub.Close()
	waitForSubscriber(t, ctx, client, channelName("req-1"))

	err := bus.Publish(ctx, "req-1", orchestrator.ProgressEvent{
		RequestID: "req-1",
		Stage:     "VALIDATION",
		Status:    "stageStarted",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	event, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "stageStarted", event.Status)
}

func TestNextEndsStreamOnTerminalEvent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	bus := New(client).WithInactivityTimeout(time.Second)

	sub := bus.Subscribe(ctx, "req-2")
	defer sub.Close()
	waitForSubscriber(t, ctx, client, channelName("req-2"))

	require.NoError(t, bus.Publish(ctx, "req-2", orchestrator.ProgressEvent{
		RequestID: "req-2",
		Stage:     "COMPLETE",
		Status:    "pipelineCompleted",
		Timestamp: time.Now(),
	}))

	event, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pipelineCompleted", event.Status)

	// Stream is over; a further Next must not block.
	event2, ok2, err2 := sub.Next(ctx)
	require.NoError(t, err2)
	assert.False(t, ok2)
	assert.Nil(t, event2)
}

func TestNextEndsStreamOnInactivityTimeout(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	bus := New(client).WithInactivityTimeout(20 * time.Millisecond)

	sub := bus.Subscribe(ctx, "req-3")
	defer sub.Close()

	event, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, event)
}

func TestNextEndsStreamOnContextCancellation(t *testing.T) {
	client := newTestClient(t)
	bus := New(client).WithInactivityTimeout(time.Minute)

	cancelCtx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(cancelCtx, "req-4")
	defer sub.Close()
	cancel()

	event, ok, err := sub.Next(cancelCtx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, event)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	bus := New(client)
	sub := bus.Subscribe(ctx, "req-5")

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}
