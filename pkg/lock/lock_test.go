package lock

import (
	"context"
	"testing"
	"time"

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

func TestAcquireSucceedsOnFreeKey(t *testing.T) {
	client := newTestClient(t)
	l, err := Acquire(context.Background(), client, "K1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	client := newTestClient(t)
	_, err := Acquire(context.Background(), client, "K1", 5*time.Second)
	require.NoError(t, err)

	_, err = Acquire(context.Background(), client, "K1", 5*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestReleaseFreesKeyForReacquisition(t *testing.T) {
	client := newTestClient(t)
	l, err := Acquire(context.Background(), client, "K1", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background()))

	_, err = Acquire(context.Background(), client, "K1", 5*time.Second)
	assert.NoError(t, err)
}

func TestReleaseFailsIfAnotherHolderOwnsTheKey(t *testing.T) {
	client := newTestClient(t)
	l, err := Acquire(context.Background(), client, "K1", 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond) // let it expire

	_, err = Acquire(context.Background(), client, "K1", 5*time.Second)
	require.NoError(t, err)

	err = l.Release(context.Background())
	assert.ErrorIs(t, err, ErrLostOwnership)
}

func TestAcquireWithRetryWaitsForRelease(t *testing.T) {
	client := newTestClient(t)
	l, err := Acquire(context.Background(), client, "K1", 5*time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Release(context.Background())
	}()

	l2, err := AcquireWithRetry(context.Background(), client, "K1", 5*time.Second, 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.NotNil(t, l2)
}

func TestWithLockRunsBodyAndReleases(t *testing.T) {
	client := newTestClient(t)
	ran := false

	err := WithLock(context.Background(), client, "K1", 5*time.Second, 10*time.Millisecond, 3, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// released — a fresh acquire should succeed immediately
	_, err = Acquire(context.Background(), client, "K1", 5*time.Second)
	assert.NoError(t, err)
}
