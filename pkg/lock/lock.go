// Package lock implements the distributed lock (spec.md §4.6): a unique
// per-acquisition token set with SET NX EX, released or TTL-extended only
// by a Lua script that checks the stored token — so a lock never releases
// or extends someone else's acquisition.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Acquire/WithLock when every retry is
// exhausted without obtaining the lock.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrLostOwnership is returned by Extend/Release when the caller's token no
// longer matches the key's stored value (another holder, or the key expired
// and was re-acquired by someone else).
var ErrLostOwnership = errors.New("lock: lost ownership")

const keyPrefix = "lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Lock represents one successful acquisition; it must be released exactly
// once, on every exit path of the caller.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire attempts a single SET NX EX against key with ttl. Returns
// ErrNotAcquired (not an error wrapping a Redis failure) when the key is
// already held.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("lock: generate token: %w", err)
	}
	fullKey := keyPrefix + key
	ok, err := client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{client: client, key: fullKey, token: token}, nil
}

// AcquireWithRetry retries Acquire at waitInterval up to retries times
// (the first attempt plus `retries` additional attempts) before giving up.
func AcquireWithRetry(ctx context.Context, client *redis.Client, key string, ttl, waitInterval time.Duration, retries int) (*Lock, error) {
	for attempt := 0; ; attempt++ {
		l, err := Acquire(ctx, client, key, ttl)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if attempt >= retries {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitInterval):
		}
	}
}

// Extend pushes the lock's TTL out by ttl, failing if ownership was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("lock: extend: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrLostOwnership
	}
	return nil
}

// Release deletes the key iff it still holds this Lock's token.
func (l *Lock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrLostOwnership
	}
	return nil
}

// WithLock acquires key (with bounded retries), runs body, extends the TTL
// once at the halfway point if body is still running, and always releases
// on return — the higher-order-function shape spec.md §9 models in place of
// a language-specific decorator.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl, waitInterval time.Duration, retries int, body func(ctx context.Context) error) error {
	l, err := AcquireWithRetry(ctx, client, key, ttl, waitInterval, retries)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	extendCtx, cancelExtend := context.WithCancel(ctx)
	defer cancelExtend()
	go func() {
		timer := time.NewTimer(ttl / 2)
		defer timer.Stop()
		select {
		case <-extendCtx.Done():
			return
		case <-timer.C:
			_ = l.Extend(extendCtx, ttl)
		}
	}()

	return body(ctx)
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
