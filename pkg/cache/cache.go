// Package cache implements the Pipeline Cache (spec.md §4.2): two Redis-
// backed namespaces (PHI extraction results, non-PHI recommendations),
// stampede protection via a process-local coalescer, and a probabilistic
// early-refresh decision. Keying and namespace conventions follow
// itsneelabh/gomind's core/redis_client.go prefixing idiom; the coalescer
// follows tarsy's pkg/session/manager.go RWMutex-guarded map shape.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/audit"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"github.com/redis/go-redis/v9"
)

const (
	extractionPrefix     = "pipeline:extraction:"
	recommendationPrefix = "pipeline:recommendation:"
	auditKeyHashLen      = 16
)

// Stats is the result of the stats operation.
type Stats struct {
	ExtractionHits        int64
	ExtractionMisses      int64
	RecommendationHits    int64
	RecommendationMisses  int64
}

// Cache implements the Pipeline Cache.
type Cache struct {
	redis   *redis.Client
	cipher  *crypto.Cipher
	auditor audit.Collaborator

	defaultTTL time.Duration
	phiMaxTTL  time.Duration
	beta       float64

	mu         sync.Mutex
	coalescer  map[string]*inflight
	stats      Stats
}

type inflight struct {
	done chan struct{}
	val  []byte
	err  error
}

// New builds a Cache. phiMaxTTL caps the extraction namespace's TTL
// regardless of what callers request; defaultTTL is the recommendation
// namespace's TTL when callers don't override it. beta parameterizes the
// probabilistic early-refresh formula exp(-beta*ttlRemaining/maxTTL).
func New(client *redis.Client, cipher *crypto.Cipher, auditor audit.Collaborator, defaultTTL, phiMaxTTL time.Duration, beta float64) *Cache {
	return &Cache{
		redis:      client,
		cipher:     cipher,
		auditor:    auditor,
		defaultTTL: defaultTTL,
		phiMaxTTL:  phiMaxTTL,
		beta:       beta,
		coalescer:  make(map[string]*inflight),
	}
}

// HashTranscript returns the extraction-namespace key hash for a transcript.
func HashTranscript(transcriptText string) string {
	return hashString(transcriptText)
}

// HashRecommendationContext returns the recommendation-namespace key hash
// for a sorted condition-code list plus an age bucket and sex.
func HashRecommendationContext(conditionCodes []string, ageBucket, sex string) string {
	sorted := append([]string(nil), conditionCodes...)
	sort.Strings(sorted)
	payload, _ := json.Marshal(struct {
		Codes []string `json:"codes"`
		Age   string   `json:"age"`
		Sex   string   `json:"sex"`
	}{sorted, ageBucket, sex})
	return hashString(string(payload))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func truncatedHash(hash string) string {
	if len(hash) <= auditKeyHashLen {
		return hash
	}
	return hash[:auditKeyHashLen]
}

// GetExtraction fetches and decrypts a cached entity-extraction result.
func (c *Cache) GetExtraction(ctx context.Context, keyHash, correlationID string) ([]byte, bool, error) {
	key := extractionPrefix + keyHash
	raw, err := c.redis.Get(ctx, key).Bytes()
	success := err == nil
	c.emit(ctx, "getExtraction", keyHash, success, true, correlationID)
	if err == redis.Nil {
		c.bumpMiss(true)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get extraction: %w", err)
	}
	c.bumpHit(true)
	plaintext, err := c.cipher.Decrypt(raw)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decrypt extraction: %w", err)
	}
	return plaintext, true, nil
}

// SetExtraction encrypts and stores an entity-extraction result, clamping
// the TTL at phiMaxTTL.
func (c *Cache) SetExtraction(ctx context.Context, keyHash string, plaintext []byte, ttl time.Duration, correlationID string) error {
	if ttl <= 0 || ttl > c.phiMaxTTL {
		ttl = c.phiMaxTTL
	}
	ciphertext, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		c.emit(ctx, "setExtraction", keyHash, false, true, correlationID)
		return fmt.Errorf("cache: encrypt extraction: %w", err)
	}
	key := extractionPrefix + keyHash
	err = c.redis.Set(ctx, key, ciphertext, ttl).Err()
	c.emit(ctx, "setExtraction", keyHash, err == nil, true, correlationID)
	if err != nil {
		return fmt.Errorf("cache: set extraction: %w", err)
	}
	return nil
}

// GetRecommendations fetches a cached recommendation list (plaintext JSON).
func (c *Cache) GetRecommendations(ctx context.Context, keyHash, correlationID string) ([]byte, bool, error) {
	key := recommendationPrefix + keyHash
	raw, err := c.redis.Get(ctx, key).Bytes()
	success := err == nil
	c.emit(ctx, "getRecommendations", keyHash, success, false, correlationID)
	if err == redis.Nil {
		c.bumpMiss(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get recommendations: %w", err)
	}
	c.bumpHit(false)
	return raw, true, nil
}

// SetRecommendations stores a recommendation list in plaintext with ttl
// (or the configured default when ttl <= 0).
func (c *Cache) SetRecommendations(ctx context.Context, keyHash string, payload []byte, ttl time.Duration, correlationID string) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := recommendationPrefix + keyHash
	err := c.redis.Set(ctx, key, payload, ttl).Err()
	c.emit(ctx, "setRecommendations", keyHash, err == nil, false, correlationID)
	if err != nil {
		return fmt.Errorf("cache: set recommendations: %w", err)
	}
	return nil
}

// InvalidateExtraction removes a single extraction-namespace entry.
func (c *Cache) InvalidateExtraction(ctx context.Context, keyHash, correlationID string) error {
	err := c.redis.Del(ctx, extractionPrefix+keyHash).Err()
	c.emit(ctx, "invalidateExtraction", keyHash, err == nil, true, correlationID)
	return err
}

// InvalidateRecommendations removes a single recommendation-namespace entry.
func (c *Cache) InvalidateRecommendations(ctx context.Context, keyHash, correlationID string) error {
	err := c.redis.Del(ctx, recommendationPrefix+keyHash).Err()
	c.emit(ctx, "invalidateRecommendations", keyHash, err == nil, false, correlationID)
	return err
}

// InvalidateAllPHI clears the entire extraction namespace — the key-rotation
// path: once a new encryption key is deployed, old ciphertext can no longer
// be decrypted, so every PHI entry must go.
func (c *Cache) InvalidateAllPHI(ctx context.Context, correlationID string) error {
	iter := c.redis.Scan(ctx, 0, extractionPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan for invalidateAllPHI: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	err := c.redis.Del(ctx, keys...).Err()
	c.emit(ctx, "invalidateAllPHI", "", err == nil, true, correlationID)
	return err
}

// Stats returns a snapshot of hit/miss counters since process start.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) bumpHit(phi bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if phi {
		c.stats.ExtractionHits++
	} else {
		c.stats.RecommendationHits++
	}
}

func (c *Cache) bumpMiss(phi bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if phi {
		c.stats.ExtractionMisses++
	} else {
		c.stats.RecommendationMisses++
	}
}

func (c *Cache) emit(ctx context.Context, operation, keyHash string, success, containsPHI bool, correlationID string) {
	if c.auditor == nil {
		return
	}
	c.auditor.LogCacheOperation(ctx, audit.CacheOperationEntry{
		Operation:     operation,
		KeyHash:       truncatedHash(keyHash),
		Success:       success,
		ContainsPHI:   containsPHI,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	})
}

// ShouldRefreshEarly implements the probabilistic early-refresh decision:
// returns true with probability exp(-beta*ttlRemaining/maxTTL), so the
// chance of a proactive refresh grows monotonically as the entry ages.
// roll is caller-supplied (a uniform [0,1) draw) so the decision is
// deterministically testable.
func (c *Cache) ShouldRefreshEarly(ttlRemaining, maxTTL time.Duration, roll float64) bool {
	if maxTTL <= 0 {
		return true
	}
	p := math.Exp(-c.beta * float64(ttlRemaining) / float64(maxTTL))
	return roll < p
}

// Coalesce ensures only one concurrent caller per key actually executes
// fetch; other callers for the same key await and share its result. This is
// the stampede-protection half of spec.md §4.2, modeled on tarsy's
// RWMutex-guarded in-process registry (pkg/session/manager.go) rather than
// a full singleflight dependency.
func (c *Cache) Coalesce(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if existing, ok := c.coalescer[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.val, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &inflight{done: make(chan struct{})}
	c.coalescer[key] = f
	c.mu.Unlock()

	f.val, f.err = fetch(ctx)
	close(f.done)

	c.mu.Lock()
	delete(c.coalescer, key)
	c.mu.Unlock()

	return f.val, f.err
}

// GetOrFetchExtraction is the real extraction-namespace read path: a fresh
// hit returns immediately, an entry nearing expiry (ShouldRefreshEarly)
// triggers a coalesced proactive refresh, and a miss coalesces concurrent
// callers for the same key onto one fetch rather than letting every caller
// stampede the ML service at once (spec.md §4.2). fetch's result is stored
// back under keyHash with ttl before being returned.
func (c *Cache) GetOrFetchExtraction(ctx context.Context, keyHash, correlationID string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	cached, hit, err := c.GetExtraction(ctx, keyHash, correlationID)
	if err != nil {
		return nil, false, err
	}
	if hit && !c.dueForRefresh(ctx, extractionPrefix+keyHash, c.phiMaxTTL) {
		return cached, true, nil
	}

	fresh, ferr := c.Coalesce(ctx, extractionPrefix+keyHash, func(ctx context.Context) ([]byte, error) {
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.SetExtraction(ctx, keyHash, payload, ttl, correlationID)
		return payload, nil
	})
	if ferr != nil {
		if hit {
			return cached, true, nil
		}
		return nil, false, ferr
	}
	return fresh, hit, nil
}

// GetOrFetchRecommendations is GetOrFetchExtraction's recommendation-
// namespace counterpart.
func (c *Cache) GetOrFetchRecommendations(ctx context.Context, keyHash, correlationID string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	cached, hit, err := c.GetRecommendations(ctx, keyHash, correlationID)
	if err != nil {
		return nil, false, err
	}
	if hit && !c.dueForRefresh(ctx, recommendationPrefix+keyHash, c.defaultTTL) {
		return cached, true, nil
	}

	fresh, ferr := c.Coalesce(ctx, recommendationPrefix+keyHash, func(ctx context.Context) ([]byte, error) {
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.SetRecommendations(ctx, keyHash, payload, ttl, correlationID)
		return payload, nil
	})
	if ferr != nil {
		if hit {
			return cached, true, nil
		}
		return nil, false, ferr
	}
	return fresh, hit, nil
}

// dueForRefresh reports whether redisKey's remaining TTL warrants a
// proactive refresh per ShouldRefreshEarly; any error reading the TTL (key
// expired between the Get and here, or a transient Redis error) defers to
// the cached value already in hand rather than forcing a refresh.
func (c *Cache) dueForRefresh(ctx context.Context, redisKey string, maxTTL time.Duration) bool {
	remaining, err := c.redis.TTL(ctx, redisKey).Result()
	if err != nil || remaining < 0 {
		return false
	}
	return c.ShouldRefreshEarly(remaining, maxTTL, rand.Float64())
}
