// Package idempotency implements the Idempotency Store (spec.md §4.3):
// an atomic insert-with-on-conflict check over a Postgres table that
// guarantees at most one request body executes past the guard for any
// given idempotency key.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalHash returns the SHA-256 hex digest of body's stable
// canonicalization: object keys sorted recursively, so two semantically
// identical JSON payloads hash identically regardless of field order.
func CanonicalHash(body map[string]any) (string, error) {
	canon := canonicalize(body)
	encoded, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize walks v, rebuilding every map (recursively, through slices
// too) as a map[string]any. The stable key order of the hashed JSON comes
// from json.Marshal itself, which always writes string map keys sorted.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}
