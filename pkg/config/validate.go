package config

import (
	"errors"
	"fmt"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
)

// ErrValidationFailed wraps every field-level validation error so callers
// can errors.Is check it without caring about the specific field.
var ErrValidationFailed = errors.New("configuration validation failed")

// FieldError names a single invalid configuration field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Validate checks every field of Config and returns a wrapped error naming
// every problem found, not just the first — tarsy's pkg/config/validator.go
// takes the same "collect everything" approach rather than fail-fast.
func (c *Config) Validate() error {
	var fieldErrs []*FieldError

	if c.MaxRetries < 0 {
		fieldErrs = append(fieldErrs, &FieldError{"maxRetries", errors.New("must be >= 0")})
	}
	if c.StageTimeoutMs <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"stageTimeoutMs", errors.New("must be > 0")})
	}
	if c.CacheDefaultTTLs <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"cacheDefaultTTLs", errors.New("must be > 0")})
	}
	if c.CachePHIMaxTTLs <= 0 || c.CachePHIMaxTTLs > 3600 {
		fieldErrs = append(fieldErrs, &FieldError{"cachePHIMaxTTLs", errors.New("must be in (0, 3600] seconds")})
	}
	if c.CacheEarlyRefreshBeta <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"cacheEarlyRefreshBeta", errors.New("must be > 0")})
	}
	if c.IdempotencyExpirationHours <= 0 || c.IdempotencyExpirationHours > 24 {
		fieldErrs = append(fieldErrs, &FieldError{"idempotencyExpirationHours", errors.New("must be in (0, 24]")})
	}
	if c.WorkerGenerationConcurrency <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"workerGenerationConcurrency", errors.New("must be > 0")})
	}
	if c.WorkerPDFConcurrency <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"workerPDFConcurrency", errors.New("must be > 0")})
	}
	if c.RateLimitPerSec <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"rateLimitPerSec", errors.New("must be > 0")})
	}
	if c.LockDefaultTTLMs <= 0 {
		fieldErrs = append(fieldErrs, &FieldError{"lockDefaultTTLMs", errors.New("must be > 0")})
	}
	if c.FlagRefreshMs < 0 {
		fieldErrs = append(fieldErrs, &FieldError{"flagRefreshMs", errors.New("must be >= 0 (0 disables)")})
	}
	if len(c.EncryptionKey) != crypto.KeySize {
		fieldErrs = append(fieldErrs, &FieldError{"encryptionKey", crypto.ErrInvalidKeySize})
	}

	if len(fieldErrs) == 0 {
		return nil
	}
	msg := ""
	for i, fe := range fieldErrs {
		if i > 0 {
			msg += "; "
		}
		msg += fe.Error()
	}
	return fmt.Errorf("%w: %s", ErrValidationFailed, msg)
}
