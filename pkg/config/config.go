// Package config loads and validates the orchestrator's configuration
// surface (spec.md §6), layering compiled-in defaults, an optional YAML
// file, and environment variable overrides — the same layering tarsy's
// pkg/config package applies to its agent/chain/MCP registries.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"gopkg.in/yaml.v3"
)

// Config is the configuration surface named in spec.md §6.
type Config struct {
	MaxRetries                  int           `yaml:"maxRetries"`
	StageTimeout                time.Duration `yaml:"-"`
	StageTimeoutMs              int           `yaml:"stageTimeoutMs"`
	EnableCaching               bool          `yaml:"enableCaching"`
	EnableIdempotency            bool          `yaml:"enableIdempotency"`
	CacheDefaultTTL              time.Duration `yaml:"-"`
	CacheDefaultTTLs             int           `yaml:"cacheDefaultTTLs"`
	CachePHIMaxTTL               time.Duration `yaml:"-"`
	CachePHIMaxTTLs              int           `yaml:"cachePHIMaxTTLs"`
	CacheEarlyRefreshBeta        float64       `yaml:"cacheEarlyRefreshBeta"`
	IdempotencyExpiration        time.Duration `yaml:"-"`
	IdempotencyExpirationHours   int           `yaml:"idempotencyExpirationHours"`
	WorkerGenerationConcurrency int           `yaml:"workerGenerationConcurrency"`
	WorkerPDFConcurrency        int           `yaml:"workerPDFConcurrency"`
	RateLimitPerSec              int           `yaml:"rateLimitPerSec"`
	LockDefaultTTL               time.Duration `yaml:"-"`
	LockDefaultTTLMs             int           `yaml:"lockDefaultTTLMs"`
	FlagRefresh                  time.Duration `yaml:"-"`
	FlagRefreshMs                int           `yaml:"flagRefreshMs"`

	// EncryptionKey is the required 32-byte AES-256-GCM key. It has no
	// compiled-in default: every other field may be zero-valued and
	// defaulted, but shipping a default encryption key would make every
	// deployment share the same PHI key.
	EncryptionKey []byte `yaml:"-"`

	RedisAddr    string `yaml:"redisAddr"`
	RedisPrefix  string `yaml:"redisPrefix"`
	DatabaseDSN  string `yaml:"-"`
}

// Defaults returns the compiled-in defaults from spec.md §6's configuration
// surface table.
func Defaults() Config {
	return Config{
		MaxRetries:                  3,
		StageTimeoutMs:               30000,
		EnableCaching:                true,
		EnableIdempotency:             true,
		CacheDefaultTTLs:              300,
		CachePHIMaxTTLs:               3600,
		CacheEarlyRefreshBeta:        1.0,
		IdempotencyExpirationHours:    24,
		WorkerGenerationConcurrency:  5,
		WorkerPDFConcurrency:         3,
		RateLimitPerSec:               10,
		LockDefaultTTLMs:              300000,
		FlagRefreshMs:                 0,
		RedisPrefix:                   "pipeline",
	}
}

// Load builds a Config from compiled-in defaults, an optional YAML file at
// path (ignored if empty or missing), and environment variable overrides,
// then validates the result. Environment variables take precedence over the
// file, which takes precedence over defaults — tarsy's layering order in
// pkg/config/loader.go.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			expanded := ExpandEnv(data)
			if err := yaml.Unmarshal(expanded, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	key, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	cfg.resolveDurations()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveDurations converts the millisecond/hour integer fields into
// time.Duration, keeping the YAML/env surface in plain integers (as
// spec.md §6 specifies) while the rest of the codebase works in Durations.
func (c *Config) resolveDurations() {
	c.StageTimeout = time.Duration(c.StageTimeoutMs) * time.Millisecond
	c.CacheDefaultTTL = time.Duration(c.CacheDefaultTTLs) * time.Second
	c.CachePHIMaxTTL = time.Duration(c.CachePHIMaxTTLs) * time.Second
	c.IdempotencyExpiration = time.Duration(c.IdempotencyExpirationHours) * time.Hour
	c.LockDefaultTTL = time.Duration(c.LockDefaultTTLMs) * time.Millisecond
	c.FlagRefresh = time.Duration(c.FlagRefreshMs) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("STAGE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StageTimeoutMs = n
		}
	}
	if v := os.Getenv("ENABLE_CACHING"); v != "" {
		cfg.EnableCaching = v == "true"
	}
	if v := os.Getenv("ENABLE_IDEMPOTENCY"); v != "" {
		cfg.EnableIdempotency = v == "true"
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheDefaultTTLs = n
		}
	}
	if v := os.Getenv("CACHE_PHI_MAX_TTL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CachePHIMaxTTLs = n
		}
	}
	if v := os.Getenv("CACHE_EARLY_REFRESH_BETA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CacheEarlyRefreshBeta = f
		}
	}
	if v := os.Getenv("IDEMPOTENCY_EXPIRATION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdempotencyExpirationHours = n
		}
	}
	if v := os.Getenv("WORKER_GENERATION_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerGenerationConcurrency = n
		}
	}
	if v := os.Getenv("WORKER_PDF_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPDFConcurrency = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerSec = n
		}
	}
	if v := os.Getenv("LOCK_DEFAULT_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockDefaultTTLMs = n
		}
	}
	if v := os.Getenv("FLAG_REFRESH_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FlagRefreshMs = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
}

// loadEncryptionKey reads ENCRYPTION_KEY_HEX, the 64 hex characters encoding
// the required 32-byte key. It is intentionally not part of the YAML/default
// path: an encryption key must never ship as a compiled-in or file default.
func loadEncryptionKey() ([]byte, error) {
	hexKey := os.Getenv("ENCRYPTION_KEY_HEX")
	if hexKey == "" {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY_HEX is required")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY_HEX is not valid hex: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("config: %w (got %d bytes)", crypto.ErrInvalidKeySize, len(key))
	}
	return key, nil
}
