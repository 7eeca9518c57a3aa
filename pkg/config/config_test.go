package config

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	os.Setenv("ENCRYPTION_KEY_HEX", hex.EncodeToString(key))
	t.Cleanup(func() { os.Unsetenv("ENCRYPTION_KEY_HEX") })
}

func TestLoadAppliesDefaults(t *testing.T) {
	setValidKey(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 300, cfg.CacheDefaultTTLs)
	assert.Equal(t, 3600, cfg.CachePHIMaxTTLs)
	assert.Equal(t, 24, cfg.IdempotencyExpirationHours)
}

func TestLoadFailsWithoutEncryptionKey(t *testing.T) {
	os.Unsetenv("ENCRYPTION_KEY_HEX")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	setValidKey(t)
	os.Setenv("MAX_RETRIES", "5")
	t.Cleanup(func() { os.Unsetenv("MAX_RETRIES") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestValidateRejectsPHICacheTTLOverCap(t *testing.T) {
	setValidKey(t)
	cfg := Defaults()
	key := make([]byte, 32)
	cfg.EncryptionKey = key
	cfg.CachePHIMaxTTLs = 7200

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cachePHIMaxTTLs")
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.MaxRetries = -1
	cfg.RateLimitPerSec = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxRetries")
	assert.Contains(t, err.Error(), "rateLimitPerSec")
	assert.Contains(t, err.Error(), "encryptionKey")
}
