package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "gpt-4o-mini", cfg.AIModel)
	assert.Equal(t, 3*time.Second, cfg.AITimeout)
	assert.Equal(t, 2, cfg.AIRetryMaxAttempts)
	assert.Equal(t, 0.55, cfg.AIMinConfidence)
	assert.Equal(t, int64(200_000), cfg.AIMaxDailyTokens)
	assert.Equal(t, "smart", cfg.AIMode)
	assert.Equal(t, 3, cfg.MaxResolutionAttempts)
}

func TestNewConfig_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("AI_MODEL", "gpt-4o")
	t.Setenv("AI_TIMEOUT_SECONDS", "45")
	t.Setenv("OCTUP_MAX_RESOLUTION_ATTEMPTS", "5")
	t.Setenv("AI_MODE", "fallback")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.AIModel)
	assert.Equal(t, 45*time.Second, cfg.AITimeout)
	assert.Equal(t, 5, cfg.MaxResolutionAttempts)
	assert.Equal(t, "fallback", cfg.AIMode)
}

func TestNewConfig_OptionsOverrideEnv(t *testing.T) {
	t.Setenv("AI_MODEL", "gpt-4o")

	cfg, err := NewConfig(WithAIModel("claude-haiku"))
	require.NoError(t, err)

	assert.Equal(t, "claude-haiku", cfg.AIModel)
}

func TestNewConfig_RejectsInvalidAIMode(t *testing.T) {
	_, err := NewConfig(WithAIMode("turbo"))
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestNewConfig_RejectsOutOfRangeConfidence(t *testing.T) {
	_, err := NewConfig(func(c *Config) error {
		c.AIMinConfidence = 1.5
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestNewConfig_RejectsZeroResolutionAttempts(t *testing.T) {
	_, err := NewConfig(WithMaxResolutionAttempts(0))
	require.Error(t, err)
}

func TestNewConfig_ProductionRequiresJWTSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := NewConfig()
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestNewConfig_ProductionWithSecretPasses(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "s3cr3t")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.AppEnv)
}

func TestMain_EnvIsolation(t *testing.T) {
	// Guard against accidental cross-test environment leakage from a
	// prior failing run of this package.
	require.Empty(t, os.Getenv("__core_config_test_unused__"))
}
