package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENCRYPTION_KEY", "secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_RequiresEncryptionKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("ENCRYPTION_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "5", cfg.StarterCredits.String())
	assert.Equal(t, 5, cfg.ValidateRateLimit)
	assert.Equal(t, 600, cfg.RequestRateLimit)
	assert.Equal(t, 30*time.Second, cfg.RegistryCacheTTL)
	assert.True(t, cfg.Eco.AllowFallback)
	assert.True(t, cfg.Balanced.AllowFallback)
	assert.False(t, cfg.Precision.AllowFallback)
	assert.True(t, cfg.Precision.MaxCostPerM.IsZero())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("ENCRYPTION_KEY", "secret")
	t.Setenv("STARTER_CREDITS", "12.5")
	t.Setenv("POWER_ECO_MAX_COST", "0.75")
	t.Setenv("VALIDATE_RATE_LIMIT", "not-a-number")
	t.Setenv("OPENAI_API_KEY", "sk-platform")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "12.5", cfg.StarterCredits.String())
	assert.Equal(t, "0.75", cfg.Eco.MaxCostPerM.String())
	assert.Equal(t, 5, cfg.ValidateRateLimit)
	assert.Equal(t, map[string]string{"openai": "sk-platform"}, cfg.PlatformKeys())
}
