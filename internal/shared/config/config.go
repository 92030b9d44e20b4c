package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// PowerLimits are the hard ceilings of one power level
type PowerLimits struct {
	// MaxCostPerM is the ceiling in credits per million tokens; zero means unlimited
	MaxCostPerM   decimal.Decimal
	MaxLatencyMs  int
	AllowFallback bool
}

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Key vault master secret
	EncryptionKey string

	// Ledger
	StarterCredits decimal.Decimal
	DefaultTier    string

	// Platform provider keys used for health probes
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string

	// Rate limiting
	RequestRateLimit  int
	ValidateRateLimit int

	// Caching and sessions
	RegistryCacheTTL time.Duration
	SessionTTL       time.Duration

	// Billing sync
	BillingWebhookURL  string
	BillingSyncWorkers int

	// Catalog seed
	CatalogFile string

	// Health probing
	HealthCheckInterval time.Duration

	// Power level ceilings
	Eco       PowerLimits
	Balanced  PowerLimits
	Precision PowerLimits
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		StarterCredits:      getEnvDecimal("STARTER_CREDITS", decimal.NewFromInt(5)),
		DefaultTier:         getEnv("DEFAULT_TIER", "free"),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		RequestRateLimit:    getEnvInt("REQUEST_RATE_LIMIT", 600),
		ValidateRateLimit:   getEnvInt("VALIDATE_RATE_LIMIT", 5),
		RegistryCacheTTL:    time.Duration(getEnvInt("REGISTRY_CACHE_TTL_SECONDS", 30)) * time.Second,
		SessionTTL:          time.Duration(getEnvInt("SESSION_TTL_SECONDS", 900)) * time.Second,
		BillingWebhookURL:   getEnv("BILLING_WEBHOOK_URL", ""),
		BillingSyncWorkers:  getEnvInt("BILLING_SYNC_WORKERS", 4),
		CatalogFile:         getEnv("CATALOG_FILE", ""),
		HealthCheckInterval: time.Duration(getEnvInt("HEALTH_CHECK_INTERVAL_SECONDS", 60)) * time.Second,
		Eco: PowerLimits{
			MaxCostPerM:   getEnvDecimal("POWER_ECO_MAX_COST", decimal.NewFromInt(2)),
			MaxLatencyMs:  getEnvInt("POWER_ECO_MAX_LATENCY_MS", 3000),
			AllowFallback: true,
		},
		Balanced: PowerLimits{
			MaxCostPerM:   getEnvDecimal("POWER_BALANCED_MAX_COST", decimal.NewFromInt(20)),
			MaxLatencyMs:  getEnvInt("POWER_BALANCED_MAX_LATENCY_MS", 10000),
			AllowFallback: true,
		},
		Precision: PowerLimits{
			MaxCostPerM:   getEnvDecimal("POWER_PRECISION_MAX_COST", decimal.Zero),
			MaxLatencyMs:  getEnvInt("POWER_PRECISION_MAX_LATENCY_MS", 30000),
			AllowFallback: false,
		},
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.StarterCredits.IsNegative() {
		return nil, fmt.Errorf("STARTER_CREDITS must not be negative")
	}

	return cfg, nil
}

// PlatformKeys maps auth schemes to the platform's own provider keys
func (c *Config) PlatformKeys() map[string]string {
	keys := make(map[string]string)
	if c.OpenAIAPIKey != "" {
		keys["openai"] = c.OpenAIAPIKey
	}
	if c.AnthropicAPIKey != "" {
		keys["anthropic"] = c.AnthropicAPIKey
	}
	if c.GeminiAPIKey != "" {
		keys["gemini"] = c.GeminiAPIKey
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
