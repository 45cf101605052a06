// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations on startup

	// Public URLs. Callback URLs handed to providers are derived from PublicBaseURL.
	PublicBaseURL    string
	ReturnSuccessURL string
	ReturnFailureURL string

	// Security
	JWTSecret    string // HS256 secret for caller identity tokens
	CronSecret   string // Shared bearer secret for the auto-release trigger
	RateLimitRPM int
	CORSOrigins  []string

	// Escrow policy
	AutoReleaseGrace    time.Duration
	AutoReleaseSchedule string // robfig/cron spec for the in-process sweep, empty disables
	SweepBatchSize      int
	SweepConcurrency    int
	IntentTTL           time.Duration
	ProviderTimeout     time.Duration
	DefaultProvider     string

	// Card provider (provider A)
	CardBaseURL   string
	CardSecretKey string
	CardCurrency  string

	// Trust-account provider (provider B)
	TrustBaseURL  string
	TrustEmail    string
	TrustAPIKey   string
	TrustCurrency string

	// Notifications
	RedisURL    string
	RedisStream string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRateLimit           = 120
	DefaultAutoReleaseGrace    = 7 * 24 * time.Hour
	DefaultAutoReleaseSchedule = "@every 6h"
	DefaultSweepBatchSize      = 500
	DefaultSweepConcurrency    = 8
	DefaultIntentTTL           = 30 * time.Minute
	DefaultProviderTimeout     = 15 * time.Second
	DefaultProvider            = "card"
	DefaultCardBaseURL         = "https://api.paystack.co"
	DefaultCardCurrency        = "NGN"
	DefaultTrustBaseURL        = "https://api.escrow.com/2017-09-01"
	DefaultTrustCurrency       = "USD"
	DefaultRedisStream         = "gigescrow:events"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         os.Getenv("AUTO_MIGRATE") == "true",
		PublicBaseURL:       os.Getenv("PUBLIC_BASE_URL"),
		ReturnSuccessURL:    os.Getenv("RETURN_SUCCESS_URL"),
		ReturnFailureURL:    os.Getenv("RETURN_FAILURE_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		CronSecret:          os.Getenv("CRON_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		AutoReleaseGrace:    getEnvDuration("AUTO_RELEASE_GRACE", DefaultAutoReleaseGrace),
		AutoReleaseSchedule: getEnv("AUTO_RELEASE_SCHEDULE", DefaultAutoReleaseSchedule),
		SweepBatchSize:      int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		SweepConcurrency:    int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		IntentTTL:           getEnvDuration("INTENT_TTL", DefaultIntentTTL),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		DefaultProvider:     getEnv("DEFAULT_PROVIDER", DefaultProvider),
		CardBaseURL:         getEnv("CARD_BASE_URL", DefaultCardBaseURL),
		CardSecretKey:       os.Getenv("CARD_SECRET_KEY"),
		CardCurrency:        getEnv("CARD_CURRENCY", DefaultCardCurrency),
		TrustBaseURL:        getEnv("TRUST_BASE_URL", DefaultTrustBaseURL),
		TrustEmail:          os.Getenv("TRUST_EMAIL"),
		TrustAPIKey:         os.Getenv("TRUST_API_KEY"),
		TrustCurrency:       getEnv("TRUST_CURRENCY", DefaultTrustCurrency),
		RedisURL:            os.Getenv("REDIS_URL"),
		RedisStream:         getEnv("REDIS_STREAM", DefaultRedisStream),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
	}

	if !c.CardEnabled() && !c.TrustEnabled() {
		return fmt.Errorf("at least one provider must be configured (CARD_SECRET_KEY or TRUST_EMAIL + TRUST_API_KEY)")
	}

	switch c.DefaultProvider {
	case "card":
		if !c.CardEnabled() {
			return fmt.Errorf("DEFAULT_PROVIDER card requires CARD_SECRET_KEY")
		}
	case "trust":
		if !c.TrustEnabled() {
			return fmt.Errorf("DEFAULT_PROVIDER trust requires TRUST_EMAIL and TRUST_API_KEY")
		}
	default:
		return fmt.Errorf("DEFAULT_PROVIDER must be card or trust, got %q", c.DefaultProvider)
	}

	if c.AutoReleaseGrace <= 0 {
		return fmt.Errorf("AUTO_RELEASE_GRACE must be positive")
	}
	if c.IntentTTL <= 0 {
		return fmt.Errorf("INTENT_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	return nil
}

// CardEnabled reports whether provider A credentials are present.
func (c *Config) CardEnabled() bool {
	return c.CardSecretKey != ""
}

// TrustEnabled reports whether provider B credentials are present.
func (c *Config) TrustEnabled() bool {
	return c.TrustEmail != "" && c.TrustAPIKey != ""
}

// CallbackURL returns the browser return URL registered with a provider.
func (c *Config) CallbackURL(provider string) string {
	return c.PublicBaseURL + "/v1/payments/" + provider + "/return"
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
