package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PUBLIC_BASE_URL", "https://escrow.example.com")
	setEnv(t, "CARD_SECRET_KEY", "sk_test_123")
	setEnv(t, "PORT", "9090")
	setEnv(t, "AUTO_RELEASE_GRACE", "72h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 72*time.Hour, cfg.AutoReleaseGrace)
	assert.Equal(t, DefaultAutoReleaseSchedule, cfg.AutoReleaseSchedule)
	assert.Equal(t, DefaultCardCurrency, cfg.CardCurrency)
	assert.True(t, cfg.CardEnabled())
	assert.False(t, cfg.TrustEnabled())
	assert.Equal(t, "https://escrow.example.com/v1/payments/card/return", cfg.CallbackURL("card"))
}

func TestLoad_MissingBaseURL(t *testing.T) {
	setEnv(t, "PUBLIC_BASE_URL", "")
	setEnv(t, "CARD_SECRET_KEY", "sk_test_123")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLIC_BASE_URL is required")
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	setEnv(t, "PUBLIC_BASE_URL", "https://escrow.example.com")
	setEnv(t, "CARD_SECRET_KEY", "sk_test_123")
	setEnv(t, "AUTO_RELEASE_GRACE", "next tuesday")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultAutoReleaseGrace, cfg.AutoReleaseGrace)
}

func TestLoad_CORSOriginsList(t *testing.T) {
	setEnv(t, "PUBLIC_BASE_URL", "https://escrow.example.com")
	setEnv(t, "CARD_SECRET_KEY", "sk_test_123")
	setEnv(t, "CORS_ORIGINS", " https://app.example.com, ,https://admin.example.com ")
	setEnv(t, "AUTO_MIGRATE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.AutoMigrate)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			PublicBaseURL:    "https://escrow.example.com",
			CardSecretKey:    "sk",
			DefaultProvider:  "card",
			AutoReleaseGrace: time.Hour,
			IntentTTL:        time.Minute,
			ProviderTimeout:  time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "relative base url", mutate: func(c *Config) { c.PublicBaseURL = "/v1" }, wantErr: "absolute URL"},
		{name: "no providers", mutate: func(c *Config) { c.CardSecretKey = "" }, wantErr: "at least one provider"},
		{name: "default trust without credentials", mutate: func(c *Config) { c.DefaultProvider = "trust" }, wantErr: "TRUST_EMAIL"},
		{name: "default trust with credentials", mutate: func(c *Config) {
			c.DefaultProvider = "trust"
			c.TrustEmail = "ops@example.com"
			c.TrustAPIKey = "key"
		}},
		{name: "unknown default provider", mutate: func(c *Config) { c.DefaultProvider = "wire" }, wantErr: "card or trust"},
		{name: "zero grace", mutate: func(c *Config) { c.AutoReleaseGrace = 0 }, wantErr: "AUTO_RELEASE_GRACE"},
		{name: "production without jwt", mutate: func(c *Config) { c.Env = "production" }, wantErr: "JWT_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
